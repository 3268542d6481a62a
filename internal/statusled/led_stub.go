//go:build !linux || (!arm && !arm64)

package statusled

import "errors"

// Stub implementation for non-Linux and/or non-ARM platforms.
func Open(cfg Config) (*Panel, error) {
	return nil, errors.New("statusled: gpio unsupported on this platform")
}

type Panel struct{}

func (p *Panel) SetNet(on bool) {}

func (p *Panel) SetFix(on bool) {}

func (p *Panel) Close() error { return nil }
