//go:build !linux

package serial

import "fmt"

// Port is a stub on non-Linux platforms; Open always fails.
type Port struct{}

func Open(device string, baud int) (*Port, error) {
	return nil, fmt.Errorf("serial not supported on this platform")
}

func (p *Port) Poll(buf []byte) (int, error) {
	return 0, fmt.Errorf("serial not supported on this platform")
}

func (p *Port) Write(b []byte) (int, error) {
	return 0, fmt.Errorf("serial not supported on this platform")
}

func (p *Port) Close() error { return nil }

func (p *Port) Device() string { return "" }
