//go:build linux && (arm || arm64)

package statusled

import (
	"fmt"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// Panel holds the requested output lines. The power LED is lit from Open;
// net and fix start dark and track state from the scheduler loop.
type Panel struct {
	chip  *gpiocdev.Chip
	power *gpiocdev.Line
	net   *gpiocdev.Line
	fix   *gpiocdev.Line
}

// Open requests the three indicator lines as outputs on the configured
// gpiochip. On Pi-class boards the line offsets match BCM pin numbers.
func Open(cfg Config) (*Panel, error) {
	chipPath := cfg.Chip
	if chipPath == "" {
		chipPath = "gpiochip0"
	}
	if !strings.HasPrefix(chipPath, "/dev/") {
		chipPath = "/dev/" + chipPath
	}
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("statusled: open %s: %w", chipPath, err)
	}

	p := &Panel{chip: chip}
	for _, req := range []struct {
		pin  int
		dst  **gpiocdev.Line
		init int
	}{
		{cfg.PowerPin, &p.power, 1},
		{cfg.NetPin, &p.net, 0},
		{cfg.FixPin, &p.fix, 0},
	} {
		line, err := chip.RequestLine(req.pin, gpiocdev.AsOutput(req.init), gpiocdev.WithConsumer("trackerd"))
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("statusled: request line %d: %w", req.pin, err)
		}
		*req.dst = line
	}
	return p, nil
}

func (p *Panel) SetNet(on bool) { p.set(p.net, on) }

func (p *Panel) SetFix(on bool) { p.set(p.fix, on) }

func (p *Panel) set(line *gpiocdev.Line, on bool) {
	if p == nil || line == nil {
		return
	}
	v := 0
	if on {
		v = 1
	}
	// An indicator write failure is cosmetic; the loop keeps running.
	_ = line.SetValue(v)
}

// Close darkens everything and releases the lines.
func (p *Panel) Close() error {
	if p == nil {
		return nil
	}
	for _, line := range []**gpiocdev.Line{&p.fix, &p.net, &p.power} {
		if *line == nil {
			continue
		}
		_ = (*line).SetValue(0)
		_ = (*line).Close()
		*line = nil
	}
	if p.chip != nil {
		_ = p.chip.Close()
		p.chip = nil
	}
	return nil
}
