package main

import (
	"fmt"
	"log"
	"strings"

	"trackerd/internal/config"
	"trackerd/internal/dispatch"
	"trackerd/internal/gps"
	"trackerd/internal/modem"
	"trackerd/internal/serial"
	"trackerd/internal/statusled"
	"trackerd/internal/tracker"
)

// trackerPort is the slice of a serial port the runtime wires up.
type trackerPort interface {
	Poll([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

type ledPanel interface {
	SetNet(bool)
	SetFix(bool)
	Close() error
}

var openPortFn = func(device string, baud int) (trackerPort, error) {
	p, err := serial.Open(device, baud)
	if err != nil {
		return nil, err
	}
	return p, nil
}

var openLEDFn = func(cfg statusled.Config) (ledPanel, error) {
	p, err := statusled.Open(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type appRuntime struct {
	cfg config.Config

	gpsPort   trackerPort
	modemPort trackerPort
	leds      ledPanel

	store      *gps.Store
	assembler  *gps.Assembler
	parser     *gps.Parser
	driver     *modem.Driver
	dispatcher *dispatch.Dispatcher

	tracker *tracker.Tracker
}

// buildRuntime opens the hardware and assembles the scheduler. The two
// UARTs degrade independently: a missing modem leaves GPS-only tracking, a
// missing GPS receiver leaves SMS answering with no position. Only losing
// both is fatal. LED failure is never fatal.
func buildRuntime(cfg config.Config) (*appRuntime, error) {
	r := &appRuntime{cfg: cfg}
	r.store = gps.NewStore()
	r.assembler = &gps.Assembler{}
	r.parser = gps.NewParser(r.store)

	if dev := strings.TrimSpace(cfg.Modem.Device); dev != "" {
		port, err := openPortFn(dev, cfg.Modem.Baud)
		if err != nil {
			log.Printf("modem port open failed, running gps-only err=%v", err)
		} else {
			r.modemPort = port
			r.driver = modem.New(port, modem.Config{
				CommandTimeout: cfg.Modem.CommandTimeout(),
				SendTimeout:    cfg.Modem.SendTimeout(),
				PromptTimeout:  cfg.Modem.PromptTimeout(),
				APN:            strings.TrimSpace(cfg.Modem.APN),
				InboxLimit:     cfg.Tracker.InboxLimit,
			})
			r.dispatcher = dispatch.New(r.store, r.driver)
		}
	} else {
		log.Printf("modem device not configured, sms disabled")
	}

	gpsPort, err := openPortFn(cfg.GPS.Device, cfg.GPS.Baud)
	if err != nil {
		if r.driver == nil {
			r.Close()
			return nil, fmt.Errorf("gps port: %w", err)
		}
		log.Printf("gps port open failed, position disabled err=%v", err)
	} else {
		r.gpsPort = gpsPort
	}

	if cfg.LEDs.Enabled {
		panel, err := openLEDFn(statusled.Config{
			Chip:     cfg.LEDs.Chip,
			PowerPin: cfg.LEDs.PowerPin,
			NetPin:   cfg.LEDs.NetPin,
			FixPin:   cfg.LEDs.FixPin,
		})
		if err != nil {
			log.Printf("leds disabled err=%v", err)
		} else {
			r.leds = panel
		}
	}

	deps := tracker.Deps{
		Driver:     r.driver,
		Assembler:  r.assembler,
		Parser:     r.parser,
		Store:      r.store,
		Dispatcher: r.dispatcher,
	}
	if r.gpsPort != nil {
		deps.GPSPort = r.gpsPort
	}
	if r.modemPort != nil {
		deps.ModemPort = r.modemPort
	}
	if r.leds != nil {
		deps.LEDs = r.leds
	}

	r.tracker = tracker.New(tracker.Config{
		AdminPhone:         cfg.Tracker.AdminPhone,
		PollInterval:       cfg.Tracker.PollInterval(),
		RegCheckInterval:   cfg.Tracker.RegCheckInterval(),
		ReportInterval:     cfg.Tracker.ReportInterval(),
		LogSummaryInterval: cfg.Tracker.LogSummaryInterval(),
		OutboxLimit:        cfg.Tracker.InboxLimit,
	}, deps)
	return r, nil
}

func (r *appRuntime) Close() {
	if r == nil {
		return
	}
	if r.driver != nil {
		r.driver.Close()
		r.driver = nil
	}
	if r.gpsPort != nil {
		_ = r.gpsPort.Close()
		r.gpsPort = nil
	}
	if r.modemPort != nil {
		_ = r.modemPort.Close()
		r.modemPort = nil
	}
	if r.leds != nil {
		_ = r.leds.Close()
		r.leds = nil
	}
}
