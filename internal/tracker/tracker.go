// Package tracker runs the scheduler loop: one control flow alternating
// between the GPS and modem UARTs plus time-based housekeeping. No
// operation blocks longer than one poll interval.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"trackerd/internal/dispatch"
	"trackerd/internal/gps"
	"trackerd/internal/modem"
)

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultOutboxLimit  = 8
	readBufSize         = 512
)

// Poller is the consumer-side port contract: a non-blocking read of
// whatever bytes are pending, possibly none. The modem's write side is
// owned by the driver.
type Poller interface {
	Poll([]byte) (int, error)
}

// Panel is the optional status LED surface.
type Panel interface {
	SetNet(bool)
	SetFix(bool)
}

type Config struct {
	// AdminPhone receives the one-time notifications and periodic
	// reports; empty disables both.
	AdminPhone string

	PollInterval     time.Duration
	RegCheckInterval time.Duration
	// ReportInterval paces the periodic location SMS; 0 disables.
	ReportInterval time.Duration
	// LogSummaryInterval paces the counters log line; 0 disables.
	LogSummaryInterval time.Duration

	OutboxLimit int
}

// Deps carries the wired components. Driver, ModemPort, and Dispatcher may
// all be nil together: the tracker then runs GPS-only with SMS disabled.
type Deps struct {
	GPSPort   Poller
	ModemPort Poller

	Driver     *modem.Driver
	Assembler  *gps.Assembler
	Parser     *gps.Parser
	Store      *gps.Store
	Dispatcher *dispatch.Dispatcher

	LEDs Panel
}

type Tracker struct {
	cfg  Config
	deps Deps

	nowFn func() time.Time

	outbox  []dispatch.Reply
	sending bool

	lastRegCheck time.Time
	lastReport   time.Time
	lastSummary  time.Time

	onlineSent  bool
	fixNotified bool
	faultLogged bool

	ledsInit bool
	ledNet   bool
	ledFix   bool

	gpsErrLogged   bool
	modemErrLogged bool

	droppedReplies uint64
	iterations     uint64

	gpsBuf   []byte
	modemBuf []byte
}

func New(cfg Config, deps Deps) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.OutboxLimit <= 0 {
		cfg.OutboxLimit = defaultOutboxLimit
	}
	return &Tracker{
		cfg:      cfg,
		deps:     deps,
		nowFn:    time.Now,
		gpsBuf:   make([]byte, readBufSize),
		modemBuf: make([]byte, readBufSize),
	}
}

// Run drives the loop until ctx is canceled. It is the only goroutine
// touching the driver, assembler, parser, and outbox; the fix store is
// safe for outside readers.
func (t *Tracker) Run(ctx context.Context) error {
	if t == nil {
		return errors.New("tracker is nil")
	}
	now := t.nowFn()
	t.lastReport = now
	t.lastSummary = now
	if t.deps.Driver != nil {
		t.deps.Driver.StartInit()
	}
	log.Printf("tracker: loop started interval=%s sms=%v", t.cfg.PollInterval, t.deps.Driver != nil)

	for {
		t.step(t.nowFn())
		if err := sleepCtx(ctx, t.cfg.PollInterval); err != nil {
			log.Printf("tracker: loop stopped")
			return err
		}
	}
}

// step is one scheduler iteration. Split out so tests can drive the loop
// with a scripted clock.
func (t *Tracker) step(now time.Time) {
	t.iterations++

	// GPS bytes → sentences → fixes.
	if t.deps.GPSPort != nil {
		n, err := t.deps.GPSPort.Poll(t.gpsBuf)
		switch {
		case err != nil:
			if !t.gpsErrLogged {
				log.Printf("tracker: gps poll err=%v", err)
				t.gpsErrLogged = true
			}
		default:
			t.gpsErrLogged = false
			if n > 0 {
				for _, line := range t.deps.Assembler.Feed(t.gpsBuf[:n]) {
					t.deps.Parser.Accept(now.UTC(), line)
				}
			}
		}
	}

	// Modem bytes, then deadlines and queued slot work.
	if t.deps.Driver != nil {
		if t.deps.ModemPort != nil {
			n, err := t.deps.ModemPort.Poll(t.modemBuf)
			switch {
			case err != nil:
				if !t.modemErrLogged {
					log.Printf("tracker: modem poll err=%v", err)
					t.modemErrLogged = true
				}
			default:
				t.modemErrLogged = false
				if n > 0 {
					t.deps.Driver.Feed(now, t.modemBuf[:n])
				}
			}
		}
		t.deps.Driver.Tick(now)
	}

	// At most one inbound message per iteration, in arrival order.
	if t.deps.Driver != nil && t.deps.Dispatcher != nil {
		if msg, ok := t.deps.Driver.PopInbound(); ok {
			log.Printf("tracker: command from %s body=%q", msg.Sender, msg.Body)
			t.enqueue(t.deps.Dispatcher.Handle(msg))
		}
	}

	t.flush(now)
	t.housekeeping(now)
	t.updateLEDs()
}

// enqueue appends an outbound reply to the bounded outbox. A faulted
// driver drops the work outright; the fault was already reported.
func (t *Tracker) enqueue(r dispatch.Reply) {
	if t.deps.Driver == nil || t.deps.Driver.Faulted() {
		return
	}
	if len(t.outbox) >= t.cfg.OutboxLimit {
		t.droppedReplies++
		log.Printf("tracker: outbox full, dropping sms to %s", r.To)
		return
	}
	t.outbox = append(t.outbox, r)
}

// flush hands the head of the outbox to the driver when the slot is free.
// One message in flight; a failed send is logged and dropped, the operator
// can always ask again.
func (t *Tracker) flush(now time.Time) {
	if t.deps.Driver == nil || t.sending || len(t.outbox) == 0 {
		return
	}
	if !t.deps.Driver.Ready() {
		return
	}
	r := t.outbox[0]
	t.outbox = append(t.outbox[:0], t.outbox[1:]...)
	t.sending = true
	err := t.deps.Driver.SendSMS(now, r.To, r.Body, func(err error) {
		t.sending = false
		if err != nil {
			log.Printf("tracker: sms to %s failed: %v", r.To, err)
		}
	})
	if err != nil {
		t.sending = false
		log.Printf("tracker: sms to %s not accepted: %v", r.To, err)
	}
}

func (t *Tracker) housekeeping(now time.Time) {
	drv := t.deps.Driver

	if drv != nil && drv.Faulted() {
		if !t.faultLogged {
			t.faultLogged = true
			t.outbox = t.outbox[:0]
			log.Printf("tracker: modem faulted, sms disabled; gps tracking continues")
		}
	} else {
		t.faultLogged = false
	}

	// Registration poll.
	if drv != nil && drv.InitDone() && !drv.Faulted() &&
		t.cfg.RegCheckInterval > 0 && now.Sub(t.lastRegCheck) >= t.cfg.RegCheckInterval {
		if drv.Ready() {
			t.lastRegCheck = now
			if err := drv.Issue(now, "AT+CREG?", 0, nil); err != nil {
				log.Printf("tracker: registration poll: %v", err)
			}
		}
	}

	// One-time notifications to the admin.
	admin := t.cfg.AdminPhone
	if admin != "" && drv != nil && !drv.Faulted() {
		if !t.onlineSent && drv.Registration() == modem.RegRegistered {
			t.onlineSent = true
			log.Printf("tracker: network registered, sending online notification")
			t.enqueue(dispatch.Reply{To: admin, Body: "Vehicle Tracking System is online."})
		}
		if !t.fixNotified && t.onlineSent && t.deps.Store.Live() {
			t.fixNotified = true
			log.Printf("tracker: first fix acquired, notifying admin")
			t.enqueue(dispatch.Reply{To: admin, Body: "GPS fix acquired. Vehicle tracking active."})
		}
	}

	// Periodic location report. The window slides whether or not the
	// preconditions hold, so a recovered fix does not burst.
	if admin != "" && t.cfg.ReportInterval > 0 && drv != nil && !drv.Faulted() &&
		now.Sub(t.lastReport) >= t.cfg.ReportInterval {
		t.lastReport = now
		if drv.Registration() == modem.RegRegistered && t.deps.Store.Live() {
			if fix, ok := t.deps.Store.Read(); ok {
				t.enqueue(dispatch.Reply{To: admin, Body: dispatch.LocationBody(fix)})
			}
		}
	}

	if t.cfg.LogSummaryInterval > 0 && now.Sub(t.lastSummary) >= t.cfg.LogSummaryInterval {
		t.lastSummary = now
		t.logSummary(now)
	}
}

func (t *Tracker) logSummary(now time.Time) {
	ps := t.deps.Parser.Snapshot()
	ss := t.deps.Store.Snapshot(now.UTC())
	line := fmt.Sprintf("tracker: summary iterations=%d sentences=%d fixes=%d parse_errors=%d has_fix=%v live=%v",
		t.iterations, ps.Sentences, ps.Fixes, ps.ParseErrors, ss.HasFix, ss.Live)
	if t.deps.Driver != nil {
		ds := t.deps.Driver.Snapshot()
		line += fmt.Sprintf(" modem=%s net=%s sent=%d inbound=%d timeouts=%d outbox=%d dropped_replies=%d",
			ds.State, ds.Registration, ds.SentSMS, ds.Inbound, ds.Timeouts, len(t.outbox), t.droppedReplies)
	}
	log.Print(line)
}

// updateLEDs writes only on change; the lines latch.
func (t *Tracker) updateLEDs() {
	if t.deps.LEDs == nil {
		return
	}
	net := t.deps.Driver != nil && t.deps.Driver.Registration() == modem.RegRegistered
	fix := t.deps.Store.Live()
	if !t.ledsInit || net != t.ledNet {
		t.deps.LEDs.SetNet(net)
		t.ledNet = net
	}
	if !t.ledsInit || fix != t.ledFix {
		t.deps.LEDs.SetFix(fix)
		t.ledFix = fix
	}
	t.ledsInit = true
}

// sleepCtx sleeps for d or until ctx is done. Plain interval pacing; drift
// is acceptable at this cadence.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
