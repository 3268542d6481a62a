package modem

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ctrlZ   = 0x1A
	escByte = 0x1B

	// maxFeedBuffer bounds the unparsed byte buffer; a babbling or
	// misconfigured modem must not grow it without limit.
	maxFeedBuffer = 4096

	initStrikeLimit = 3

	defaultCommandTimeout = 2 * time.Second
	defaultSendTimeout    = 10 * time.Second
	defaultPromptTimeout  = 5 * time.Second
	defaultInboxLimit     = 8
)

var promptSeq = []byte("> ")

// State describes the command slot. Registration is tracked separately:
// a registration change can arrive while a command is outstanding.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}

type Registration int

const (
	RegUnknown Registration = iota
	RegRegistered
	RegUnregistered
)

func (r Registration) String() string {
	switch r {
	case RegRegistered:
		return "registered"
	case RegUnregistered:
		return "unregistered"
	}
	return "unknown"
}

// InboundMessage is one received SMS, held until the scheduler pops it.
type InboundMessage struct {
	Sender string
	Body   string
	Seq    uint64
	At     time.Time
}

type Config struct {
	// CommandTimeout covers init steps and simple commands.
	CommandTimeout time.Duration
	// SendTimeout covers the window between Ctrl+Z and the network's
	// send confirmation; much longer than a local command roundtrip.
	SendTimeout time.Duration
	// PromptTimeout covers the wait for the "> " prompt after AT+CMGS.
	PromptTimeout time.Duration

	// APN, when set, adds an AT+CGDCONT step to the init sequence.
	APN string

	// InboxLimit bounds the received-message FIFO.
	InboxLimit int
}

type Snapshot struct {
	State        string `json:"state"`
	Registration string `json:"registration"`
	InitDone     bool   `json:"init_done"`
	Pending      string `json:"pending,omitempty"`

	QueuedInbound int `json:"queued_inbound"`

	Commands       uint64 `json:"commands"`
	Timeouts       uint64 `json:"timeouts"`
	URCs           uint64 `json:"urcs"`
	Inbound        uint64 `json:"inbound"`
	DroppedInbound uint64 `json:"dropped_inbound"`
	SentSMS        uint64 `json:"sent_sms"`
	SendFailures   uint64 `json:"send_failures"`
	Strays         uint64 `json:"strays,omitempty"`
	Overflows      uint64 `json:"buffer_overflows,omitempty"`
}

// command occupies the driver's single slot until a matching line or the
// deadline releases it.
type command struct {
	line     string
	deadline time.Time
	done     func(error)

	init bool
	read *readCapture
	sms  *smsSend
}

// readCapture accumulates the multi-line AT+CMGR response.
type readCapture struct {
	index  int
	header string
	body   []string
}

type smsSend struct {
	to       string
	body     string
	prompted bool
}

// followup is deferred slot work queued by a notification: reading a newly
// arrived message, then deleting it to reclaim modem storage.
type followup struct {
	read  bool
	index int
}

// Driver is the AT command state machine. The scheduler owns the read
// side: it polls the modem UART into Feed and advances time with Tick.
// At most one command is outstanding at any moment.
type Driver struct {
	w   io.Writer
	cfg Config

	mu sync.Mutex

	closed  bool
	faulted bool
	started bool

	pending *command
	reg     Registration

	initSteps []string
	initIdx   int
	initDone  bool
	strikes   int

	followups []followup

	inbox []InboundMessage
	seq   uint64

	// A +CMT header line promises the message body on the next line.
	cmtPending bool
	cmtSender  string

	// The +CMGS confirmation completes a send before its paired OK
	// arrives; that OK is consumed quietly.
	swallowFinal bool

	buf []byte

	commands       uint64
	timeouts       uint64
	urcs           uint64
	inbound        uint64
	droppedInbound uint64
	sentSMS        uint64
	sendFailures   uint64
	overflows      uint64
	strays         uint64
}

func New(w io.Writer, cfg Config) *Driver {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = defaultPromptTimeout
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = defaultInboxLimit
	}
	return &Driver{w: w, cfg: cfg, initSteps: initSequence(cfg.APN)}
}

func initSequence(apn string) []string {
	steps := []string{
		"AT",                // probe
		"ATE0",              // echo off
		"AT+CMGF=1",         // SMS text mode
		"AT+CNMI=2,1,0,0,0", // store inbound SMS, indicate with +CMTI
	}
	if apn != "" {
		steps = append(steps, fmt.Sprintf(`AT+CGDCONT=1,"IP",%q`, apn))
	}
	return steps
}

// StartInit arms the initialization sequence; the steps are issued one at
// a time from Tick, each gated on the previous step's success.
func (d *Driver) StartInit() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.started = true
}

// Feed consumes polled modem bytes: complete lines are classified and
// routed, and the "> " SMS prompt is detected raw since it has no line
// terminator. Completion callbacks run after internal state is settled.
func (d *Driver) Feed(now time.Time, p []byte) {
	if d == nil || len(p) == 0 {
		return
	}
	var calls []func()
	d.mu.Lock()
	if d.closed || d.faulted {
		d.mu.Unlock()
		return
	}

	if len(d.buf)+len(p) > maxFeedBuffer {
		d.buf = d.buf[:0]
		d.overflows++
	}
	d.buf = append(d.buf, p...)

	for {
		if cmd := d.pending; cmd != nil && cmd.sms != nil && !cmd.sms.prompted {
			// Any complete line ahead of the prompt (a notification, a
			// rejection) is routed first so it is not discarded with the
			// prompt bytes.
			if i := bytes.Index(d.buf, promptSeq); i >= 0 && bytes.IndexByte(d.buf[:i], '\n') < 0 {
				d.buf = append(d.buf[:0], d.buf[i+len(promptSeq):]...)
				d.promptLocked(now, cmd, &calls)
				continue
			}
		}

		nl := bytes.IndexByte(d.buf, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSpace(string(d.buf[:nl]))
		d.buf = append(d.buf[:0], d.buf[nl+1:]...)
		if line == "" {
			continue
		}
		d.routeLocked(now, line, &calls)
	}

	d.mu.Unlock()
	for _, f := range calls {
		f()
	}
}

// Tick expires the outstanding deadline and, when the slot is free, issues
// the next init step or queued message followup.
func (d *Driver) Tick(now time.Time) {
	if d == nil {
		return
	}
	var calls []func()
	d.mu.Lock()
	if d.closed || d.faulted {
		d.mu.Unlock()
		return
	}

	if cmd := d.pending; cmd != nil && now.After(cmd.deadline) {
		d.pending = nil
		d.timeouts++
		if cmd.sms != nil && !cmd.sms.prompted {
			// The prompt never came; ESC leaves message entry mode.
			_ = d.writeRaw([]byte{escByte})
		}
		if cmd.read != nil {
			// Reclaim modem storage even when the read went nowhere.
			d.followups = append(d.followups, followup{index: cmd.read.index})
		}
		if cmd.init {
			d.strikeLocked(cmd.line, "timeout")
		}
		if cmd.sms != nil {
			d.sendFailures++
		}
		d.completeLocked(cmd, ErrTimeout, &calls)
	}

	if !d.faulted && d.pending == nil && d.started && !d.initDone {
		d.advanceInitLocked(now)
	}

	if !d.faulted && d.pending == nil && d.initDone && len(d.followups) > 0 {
		f := d.followups[0]
		d.followups = append(d.followups[:0], d.followups[1:]...)
		if f.read {
			cmd := &command{read: &readCapture{index: f.index}}
			if err := d.issueLocked(now, fmt.Sprintf("AT+CMGR=%d", f.index), 0, cmd); err != nil {
				log.Printf("modem: message read %d: %v", f.index, err)
			}
		} else {
			if err := d.issueLocked(now, fmt.Sprintf("AT+CMGD=%d", f.index), 0, &command{}); err != nil {
				log.Printf("modem: message delete %d: %v", f.index, err)
			}
		}
	}

	d.mu.Unlock()
	for _, f := range calls {
		f()
	}
}

// Issue writes one AT command line and arms its deadline. The slot must be
// free: the protocol is half-duplex and the driver never pipelines.
func (d *Driver) Issue(now time.Time, line string, timeout time.Duration, done func(error)) error {
	if d == nil {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return ErrClosed
	case d.faulted:
		return ErrFaulted
	case d.pending != nil:
		return ErrBusy
	}
	return d.issueLocked(now, line, timeout, &command{done: done})
}

// SendSMS runs the multi-step send as one logical command: AT+CMGS, the
// "> " prompt, body plus Ctrl+Z, then the network confirmation. done fires
// exactly once with nil, ErrTimeout, or the modem's rejection.
func (d *Driver) SendSMS(now time.Time, to, body string, done func(error)) error {
	if d == nil {
		return ErrClosed
	}
	if strings.TrimSpace(to) == "" {
		return fmt.Errorf("sms recipient is empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return ErrClosed
	case d.faulted:
		return ErrFaulted
	case d.pending != nil || !d.initDone:
		return ErrBusy
	}
	cmd := &command{done: done, sms: &smsSend{to: to, body: body}}
	return d.issueLocked(now, fmt.Sprintf("AT+CMGS=%q", to), d.cfg.PromptTimeout, cmd)
}

// PopInbound returns the oldest received message, preserving arrival order.
func (d *Driver) PopInbound() (InboundMessage, bool) {
	if d == nil {
		return InboundMessage{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inbox) == 0 {
		return InboundMessage{}, false
	}
	msg := d.inbox[0]
	d.inbox = append(d.inbox[:0], d.inbox[1:]...)
	return msg, true
}

func (d *Driver) State() State {
	if d == nil {
		return StateIdle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Driver) Registration() Registration {
	if d == nil {
		return RegUnknown
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg
}

func (d *Driver) Faulted() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faulted
}

func (d *Driver) InitDone() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initDone
}

// Ready reports whether a send or command would be accepted right now.
func (d *Driver) Ready() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.closed && !d.faulted && d.initDone && d.pending == nil
}

// Reset clears the Faulted state and restarts initialization from the
// first step. It is the external recovery the fault taxonomy requires;
// calling it in any other state is a no-op.
func (d *Driver) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.faulted {
		return
	}
	d.faulted = false
	d.strikes = 0
	d.initIdx = 0
	d.initDone = false
	d.started = true
	d.pending = nil
	d.buf = d.buf[:0]
	d.followups = nil
	d.cmtPending = false
	d.cmtSender = ""
	d.swallowFinal = false
	log.Printf("modem: reset, reinitializing")
}

func (d *Driver) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	cmd := d.pending
	d.pending = nil
	d.mu.Unlock()
	if cmd != nil && cmd.done != nil {
		cmd.done(ErrClosed)
	}
}

func (d *Driver) Snapshot() Snapshot {
	if d == nil {
		return Snapshot{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Snapshot{
		State:          d.stateLocked().String(),
		Registration:   d.reg.String(),
		InitDone:       d.initDone,
		QueuedInbound:  len(d.inbox),
		Commands:       d.commands,
		Timeouts:       d.timeouts,
		URCs:           d.urcs,
		Inbound:        d.inbound,
		DroppedInbound: d.droppedInbound,
		SentSMS:        d.sentSMS,
		SendFailures:   d.sendFailures,
		Strays:         d.strays,
		Overflows:      d.overflows,
	}
	if d.pending != nil {
		out.Pending = d.pending.line
	}
	return out
}

func (d *Driver) stateLocked() State {
	switch {
	case d.faulted:
		return StateFaulted
	case d.pending != nil:
		return StateAwaitingResponse
	}
	return StateIdle
}

func (d *Driver) issueLocked(now time.Time, line string, timeout time.Duration, cmd *command) error {
	if timeout <= 0 {
		timeout = d.cfg.CommandTimeout
	}
	if err := d.writeRaw([]byte(line + "\r")); err != nil {
		return fmt.Errorf("modem write: %w", err)
	}
	cmd.line = line
	cmd.deadline = now.Add(timeout)
	d.pending = cmd
	d.commands++
	return nil
}

func (d *Driver) advanceInitLocked(now time.Time) {
	step := d.initSteps[d.initIdx]
	if err := d.issueLocked(now, step, d.cfg.CommandTimeout, &command{init: true}); err != nil {
		d.strikeLocked(step, err.Error())
	}
}

func (d *Driver) strikeLocked(step, reason string) {
	d.strikes++
	log.Printf("modem: init step %q failed (%s), strike %d/%d", step, reason, d.strikes, initStrikeLimit)
	if d.strikes >= initStrikeLimit {
		d.faulted = true
		log.Printf("modem: faulted, awaiting external reset")
	}
}

func (d *Driver) writeRaw(p []byte) error {
	_, err := d.w.Write(p)
	return err
}

func (d *Driver) promptLocked(now time.Time, cmd *command, calls *[]func()) {
	cmd.sms.prompted = true
	payload := append([]byte(cmd.sms.body), ctrlZ)
	if err := d.writeRaw(payload); err != nil {
		d.pending = nil
		d.sendFailures++
		d.completeLocked(cmd, fmt.Errorf("modem write: %w", err), calls)
		return
	}
	cmd.deadline = now.Add(d.cfg.SendTimeout)
}

func (d *Driver) routeLocked(now time.Time, line string, calls *[]func()) {
	// A +CMT header promised its message body on this line.
	if d.cmtPending {
		d.cmtPending = false
		d.deliverLocked(now, d.cmtSender, line)
		d.cmtSender = ""
		return
	}

	cl := Classify(line)
	switch cl.Class {
	case ClassNotification:
		d.urcs++
		d.notifyLocked(now, cl.Line)
	case ClassFinal:
		d.finalLocked(now, cl, calls)
	case ClassData:
		d.dataLocked(now, cl, calls)
	}
}

func (d *Driver) notifyLocked(now time.Time, line string) {
	switch {
	case strings.HasPrefix(line, "+CMTI:"):
		idx, ok := cmtiIndex(line)
		if !ok {
			log.Printf("modem: unparseable message indication %q", line)
			return
		}
		d.followups = append(d.followups, followup{read: true, index: idx})

	case strings.HasPrefix(line, "+CMT:"):
		// Direct delivery: header now, body on the next line.
		d.cmtPending = true
		d.cmtSender = firstQuoted(strings.TrimPrefix(line, "+CMT:"))
		if d.cmtSender == "" {
			d.cmtSender = "unknown"
		}

	case strings.HasPrefix(line, "+CREG:"):
		d.applyRegistrationLocked(line)
	}
	// RING and other unhandled notifications are counted and dropped.
}

func (d *Driver) finalLocked(now time.Time, cl Classified, calls *[]func()) {
	if d.swallowFinal {
		d.swallowFinal = false
		return
	}
	cmd := d.pending
	if cmd == nil {
		d.strays++
		return
	}

	if cmd.sms != nil && !cmd.sms.prompted {
		if !cl.Failed {
			// An OK cannot answer AT+CMGS before the prompt; ignore it.
			return
		}
		d.pending = nil
		d.sendFailures++
		d.completeLocked(cmd, fmt.Errorf("sms rejected: %s", cl.Line), calls)
		return
	}

	d.pending = nil

	if cmd.init {
		if cl.Failed {
			// The modem answered but refused; no healthier than a timeout.
			d.strikeLocked(cmd.line, cl.Line)
			return
		}
		d.strikes = 0
		d.initIdx++
		if d.initIdx >= len(d.initSteps) {
			d.initDone = true
			log.Printf("modem: init complete")
		}
		return
	}

	if cmd.read != nil {
		d.followups = append(d.followups, followup{index: cmd.read.index})
		if cl.Failed {
			log.Printf("modem: message read %d failed: %s", cmd.read.index, cl.Line)
		} else {
			d.deliverReadLocked(now, cmd.read)
		}
		return
	}

	if cmd.sms != nil {
		if cl.Failed {
			d.sendFailures++
			d.completeLocked(cmd, fmt.Errorf("sms failed: %s", cl.Line), calls)
			return
		}
		d.sentSMS++
		d.completeLocked(cmd, nil, calls)
		return
	}

	if cl.Failed {
		d.completeLocked(cmd, fmt.Errorf("command failed: %s", cl.Line), calls)
		return
	}
	d.completeLocked(cmd, nil, calls)
}

func (d *Driver) dataLocked(now time.Time, cl Classified, calls *[]func()) {
	cmd := d.pending
	if cmd == nil {
		d.strays++
		return
	}

	if cmd.sms != nil && cmd.sms.prompted && strings.HasPrefix(cl.Line, "+CMGS:") {
		// Send confirmed; the paired OK is consumed via swallowFinal.
		d.pending = nil
		d.swallowFinal = true
		d.sentSMS++
		d.completeLocked(cmd, nil, calls)
		return
	}

	if cmd.read != nil {
		if cmd.read.header == "" {
			if strings.HasPrefix(cl.Line, "+CMGR:") {
				cmd.read.header = cl.Line
			}
			return
		}
		cmd.read.body = append(cmd.read.body, cl.Line)
		return
	}
	// Solicited payload for a plain command; the notification handler has
	// already seen anything we track (+CREG), so nothing to do.
}

func (d *Driver) deliverReadLocked(now time.Time, rc *readCapture) {
	if rc.header == "" {
		log.Printf("modem: message read %d returned no header", rc.index)
		return
	}
	sender := cmgrSender(rc.header)
	if sender == "" {
		log.Printf("modem: message read %d header unparseable: %q", rc.index, rc.header)
		return
	}
	d.deliverLocked(now, sender, strings.Join(rc.body, "\n"))
}

func (d *Driver) deliverLocked(now time.Time, sender, body string) {
	if len(d.inbox) >= d.cfg.InboxLimit {
		d.droppedInbound++
		log.Printf("modem: inbox full, dropping message from %s", sender)
		return
	}
	d.seq++
	d.inbox = append(d.inbox, InboundMessage{Sender: sender, Body: body, Seq: d.seq, At: now})
	d.inbound++
}

// applyRegistrationLocked handles both the solicited "+CREG: <n>,<stat>"
// and unsolicited "+CREG: <stat>" shapes; the status is the last
// plain-integer field.
func (d *Driver) applyRegistrationLocked(line string) {
	stat := -1
	for _, f := range strings.Split(strings.TrimPrefix(line, "+CREG:"), ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(f)); err == nil {
			stat = v
		}
	}
	if stat < 0 {
		return
	}
	next := RegUnregistered
	if stat == 1 || stat == 5 {
		next = RegRegistered
	}
	if next != d.reg {
		log.Printf("modem: network %s (stat=%d)", next, stat)
	}
	d.reg = next
}

func (d *Driver) completeLocked(cmd *command, err error, calls *[]func()) {
	if cmd.done == nil {
		return
	}
	done := cmd.done
	*calls = append(*calls, func() { done(err) })
}

// cmtiIndex parses the storage index from `+CMTI: "SM",3`.
func cmtiIndex(line string) (int, bool) {
	i := strings.LastIndexByte(line, ',')
	if i < 0 {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// cmgrSender extracts the originating address, the second quoted field of
// `+CMGR: "REC UNREAD","+15550123",...`.
func cmgrSender(header string) string {
	q := quotedFields(header)
	if len(q) < 2 {
		return ""
	}
	return q[1]
}

func firstQuoted(s string) string {
	q := quotedFields(s)
	if len(q) == 0 {
		return ""
	}
	return q[0]
}

func quotedFields(s string) []string {
	var out []string
	for {
		i := strings.IndexByte(s, '"')
		if i < 0 {
			return out
		}
		s = s[i+1:]
		j := strings.IndexByte(s, '"')
		if j < 0 {
			return out
		}
		out = append(out, s[:j])
		s = s[j+1:]
	}
}
