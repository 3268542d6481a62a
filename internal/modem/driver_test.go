package modem

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	d   *Driver
	w   *bytes.Buffer
	now time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	w := &bytes.Buffer{}
	h := &harness{d: New(w, cfg), w: w, now: t0}
	t.Cleanup(h.d.Close)
	return h
}

func (h *harness) advance(dt time.Duration) { h.now = h.now.Add(dt) }

func (h *harness) tick() { h.d.Tick(h.now) }

func (h *harness) feed(s string) { h.d.Feed(h.now, []byte(s)) }

// wrote drains everything written to the modem since the last call.
func (h *harness) wrote() string {
	s := h.w.String()
	h.w.Reset()
	return s
}

func initDriver(t *testing.T, h *harness) {
	t.Helper()
	h.d.StartInit()
	for i := 0; i < len(h.d.initSteps); i++ {
		h.tick()
		h.feed("\r\nOK\r\n")
	}
	if !h.d.InitDone() {
		t.Fatal("init incomplete after acknowledging every step")
	}
	h.wrote()
}

func TestInitSequence(t *testing.T) {
	h := newHarness(t, Config{})
	h.d.StartInit()

	steps := []string{"AT", "ATE0", "AT+CMGF=1", "AT+CNMI=2,1,0,0,0"}
	for _, step := range steps {
		h.tick()
		if got := h.wrote(); got != step+"\r" {
			t.Fatalf("wrote %q, want %q", got, step+"\r")
		}
		if h.d.InitDone() {
			t.Fatalf("init done before step %q acknowledged", step)
		}
		h.feed("\r\nOK\r\n")
	}
	if !h.d.InitDone() {
		t.Fatal("init not done after all steps acknowledged")
	}
	if !h.d.Ready() {
		t.Fatal("driver not ready after init")
	}
}

func TestInitSequenceWithAPN(t *testing.T) {
	h := newHarness(t, Config{APN: "internet"})
	h.d.StartInit()

	var steps []string
	for i := 0; i < 5; i++ {
		h.tick()
		steps = append(steps, strings.TrimSuffix(h.wrote(), "\r"))
		h.feed("OK\r\n")
	}
	want := []string{"AT", "ATE0", "AT+CMGF=1", "AT+CNMI=2,1,0,0,0", `AT+CGDCONT=1,"IP","internet"`}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("step %d = %q, want %q", i, steps[i], want[i])
		}
	}
	if !h.d.InitDone() {
		t.Fatal("init not done")
	}
}

func TestInitFaultsAfterThreeTimeouts(t *testing.T) {
	h := newHarness(t, Config{})
	h.d.StartInit()
	h.tick()
	for i := 0; i < 3; i++ {
		h.advance(3 * time.Second)
		h.tick()
	}
	if !h.d.Faulted() {
		t.Fatal("driver not faulted after three unanswered attempts")
	}
	if h.d.State() != StateFaulted {
		t.Fatalf("state = %v, want faulted", h.d.State())
	}

	// Faulted is sticky: no more writes, sends rejected.
	h.wrote()
	h.advance(time.Minute)
	h.tick()
	if got := h.wrote(); got != "" {
		t.Fatalf("faulted driver wrote %q", got)
	}
	if err := h.d.SendSMS(h.now, "+15550100", "x", nil); !errors.Is(err, ErrFaulted) {
		t.Fatalf("SendSMS err = %v, want ErrFaulted", err)
	}

	// Reset restarts initialization from the first step.
	h.d.Reset()
	if h.d.Faulted() {
		t.Fatal("still faulted after reset")
	}
	h.tick()
	if got := h.wrote(); got != "AT\r" {
		t.Fatalf("first command after reset %q, want AT", got)
	}
}

func TestInitStrikesAreConsecutive(t *testing.T) {
	h := newHarness(t, Config{})
	h.d.StartInit()
	h.tick()
	h.feed("ERROR\r\n")
	h.tick()
	h.feed("OK\r\n") // success clears the count
	h.tick()
	if got := h.wrote(); !strings.HasSuffix(got, "ATE0\r") {
		t.Fatalf("wrote %q, want trailing ATE0", got)
	}

	h.feed("ERROR\r\n")
	h.tick()
	h.feed("ERROR\r\n")
	h.tick()
	if h.d.Faulted() {
		t.Fatal("faulted after only two consecutive strikes")
	}
	h.feed("ERROR\r\n")
	if !h.d.Faulted() {
		t.Fatal("not faulted after three consecutive strikes")
	}
}

func TestIssueLifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	var got []error
	if err := h.d.Issue(h.now, "AT+CREG?", 0, func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := h.wrote(); got != "AT+CREG?\r" {
		t.Fatalf("wrote %q", got)
	}
	if err := h.d.Issue(h.now, "AT", 0, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second issue err = %v, want ErrBusy", err)
	}
	if h.d.State() != StateAwaitingResponse {
		t.Fatalf("state = %v, want awaiting_response", h.d.State())
	}

	h.feed("+CREG: 0,1\r\nOK\r\n")
	if len(got) != 1 || got[0] != nil {
		t.Fatalf("callbacks %v, want one nil", got)
	}
	if h.d.Registration() != RegRegistered {
		t.Fatalf("registration = %v, want registered", h.d.Registration())
	}
	if h.d.State() != StateIdle {
		t.Fatalf("state = %v, want idle", h.d.State())
	}
}

func TestIssueTimeoutFiresOnce(t *testing.T) {
	h := newHarness(t, Config{})

	var got []error
	if err := h.d.Issue(h.now, "AT", 500*time.Millisecond, func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("issue: %v", err)
	}
	h.advance(time.Second)
	h.tick()
	h.tick()
	h.advance(time.Hour)
	h.tick()
	if len(got) != 1 || !errors.Is(got[0], ErrTimeout) {
		t.Fatalf("callbacks %v, want single ErrTimeout", got)
	}

	// The answer arriving late is a stray, not a completion.
	h.feed("OK\r\n")
	if len(got) != 1 {
		t.Fatalf("late final re-completed the command: %v", got)
	}

	if err := h.d.Issue(h.now, "AT", 0, nil); err != nil {
		t.Fatalf("issue after timeout: %v", err)
	}
}

func TestNotificationDoesNotCompleteCommand(t *testing.T) {
	h := newHarness(t, Config{})

	var got []error
	if err := h.d.Issue(h.now, "AT+CREG?", 0, func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("issue: %v", err)
	}
	h.feed(`+CMTI: "SM",9` + "\r\n")
	if len(got) != 0 {
		t.Fatalf("notification completed the command: %v", got)
	}
	h.feed("+CREG: 0,5\r\nOK\r\n")
	if len(got) != 1 || got[0] != nil {
		t.Fatalf("callbacks %v, want one nil", got)
	}
	if h.d.Registration() != RegRegistered {
		t.Fatalf("registration = %v, want registered (roaming counts)", h.d.Registration())
	}
}

func TestRegistrationLost(t *testing.T) {
	h := newHarness(t, Config{})
	h.feed("+CREG: 0,1\r\n")
	if h.d.Registration() != RegRegistered {
		t.Fatalf("registration = %v, want registered", h.d.Registration())
	}
	h.feed("+CREG: 2\r\n")
	if h.d.Registration() != RegUnregistered {
		t.Fatalf("registration = %v, want unregistered", h.d.Registration())
	}
}

func TestInboundMessageFlow(t *testing.T) {
	h := newHarness(t, Config{})
	initDriver(t, h)

	h.feed("\r\n" + `+CMTI: "SM",3` + "\r\n")
	h.tick()
	if got := h.wrote(); got != "AT+CMGR=3\r" {
		t.Fatalf("wrote %q, want AT+CMGR=3", got)
	}

	h.feed(`+CMGR: "REC UNREAD","+15550123",,"24/08/01,12:00:00+00"` + "\r\nLOCATION\r\nOK\r\n")
	msg, ok := h.d.PopInbound()
	if !ok {
		t.Fatal("no inbound message after read completed")
	}
	if msg.Sender != "+15550123" || msg.Body != "LOCATION" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Seq == 0 {
		t.Fatal("seq not assigned")
	}
	if !msg.At.Equal(h.now) {
		t.Fatalf("at = %v, want %v", msg.At, h.now)
	}
	if _, ok := h.d.PopInbound(); ok {
		t.Fatal("second pop returned a message")
	}

	// The slot index is reclaimed regardless of what the message said.
	h.tick()
	if got := h.wrote(); got != "AT+CMGD=3\r" {
		t.Fatalf("wrote %q, want AT+CMGD=3", got)
	}
	h.feed("OK\r\n")
	if h.d.State() != StateIdle {
		t.Fatalf("state = %v, want idle", h.d.State())
	}
}

func TestInboundMultilineBody(t *testing.T) {
	h := newHarness(t, Config{})
	initDriver(t, h)

	h.feed(`+CMTI: "SM",1` + "\r\n")
	h.tick()
	h.feed(`+CMGR: "REC UNREAD","+15550123"` + "\r\nline one\r\nline two\r\nOK\r\n")
	msg, ok := h.d.PopInbound()
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Body != "line one\nline two" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestInboxBoundedDropsNewest(t *testing.T) {
	h := newHarness(t, Config{InboxLimit: 2})
	initDriver(t, h)

	for i := 1; i <= 3; i++ {
		h.feed(fmt.Sprintf("+CMTI: \"SM\",%d\r\n", i))
		h.tick() // AT+CMGR=i
		h.wrote()
		h.feed(fmt.Sprintf("+CMGR: \"REC UNREAD\",\"+1555000%d\"\r\nhello\r\nOK\r\n", i))
		h.tick() // AT+CMGD=i still issued for the dropped message
		if got := h.wrote(); got != fmt.Sprintf("AT+CMGD=%d\r", i) {
			t.Fatalf("wrote %q, want AT+CMGD=%d", got, i)
		}
		h.feed("OK\r\n")
	}

	snap := h.d.Snapshot()
	if snap.QueuedInbound != 2 {
		t.Fatalf("queued = %d, want 2", snap.QueuedInbound)
	}
	if snap.DroppedInbound != 1 {
		t.Fatalf("dropped = %d, want 1", snap.DroppedInbound)
	}
	msg, _ := h.d.PopInbound()
	if msg.Sender != "+15550001" {
		t.Fatalf("oldest = %q, want +15550001", msg.Sender)
	}
}

func TestDirectDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	initDriver(t, h)

	h.feed(`+CMT: "+15550123",,"24/08/01,12:00:00+00"` + "\r\nSTATUS\r\n")
	msg, ok := h.d.PopInbound()
	if !ok {
		t.Fatal("no message delivered")
	}
	if msg.Sender != "+15550123" || msg.Body != "STATUS" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestSendSMS(t *testing.T) {
	h := newHarness(t, Config{})
	initDriver(t, h)

	var got []error
	if err := h.d.SendSMS(h.now, "+15550100", "Fix: none yet", func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotW := h.wrote(); gotW != `AT+CMGS="+15550100"`+"\r" {
		t.Fatalf("wrote %q", gotW)
	}

	h.feed("\r\n> ")
	if gotW := h.wrote(); gotW != "Fix: none yet\x1a" {
		t.Fatalf("body wrote %q", gotW)
	}
	if len(got) != 0 {
		t.Fatalf("completed before confirmation: %v", got)
	}

	h.feed("\r\n+CMGS: 7\r\n\r\nOK\r\n")
	if len(got) != 1 || got[0] != nil {
		t.Fatalf("callbacks %v, want one nil", got)
	}
	// The trailing OK was consumed; the slot must be free again.
	if !h.d.Ready() {
		t.Fatal("driver not ready after send")
	}
	if n := h.d.Snapshot().SentSMS; n != 1 {
		t.Fatalf("sent = %d, want 1", n)
	}
}

func TestSendSMSSplitPrompt(t *testing.T) {
	h := newHarness(t, Config{})
	initDriver(t, h)

	if err := h.d.SendSMS(h.now, "+15550100", "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.wrote()
	h.feed(">")
	if got := h.wrote(); got != "" {
		t.Fatalf("wrote %q before the full prompt arrived", got)
	}
	h.feed(" ")
	if got := h.wrote(); got != "hi\x1a" {
		t.Fatalf("body wrote %q", got)
	}
}

func TestSendSMSPromptTimeout(t *testing.T) {
	h := newHarness(t, Config{PromptTimeout: time.Second})
	initDriver(t, h)

	var got []error
	if err := h.d.SendSMS(h.now, "+15550100", "hi", func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.wrote()
	h.advance(2 * time.Second)
	h.tick()
	if len(got) != 1 || !errors.Is(got[0], ErrTimeout) {
		t.Fatalf("callbacks %v, want single ErrTimeout", got)
	}
	// ESC backs the modem out of message entry mode.
	if gotW := h.wrote(); gotW != "\x1b" {
		t.Fatalf("wrote %q, want ESC", gotW)
	}
	if h.d.State() != StateIdle {
		t.Fatalf("state = %v, want idle", h.d.State())
	}
}

func TestSendSMSRejectedBeforePrompt(t *testing.T) {
	h := newHarness(t, Config{})
	initDriver(t, h)

	var got []error
	if err := h.d.SendSMS(h.now, "+15550100", "hi", func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.feed("+CMS ERROR: 302\r\n")
	if len(got) != 1 || got[0] == nil {
		t.Fatalf("callbacks %v, want one error", got)
	}
	if n := h.d.Snapshot().SendFailures; n != 1 {
		t.Fatalf("failures = %d, want 1", n)
	}
	if h.d.State() != StateIdle {
		t.Fatalf("state = %v, want idle", h.d.State())
	}
}

func TestSendSMSRequiresInit(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.d.SendSMS(h.now, "+15550100", "hi", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy before init", err)
	}
}

func TestFeedReassemblesSplitLines(t *testing.T) {
	h := newHarness(t, Config{})

	var got []error
	if err := h.d.Issue(h.now, "AT", 0, func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("issue: %v", err)
	}
	for _, chunk := range []string{"\r", "\nO", "K", "\r\n"} {
		h.feed(chunk)
	}
	if len(got) != 1 || got[0] != nil {
		t.Fatalf("callbacks %v, want one nil", got)
	}
}

func TestCloseCompletesPending(t *testing.T) {
	h := newHarness(t, Config{})

	var got []error
	if err := h.d.Issue(h.now, "AT", 0, func(err error) { got = append(got, err) }); err != nil {
		t.Fatalf("issue: %v", err)
	}
	h.d.Close()
	if len(got) != 1 || !errors.Is(got[0], ErrClosed) {
		t.Fatalf("callbacks %v, want single ErrClosed", got)
	}
	if err := h.d.Issue(h.now, "AT", 0, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("issue after close err = %v, want ErrClosed", err)
	}
	h.d.Close() // idempotent
}
