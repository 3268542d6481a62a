// Package dispatch turns inbound operator messages into replies. Every
// message yields exactly one reply, addressed to its sender.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"trackerd/internal/gps"
	"trackerd/internal/modem"
)

// Command is a recognized operator request.
type Command int

const (
	CmdUnrecognized Command = iota
	CmdLocation
	CmdStatus
	CmdHelp
)

// Parse matches a message body against the command set. Matching is
// case-insensitive and ignores surrounding whitespace; anything else is
// CmdUnrecognized.
func Parse(body string) Command {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "LOCATION":
		return CmdLocation
	case "STATUS":
		return CmdStatus
	case "HELP":
		return CmdHelp
	}
	return CmdUnrecognized
}

// NetworkSource reports the cellular registration state for STATUS replies.
type NetworkSource interface {
	Registration() modem.Registration
}

// Reply is one outbound SMS.
type Reply struct {
	To   string
	Body string
}

type Dispatcher struct {
	store *gps.Store
	net   NetworkSource

	nowFn func() time.Time
}

func New(store *gps.Store, net NetworkSource) *Dispatcher {
	return &Dispatcher{store: store, net: net, nowFn: time.Now}
}

// Handle builds the reply for one inbound message.
func (d *Dispatcher) Handle(msg modem.InboundMessage) Reply {
	out := Reply{To: msg.Sender}
	switch Parse(msg.Body) {
	case CmdLocation:
		out.Body = d.locationReply()
	case CmdStatus:
		out.Body = d.statusReply()
	case CmdHelp:
		out.Body = "Commands: LOCATION, STATUS, HELP"
	default:
		out.Body = "Unrecognized command. Send HELP for the command list."
	}
	return out
}

// locationReply answers with the last known coordinates even when the
// receiver has since lost validity; a parked vehicle with a cold receiver
// still reports where it is. Only a never-fixed tracker has nothing to say.
func (d *Dispatcher) locationReply() string {
	fix, ok := d.store.Read()
	if !ok {
		return "No GPS fix yet. Try again soon."
	}
	return LocationBody(fix)
}

// LocationBody renders a fix as the coordinate-plus-map-link message used
// for LOCATION replies and periodic reports alike.
func LocationBody(fix gps.Fix) string {
	lat := strconv.FormatFloat(fix.Lat, 'f', -1, 64)
	lon := strconv.FormatFloat(fix.Lon, 'f', -1, 64)
	return fmt.Sprintf("Lat: %s, Lng: %s\nhttps://maps.google.com/?q=%s,%s", lat, lon, lat, lon)
}

func (d *Dispatcher) statusReply() string {
	var b strings.Builder

	fix, ok := d.store.Read()
	if !ok {
		b.WriteString("Fix: none yet")
	} else {
		state := "valid"
		if !d.store.Live() {
			state = "lost"
		}
		age := int(d.nowFn().UTC().Sub(fix.At).Seconds())
		if age < 0 {
			age = 0
		}
		fmt.Fprintf(&b, "Fix: %s, age %ds", state, age)
		if fix.Sats > 0 {
			fmt.Fprintf(&b, ", sats %d", fix.Sats)
		}
	}

	reg := modem.RegUnknown
	if d.net != nil {
		reg = d.net.Registration()
	}
	b.WriteString("\nNetwork: ")
	b.WriteString(networkWord(reg))
	return b.String()
}

// networkWord renders registration for operators; the modem package's own
// String form is for logs.
func networkWord(r modem.Registration) string {
	switch r {
	case modem.RegRegistered:
		return "registered"
	case modem.RegUnregistered:
		return "not registered"
	}
	return "unknown"
}
