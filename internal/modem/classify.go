package modem

import "strings"

// LineClass partitions modem output so solicited responses and unsolicited
// notifications never cross wires.
type LineClass int

const (
	// ClassData is solicited payload between a command and its final
	// result: +CMGR headers, SMS body text, +CMGS confirmations.
	ClassData LineClass = iota

	// ClassFinal terminates the outstanding command, successfully or not.
	ClassFinal

	// ClassNotification is a line the modem may emit unprompted at any
	// time; it never completes a pending command.
	ClassNotification
)

// Classified is one modem line with its routing decision.
type Classified struct {
	Line   string
	Class  LineClass
	Failed bool
}

// +CREG appears both as the payload of AT+CREG? and unsolicited; either way
// it updates registration state and never completes a command, so it is
// always routed as a notification.
var notificationTags = []string{
	"+CMTI:",
	"+CMT:",
	"+CREG:",
}

// Classify routes one complete modem line. The "> " SMS prompt never
// reaches here: it carries no line terminator and is detected on the raw
// byte buffer by the driver.
func Classify(line string) Classified {
	line = strings.TrimSpace(line)

	switch line {
	case "OK":
		return Classified{Line: line, Class: ClassFinal}
	case "ERROR", "NO CARRIER":
		return Classified{Line: line, Class: ClassFinal, Failed: true}
	case "RING":
		return Classified{Line: line, Class: ClassNotification}
	}
	if strings.HasPrefix(line, "+CME ERROR:") || strings.HasPrefix(line, "+CMS ERROR:") {
		return Classified{Line: line, Class: ClassFinal, Failed: true}
	}
	for _, tag := range notificationTags {
		if strings.HasPrefix(line, tag) {
			return Classified{Line: line, Class: ClassNotification}
		}
	}
	return Classified{Line: line, Class: ClassData}
}
