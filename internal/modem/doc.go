package modem

// Package modem drives a GSM modem's AT command protocol for SMS.
//
// The driver is sans-I/O on the read side: the scheduler polls the modem
// UART and hands bytes to Feed, then calls Tick to advance deadlines and
// queued work. Writes go straight to the supplied writer. All of it runs
// on the scheduler's single control flow; the half-duplex command slot
// holds at most one outstanding command, and unsolicited notifications
// are classified away from command responses before any routing happens.
