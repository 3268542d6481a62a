package gps

import "strings"

// maxSentenceLen bounds the line buffer. NMEA sentences are at most 82
// characters; anything longer is garbage from a misconfigured baud rate or
// line noise and is discarded wholesale.
const maxSentenceLen = 128

// Assembler accumulates polled byte chunks into complete lines. It carries
// partial lines across Feed calls; an over-length line is discarded through
// its terminating newline.
type Assembler struct {
	buf        []byte
	discarding bool
	overflows  uint64
}

// Feed appends a chunk and returns the complete lines it finished, trimmed
// of CR/LF and surrounding whitespace. Empty lines are dropped.
func (a *Assembler) Feed(p []byte) []string {
	if a == nil || len(p) == 0 {
		return nil
	}

	var lines []string
	for _, b := range p {
		if b == '\n' {
			if a.discarding {
				a.discarding = false
				continue
			}
			line := strings.TrimSpace(string(a.buf))
			a.buf = a.buf[:0]
			if line != "" {
				lines = append(lines, line)
			}
			continue
		}
		if a.discarding {
			continue
		}
		if len(a.buf) >= maxSentenceLen {
			a.buf = a.buf[:0]
			a.discarding = true
			a.overflows++
			continue
		}
		a.buf = append(a.buf, b)
	}
	return lines
}

// Overflows counts discarded over-length lines.
func (a *Assembler) Overflows() uint64 {
	if a == nil {
		return 0
	}
	return a.overflows
}
