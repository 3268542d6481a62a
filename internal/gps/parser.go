package gps

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
)

// Parser decodes recognized sentences and pushes complete fixes into a
// Store. Decode failures are counted, never returned: the sentence stream is
// lossy by design and a dropped line is replaced within a second.
//
// Framing, checksum, and validity gates run before field decoding so that a
// receiver with no fix (empty coordinate fields) is handled as "not live"
// rather than as a decode failure.
type Parser struct {
	store *Store

	// Satellite annotations from the most recent GGA, attached to fixes
	// built from subsequent RMC sentences.
	sats   int
	satsOK bool
	hdop   float64
	hdopOK bool

	sentences   uint64
	fixes       uint64
	parseErrors uint64
}

type ParserSnapshot struct {
	Sentences   uint64 `json:"sentences"`
	Fixes       uint64 `json:"fixes"`
	ParseErrors uint64 `json:"parse_errors"`
}

func NewParser(store *Store) *Parser {
	return &Parser{store: store}
}

// Accept decodes one line. Sentence types other than RMC and GGA are ignored
// without error; malformed or checksum-failing lines of a recognized type are
// dropped and counted.
func (p *Parser) Accept(nowUTC time.Time, line string) {
	if p == nil {
		return
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return
	}
	typ := sentenceType(line)
	if typ != "RMC" && typ != "GGA" {
		return
	}
	p.sentences++

	if !checksumOK(line) {
		p.parseErrors++
		return
	}

	fields := strings.Split(line, ",")
	switch typ {
	case "RMC":
		// Field 2 is the A/V validity flag.
		if len(fields) < 3 || strings.TrimSpace(fields[2]) != "A" {
			p.store.SetLive(false)
			return
		}
	case "GGA":
		// Field 6 is fix quality, "0" meaning invalid. A receiver without a
		// fix emits empty coordinate fields, so stop before field decode.
		if len(fields) < 7 {
			p.parseErrors++
			return
		}
		if q := strings.TrimSpace(fields[6]); q == "" || q == "0" {
			p.store.SetLive(false)
			return
		}
	}

	s, err := nmea.Parse(line)
	if err != nil {
		p.parseErrors++
		return
	}

	switch m := s.(type) {
	case nmea.RMC:
		p.applyRMC(nowUTC, m)
	case nmea.GGA:
		p.applyGGA(m)
	}
}

func (p *Parser) applyRMC(nowUTC time.Time, m nmea.RMC) {
	if m.Validity != "A" {
		p.store.SetLive(false)
		return
	}
	if m.Latitude < -90 || m.Latitude > 90 || m.Longitude < -180 || m.Longitude > 180 {
		p.parseErrors++
		return
	}

	fix := Fix{Lat: m.Latitude, Lon: m.Longitude}
	if p.satsOK {
		fix.Sats = p.sats
	}
	if p.hdopOK {
		fix.HDOP = p.hdop
	}
	p.store.Update(nowUTC, fix)
	p.fixes++
}

func (p *Parser) applyGGA(m nmea.GGA) {
	if m.NumSatellites > 0 {
		p.sats = int(m.NumSatellites)
		p.satsOK = true
	}
	if m.HDOP > 0 {
		p.hdop = m.HDOP
		p.hdopOK = true
	}
}

func (p *Parser) Snapshot() ParserSnapshot {
	if p == nil {
		return ParserSnapshot{}
	}
	return ParserSnapshot{Sentences: p.sentences, Fixes: p.fixes, ParseErrors: p.parseErrors}
}

// checksumOK verifies the "*XX" suffix: XX is the hex XOR of all bytes
// between '$' and '*'.
func checksumOK(line string) bool {
	star := strings.LastIndexByte(line, '*')
	if star == -1 || star+3 > len(line) {
		return false
	}
	want, err := hex.DecodeString(line[star+1 : star+3])
	if err != nil || len(want) != 1 {
		return false
	}
	got := byte(0)
	for i := 1; i < star; i++ {
		got ^= line[i]
	}
	return got == want[0]
}

// sentenceType extracts the trailing three letters of the address field
// ("GPRMC" and "GNRMC" both map to "RMC").
func sentenceType(line string) string {
	end := strings.IndexByte(line, ',')
	if end == -1 {
		end = len(line)
	}
	addr := line[1:end]
	if len(addr) < 3 {
		return ""
	}
	return strings.ToUpper(addr[len(addr)-3:])
}
