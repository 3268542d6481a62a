package gps

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

func testNow() time.Time {
	return time.Date(2024, 8, 20, 10, 30, 0, 0, time.UTC)
}

func TestParserAccept_RMCUpdatesStore(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	line := nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A")
	p.Accept(testNow(), line)

	fix, ok := store.Read()
	if !ok {
		t.Fatalf("expected a stored fix")
	}
	wantLat := 48.0 + 7.038/60.0
	wantLon := 11.0 + 31.000/60.0
	if math.Abs(fix.Lat-wantLat) > 1e-9 {
		t.Fatalf("lat=%v want %v", fix.Lat, wantLat)
	}
	if math.Abs(fix.Lon-wantLon) > 1e-9 {
		t.Fatalf("lon=%v want %v", fix.Lon, wantLon)
	}
	if !store.Live() {
		t.Fatalf("expected live fix")
	}
	if snap := p.Snapshot(); snap.Fixes != 1 || snap.ParseErrors != 0 {
		t.Fatalf("snapshot=%+v want 1 fix, 0 parse errors", snap)
	}
}

func TestParserAccept_SouthWestHemispheresNegate(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	line := nmeaLine("GPRMC,123519,A,3344.916,S,07040.202,W,010.0,090.0,230394,003.1,W,A")
	p.Accept(testNow(), line)

	fix, ok := store.Read()
	if !ok {
		t.Fatalf("expected a stored fix")
	}
	wantLat := -(33.0 + 44.916/60.0)
	wantLon := -(70.0 + 40.202/60.0)
	if math.Abs(fix.Lat-wantLat) > 1e-9 {
		t.Fatalf("lat=%v want %v", fix.Lat, wantLat)
	}
	if math.Abs(fix.Lon-wantLon) > 1e-9 {
		t.Fatalf("lon=%v want %v", fix.Lon, wantLon)
	}
}

func TestParserAccept_CorruptedChecksumLeavesStoreUnchanged(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	good := nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A")
	bad := good[:len(good)-2] + "00"
	p.Accept(testNow(), bad)

	if _, ok := store.Read(); ok {
		t.Fatalf("corrupted sentence must not store a fix")
	}
	if snap := p.Snapshot(); snap.ParseErrors != 1 {
		t.Fatalf("parse_errors=%d want 1", snap.ParseErrors)
	}
}

func TestParserAccept_IgnoresUnrecognizedSentenceTypes(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	p.Accept(testNow(), nmeaLine("GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00"))
	p.Accept(testNow(), "not an nmea line at all")

	if _, ok := store.Read(); ok {
		t.Fatalf("unrecognized sentences must not store a fix")
	}
	if snap := p.Snapshot(); snap.Sentences != 0 || snap.ParseErrors != 0 {
		t.Fatalf("snapshot=%+v want no recognized sentences, no errors", snap)
	}
}

func TestParserAccept_VoidRMCKeepsLastFixButDropsLive(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	p.Accept(testNow(), nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A"))
	if !store.Live() {
		t.Fatalf("expected live after valid RMC")
	}

	p.Accept(testNow(), nmeaLine("GPRMC,123520,V,,,,,,,230394,003.1,W,N"))
	if store.Live() {
		t.Fatalf("expected live=false after void RMC")
	}
	if _, ok := store.Read(); !ok {
		t.Fatalf("void RMC must not erase the last fix")
	}
}

func TestParserAccept_GGAQualityZeroDropsLive(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	p.Accept(testNow(), nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A"))
	// Cold receiver: quality 0 and empty coordinate fields.
	p.Accept(testNow(), nmeaLine("GNGGA,,,,,,0,00,99.99,,,,,,"))

	if store.Live() {
		t.Fatalf("expected live=false after quality-0 GGA")
	}
	if snap := p.Snapshot(); snap.ParseErrors != 0 {
		t.Fatalf("parse_errors=%d want 0, quality-0 GGA is not an error", snap.ParseErrors)
	}
	if _, ok := store.Read(); !ok {
		t.Fatalf("quality-0 GGA must not erase the last fix")
	}
}

func TestParserAccept_GGAAnnotatesNextFix(t *testing.T) {
	store := NewStore()
	p := NewParser(store)

	p.Accept(testNow(), nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"))
	p.Accept(testNow(), nmeaLine("GNRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W,A"))

	fix, ok := store.Read()
	if !ok {
		t.Fatalf("expected a stored fix")
	}
	if fix.Sats != 8 {
		t.Fatalf("sats=%d want 8", fix.Sats)
	}
	if math.Abs(fix.HDOP-0.9) > 1e-6 {
		t.Fatalf("hdop=%v want 0.9", fix.HDOP)
	}
}

func TestSentenceType(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"$GPRMC,1,2", "RMC"},
		{"$GNRMC,1,2", "RMC"},
		{"$GNGGA,1", "GGA"},
		{"$PUBX,00", "UBX"},
		{"$X", ""},
	}
	for _, tc := range cases {
		if got := sentenceType(tc.line); got != tc.want {
			t.Fatalf("sentenceType(%q)=%q want %q", tc.line, got, tc.want)
		}
	}
}
