package gps

import (
	"sync"
	"time"
)

// Fix is one decoded position reading. A Fix is built whole from a single
// sentence (plus the latest satellite annotations) and replaced atomically;
// readers never observe a partial update.
type Fix struct {
	Lat float64
	Lon float64

	// Sats and HDOP come from the most recent GGA sentence; zero when the
	// receiver has not reported them yet.
	Sats int
	HDOP float64

	At  time.Time
	Seq uint64
}

// Store holds the most recent valid fix. Single writer (the parser), any
// number of readers.
//
// "No fix yet" (Read returns ok=false) is distinct from "lost fix": once a
// fix has been stored it stays readable even after the receiver reports the
// fix void, with Live flipping to false.
type Store struct {
	mu     sync.Mutex
	fix    Fix
	hasFix bool
	live   bool
	seq    uint64
}

type StoreSnapshot struct {
	HasFix bool    `json:"has_fix"`
	Live   bool    `json:"live"`
	LatDeg float64 `json:"lat_deg,omitempty"`
	LonDeg float64 `json:"lon_deg,omitempty"`
	Sats   int     `json:"sats,omitempty"`
	HDOP   float64 `json:"hdop,omitempty"`

	AgeSec float64 `json:"age_sec,omitempty"`
	Seq    uint64  `json:"seq,omitempty"`
}

func NewStore() *Store {
	return &Store{}
}

// Update replaces the stored fix unconditionally (last-write-wins) and marks
// the fix live. Seq and At are stamped here so callers cannot skew them.
func (s *Store) Update(nowUTC time.Time, fix Fix) {
	if s == nil {
		return
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	fix.Seq = s.seq
	fix.At = nowUTC.UTC()
	s.fix = fix
	s.hasFix = true
	s.live = true
}

// Read returns the most recent fix. ok is false until the first valid
// sentence has been stored; it never reports a zero-valued placeholder.
func (s *Store) Read() (Fix, bool) {
	if s == nil {
		return Fix{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasFix {
		return Fix{}, false
	}
	return s.fix, true
}

// SetLive marks whether the receiver currently reports a valid fix. It does
// not erase the last stored fix.
func (s *Store) SetLive(live bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
}

// Live reports whether the most recent validity indication was positive.
func (s *Store) Live() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live && s.hasFix
}

func (s *Store) Snapshot(nowUTC time.Time) StoreSnapshot {
	if s == nil {
		return StoreSnapshot{}
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := StoreSnapshot{HasFix: s.hasFix, Live: s.live && s.hasFix}
	if !s.hasFix {
		return out
	}
	out.LatDeg = s.fix.Lat
	out.LonDeg = s.fix.Lon
	out.Sats = s.fix.Sats
	out.HDOP = s.fix.HDOP
	out.Seq = s.fix.Seq
	if !s.fix.At.IsZero() {
		out.AgeSec = nowUTC.UTC().Sub(s.fix.At).Seconds()
	}
	return out
}
