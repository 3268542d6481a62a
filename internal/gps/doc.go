package gps

// Package gps turns the raw NMEA byte stream from a positioning receiver
// into a cached fix.
//
// It is intentionally small and geared toward vehicle tracking:
// - Assemble bounded, line-delimited sentences from polled reads
// - Decode RMC for lat/lon/validity, GGA for satellites/HDOP
// - Keep the most recent fix in a store safe for concurrent readers
