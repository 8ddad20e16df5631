// Package gps turns raw NMEA 0183 text into fused position fixes.
//
// It is intentionally small:
// - Reassemble a TCP byte stream into '$'-prefixed sentence lines
// - Decode RMC for lat/lon/ground speed/course
// - Decode GGA for lat/lon/altitude/fix quality/HDOP
// - Merge the two so speed and course survive GGA-only updates
//
// Nothing in this package does I/O or keeps goroutines.
package gps
