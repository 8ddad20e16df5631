// Package sim generates a deterministic NMEA 0183 source for development:
// a moving receiver whose RMC and GGA sentences are served over TCP.
package sim

import (
	"math"
	"time"
)

// Track is a figure-eight path around a center point flown at constant
// ground speed.
type Track struct {
	CenterLatDeg float64
	CenterLonDeg float64
	AltMeters    float64
	GroundKt     float64
	RadiusNm     float64
	Period       time.Duration
}

// Sample is the receiver state at one instant.
type Sample struct {
	Time      time.Time
	LatDeg    float64
	LonDeg    float64
	CourseDeg float64
	SpeedKt   float64
	AltMeters float64
}

func (t Track) withDefaults() Track {
	if t.Period <= 0 {
		t.Period = 120 * time.Second
	}
	if t.RadiusNm <= 0 {
		t.RadiusNm = 0.5
	}
	if t.GroundKt <= 0 {
		t.GroundKt = 22.4
	}
	return t
}

// At returns the sample for now. The same now always yields the same sample.
func (t Track) At(now time.Time) Sample {
	t = t.withDefaults()
	lat, lon, course := t.position(now)
	return Sample{
		Time:      now.UTC(),
		LatDeg:    lat,
		LonDeg:    lon,
		CourseDeg: course,
		SpeedKt:   t.GroundKt,
		AltMeters: t.AltMeters,
	}
}

func (t Track) position(now time.Time) (latDeg, lonDeg, courseDeg float64) {
	// ~60 NM per degree of latitude.
	radiusDeg := t.RadiusNm / 60.0
	phase := float64(now.UnixNano()%t.Period.Nanoseconds()) / float64(t.Period.Nanoseconds())

	// Lissajous figure-eight:
	//	x = cos(2πt)      east-west, scaled by cos(lat) for longitude
	//	y = 0.5*sin(4πt)  north-south
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	latDeg = t.CenterLatDeg + radiusDeg*y
	lonDeg = t.CenterLonDeg + (radiusDeg*x)/math.Cos(t.CenterLatDeg*math.Pi/180.0)

	// Course from instantaneous velocity, atan2(east, north).
	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	courseDeg = math.Mod(math.Atan2(vx, vy)*180/math.Pi+360, 360)
	return latDeg, lonDeg, courseDeg
}
