package gps

import "time"

// SourceKind tags which sentence type produced a GeoFix.
type SourceKind string

const (
	SourceRMC SourceKind = "RMC"
	SourceGGA SourceKind = "GGA"
)

const (
	// CourseUnknown marks a fix whose sentence did not report a course.
	// A real heading of 0 (north) is distinct from it.
	CourseUnknown = -1.0

	KnotsToMetersPerSecond = 0.514444

	// rmcHorizontalAccuracyM is the fixed estimate used for RMC, which
	// carries no dilution of precision.
	rmcHorizontalAccuracyM = 10.0

	hdopToMeters = 5.0
	defaultHDOP  = 1.0
)

// GeoFix is one decoded (or fused) position sample.
//
// Speed is in m/s, altitude and accuracy in meters. Timestamp is the wall
// clock at decode time; the sentence's own time field is not used.
type GeoFix struct {
	Latitude           float64    `json:"lat"`
	Longitude          float64    `json:"lon"`
	Altitude           float64    `json:"alt_m"`
	Speed              float64    `json:"speed_mps"`
	Course             float64    `json:"course_deg"`
	HorizontalAccuracy float64    `json:"horiz_acc_m"`
	Timestamp          time.Time  `json:"timestamp"`
	Valid              bool       `json:"valid"`
	Source             SourceKind `json:"source"`
}

// HasCourse reports whether Course holds a real heading.
func (f GeoFix) HasCourse() bool {
	return f.Course != CourseUnknown
}
