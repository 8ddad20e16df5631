package gps

// Merge folds a newly decoded fix into the previously published one.
//
// RMC carries speed and course but no altitude; GGA carries altitude and
// HDOP but no velocity. Position, altitude, accuracy and validity always come
// from the newest sample. Speed is taken from in when it is positive or when
// sourceLine is an RMC sentence (an explicit zero from RMC means stopped);
// otherwise prev's speed is kept. Course is kept from prev only when in
// reports CourseUnknown.
func Merge(prev *GeoFix, in GeoFix, sourceLine string) GeoFix {
	if prev == nil {
		return in
	}
	out := in
	if !(in.Speed > 0 || IsRMCSentence(sourceLine)) {
		out.Speed = prev.Speed
	}
	if !in.HasCourse() {
		out.Course = prev.Course
	}
	return out
}
