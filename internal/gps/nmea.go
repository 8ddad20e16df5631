package gps

import (
	"math"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

// Decoder maps single NMEA lines to fixes.
//
// The zero value trusts its input: a trailing "*hh" checksum is cut off but
// never verified. ValidateChecksum rejects sentences whose checksum is missing
// or wrong.
type Decoder struct {
	ValidateChecksum bool
}

// Decode parses one trimmed NMEA line. ok is false for unsupported sentence
// types and for sentences whose latitude or longitude cannot be parsed.
//
// A void RMC or a quality-0 GGA still decodes, with Valid=false, so callers
// can tell "no fix yet" apart from a corrupt sentence.
func (d Decoder) Decode(nowUTC time.Time, line string) (GeoFix, bool) {
	payload, ck, hasCk := splitChecksum(line)
	if d.ValidateChecksum {
		if !hasCk || !strings.EqualFold(ck, nmea.Checksum(strings.TrimPrefix(payload, "$"))) {
			return GeoFix{}, false
		}
	}

	// strings.Split keeps empty fields; field indices depend on it.
	f := strings.Split(payload, ",")
	kind, ok := sentenceKind(f[0])
	if !ok {
		return GeoFix{}, false
	}
	switch kind {
	case SourceRMC:
		return decodeRMC(nowUTC, f)
	case SourceGGA:
		return decodeGGA(nowUTC, f)
	default:
		return GeoFix{}, false
	}
}

// IsRMCSentence reports whether line carries a GPRMC/GNRMC identifier.
func IsRMCSentence(line string) bool {
	id := line
	if i := strings.IndexByte(line, ','); i != -1 {
		id = line[:i]
	}
	kind, ok := sentenceKind(id)
	return ok && kind == SourceRMC
}

func sentenceKind(id string) (SourceKind, bool) {
	id = strings.TrimSpace(id)
	switch {
	case strings.HasSuffix(id, "GPRMC"), strings.HasSuffix(id, "GNRMC"):
		return SourceRMC, true
	case strings.HasSuffix(id, "GPGGA"), strings.HasSuffix(id, "GNGGA"):
		return SourceGGA, true
	default:
		return "", false
	}
}

func splitChecksum(line string) (payload string, ck string, ok bool) {
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return line, "", false
	}
	ck = strings.TrimSpace(line[star+1:])
	if len(ck) > 2 {
		ck = ck[:2]
	}
	return line[:star], ck, len(ck) == 2
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	0: talker+type
//	1: time (hhmmss.sss), unused
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
func decodeRMC(nowUTC time.Time, f []string) (GeoFix, bool) {
	if len(f) < 9 {
		return GeoFix{}, false
	}
	lat, ok := ParseLatitude(f[3], f[4])
	if !ok {
		return GeoFix{}, false
	}
	lon, ok := ParseLongitude(f[5], f[6])
	if !ok {
		return GeoFix{}, false
	}

	speed := 0.0
	if kt, ok := parseFloat(f[7]); ok && kt > 0 {
		speed = kt * KnotsToMetersPerSecond
	}
	course := CourseUnknown
	if c, ok := parseFloat(f[8]); ok && c >= 0 {
		course = math.Mod(c, 360.0)
	}

	return GeoFix{
		Latitude:           lat,
		Longitude:          lon,
		Speed:              speed,
		Course:             course,
		HorizontalAccuracy: rmcHorizontalAccuracyM,
		Timestamp:          nowUTC,
		Valid:              strings.TrimSpace(f[2]) == "A",
		Source:             SourceRMC,
	}, true
}

// GGA: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time, unused
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites, unused
//	8: HDOP
//	9: altitude (meters)
func decodeGGA(nowUTC time.Time, f []string) (GeoFix, bool) {
	if len(f) < 10 {
		return GeoFix{}, false
	}
	lat, ok := ParseLatitude(f[2], f[3])
	if !ok {
		return GeoFix{}, false
	}
	lon, ok := ParseLongitude(f[4], f[5])
	if !ok {
		return GeoFix{}, false
	}

	quality, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil {
		quality = 0
	}
	hdop, ok := parseFloat(f[8])
	if !ok || hdop < 0 {
		hdop = defaultHDOP
	}
	alt, ok := parseFloat(f[9])
	if !ok {
		alt = 0
	}

	return GeoFix{
		Latitude:           lat,
		Longitude:          lon,
		Altitude:           alt,
		Speed:              0,
		Course:             CourseUnknown,
		HorizontalAccuracy: hdop * hdopToMeters,
		Timestamp:          nowUTC,
		Valid:              quality > 0,
		Source:             SourceGGA,
	}, true
}

// ParseLatitude parses ddmm.mmmm plus an N/S hemisphere letter.
func ParseLatitude(v string, hemi string) (float64, bool) {
	dec, ok := parseDegreesMinutes(v, 2)
	if !ok || dec > 90 {
		return 0, false
	}
	if strings.EqualFold(strings.TrimSpace(hemi), "S") {
		dec = -dec
	}
	return dec, true
}

// ParseLongitude parses dddmm.mmmm plus an E/W hemisphere letter.
func ParseLongitude(v string, hemi string) (float64, bool) {
	dec, ok := parseDegreesMinutes(v, 3)
	if !ok || dec > 180 {
		return 0, false
	}
	if strings.EqualFold(strings.TrimSpace(hemi), "W") {
		dec = -dec
	}
	return dec, true
}

// parseDegreesMinutes reads degDigits whole degrees followed by decimal
// minutes. The value needs at least two characters of minutes.
func parseDegreesMinutes(v string, degDigits int) (float64, bool) {
	v = strings.TrimSpace(v)
	if len(v) < degDigits+2 {
		return 0, false
	}
	degPart := v[:degDigits]
	for i := 0; i < len(degPart); i++ {
		if degPart[i] < '0' || degPart[i] > '9' {
			return 0, false
		}
	}
	deg, err := strconv.Atoi(degPart)
	if err != nil {
		return 0, false
	}
	mins, ok := parseFloat(v[degDigits:])
	if !ok || mins < 0 {
		return 0, false
	}
	return float64(deg) + mins/60.0, true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
