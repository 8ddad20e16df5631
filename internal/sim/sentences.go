package sim

import (
	"fmt"
	"math"

	nmea "github.com/adrianmo/go-nmea"
)

// Sentences renders s as a GPRMC and a GPGGA line, each with its checksum
// and no line terminator.
func Sentences(s Sample) (rmc string, gga string) {
	lat, ns := formatCoord(s.LatDeg, 2, "N", "S")
	lon, ew := formatCoord(s.LonDeg, 3, "E", "W")
	hms := s.Time.UTC().Format("150405.00")
	dmy := s.Time.UTC().Format("020106")

	rmc = withChecksum(fmt.Sprintf("GPRMC,%s,A,%s,%s,%s,%s,%05.1f,%05.1f,%s,,,A",
		hms, lat, ns, lon, ew, s.SpeedKt, s.CourseDeg, dmy))
	gga = withChecksum(fmt.Sprintf("GPGGA,%s,%s,%s,%s,%s,1,08,0.9,%.1f,M,46.9,M,,",
		hms, lat, ns, lon, ew, s.AltMeters))
	return rmc, gga
}

func withChecksum(body string) string {
	return "$" + body + "*" + nmea.Checksum(body)
}

// formatCoord writes |deg| as degrees+decimal minutes with degDigits whole
// degree digits and four minute decimals.
func formatCoord(deg float64, degDigits int, pos, neg string) (string, string) {
	hemi := pos
	if deg < 0 {
		hemi = neg
		deg = -deg
	}
	whole := math.Floor(deg)
	mins := math.Round((deg-whole)*60*1e4) / 1e4
	if mins >= 60 {
		whole++
		mins = 0
	}
	return fmt.Sprintf("%0*d%07.4f", degDigits, int(whole), mins), hemi
}
