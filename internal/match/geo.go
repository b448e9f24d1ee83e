package match

import "math"

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6_371_000

// DistanceKm returns the great-circle distance in kilometers between two
// WGS84 coordinate pairs.
func DistanceKm(lon1, lat1, lon2, lat2 float64) float64 {
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(la1)*math.Cos(la2)*sinLon*sinLon

	// Floating-point error can push a past 1, which would feed Sqrt a
	// negative 1-a. Clamp before taking the root.
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(math.Max(0, 1-a)))

	return earthRadiusMeters * c / 1000
}
