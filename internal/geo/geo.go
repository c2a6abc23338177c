package geo

import "math"

// earthRadiusMeters is the mean Earth radius used by the great-circle formula.
const earthRadiusMeters = 6371000

// suspiciousAccuracyMeters is the floor below which a reported GPS accuracy
// is considered too good to be true.
const suspiciousAccuracyMeters = 1

// Fix is a single geolocation reading.
type Fix struct {
	Lat      float64
	Lng      float64
	Accuracy float64 // reported accuracy in meters
}

// HaversineMeters returns the great-circle distance in meters between two
// coordinates.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

func toRad(deg float64) float64 {
	return deg * (math.Pi / 180)
}

// WithinGeofence reports whether the student coordinate falls inside the
// room's radius. The distance is rounded to the nearest meter before the
// comparison so the decision always matches what is displayed.
func WithinGeofence(studentLat, studentLng, roomLat, roomLng, radiusMeters float64) (bool, int) {
	distance := int(math.Round(HaversineMeters(studentLat, studentLng, roomLat, roomLng)))
	return float64(distance) <= radiusMeters, distance
}

// SuspiciousAccuracy flags a reported accuracy under one meter; consumer GPS
// hardware does not achieve that, so such a fix is likely spoofed.
func SuspiciousAccuracy(accuracy float64) bool {
	return accuracy < suspiciousAccuracyMeters
}
