// Package geo converts between geodetic coordinates and a local
// north/east tangent plane using a flat-Earth approximation. It is only
// accurate for displacements of a few hundred metres.
package geo

import "math"

// EarthRadiusM is the mean Earth radius used by every conversion.
const EarthRadiusM = 6371000.0

// minCosLat keeps east/west scaling finite at the poles.
const minCosLat = 1e-6

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func cosRef(refLat float64) float64 {
	c := math.Cos(radians(refLat))
	if math.Abs(c) < minCosLat {
		return minCosLat
	}
	return c
}

// ToLocalMeters returns the offset of (lat, lon) from the reference point in
// metres north and east.
func ToLocalMeters(refLat, refLon, lat, lon float64) (north, east float64) {
	north = radians(lat-refLat) * EarthRadiusM
	east = radians(lon-refLon) * EarthRadiusM * cosRef(refLat)
	return north, east
}

// ToLatLon is the inverse of ToLocalMeters.
func ToLatLon(refLat, refLon, north, east float64) (lat, lon float64) {
	lat = refLat + degrees(north/EarthRadiusM)
	lon = refLon + degrees(east/(EarthRadiusM*cosRef(refLat)))
	return lat, lon
}

// Haversine returns the great-circle distance in metres between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
