package domain

import "math"

// earthRadiusM is the mean Earth radius in meters.
const earthRadiusM = 6_371_000.0

// Haversine returns the great-circle distance in meters between two points
// given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Lon360 maps a longitude from [-180, 180] to the [0, 360) convention used
// by the GRIB2 grids.
func Lon360(lon float64) float64 {
	if lon < 0 {
		return lon + 360
	}
	return lon
}

// Lon180 maps a [0, 360) longitude back to [-180, 180].
func Lon180(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}
