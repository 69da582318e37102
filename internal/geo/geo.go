// Package geo holds the coordinate value type and great-circle distance math
// shared by the index, matcher and stores.
package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadiusKm is the mean earth radius used for haversine distances.
	EarthRadiusKm = 6371.0

	// CoincidentKm is the distance under which two points are treated as the same place.
	CoincidentKm = 0.001
)

// Coordinate is an immutable WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate reports whether the coordinate is inside the WGS84 range.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", c.Lat)
	}
	if math.IsNaN(c.Lon) || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", c.Lon)
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.4f, %.4f", c.Lat, c.Lon)
}

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b Coordinate) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// Coincident reports whether two distances are equal within CoincidentKm.
func Coincident(d1, d2 float64) bool {
	return math.Abs(d1-d2) <= CoincidentKm
}

// Within reports whether b lies within radiusKm of a.
func Within(a, b Coordinate, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
