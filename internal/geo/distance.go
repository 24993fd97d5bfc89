package geo

import "math"

// EarthRadiusMeters is the mean earth radius used for all distances.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Distance returns the geodesic distance between two records in meters.
func Distance(a, b ImageRecord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Point is a position in the local metric plane (meters east, meters north).
type Point struct {
	X float64
	Y float64
}

// Projection is an equirectangular projection around a reference latitude.
// Over a city-sized footprint the distortion is well under one percent.
type Projection struct {
	Lat0   float64
	Lon0   float64
	cosLat float64
}

// NewProjection creates a projection centred on (lat0, lon0).
func NewProjection(lat0, lon0 float64) Projection {
	return Projection{Lat0: lat0, Lon0: lon0, cosLat: math.Cos(lat0 * math.Pi / 180)}
}

const metersPerDegree = EarthRadiusMeters * math.Pi / 180

// Forward projects degrees to meters.
func (p Projection) Forward(lat, lon float64) Point {
	return Point{
		X: (lon - p.Lon0) * metersPerDegree * p.cosLat,
		Y: (lat - p.Lat0) * metersPerDegree,
	}
}

// Inverse projects meters back to degrees.
func (p Projection) Inverse(pt Point) (lat, lon float64) {
	lat = p.Lat0 + pt.Y/metersPerDegree
	if p.cosLat == 0 {
		return lat, p.Lon0
	}
	lon = p.Lon0 + pt.X/(metersPerDegree*p.cosLat)
	return lat, lon
}

// Bounds is a lat/lon rectangle.
type Bounds struct {
	West  float64
	South float64
	East  float64
	North float64
}

// Center returns the midpoint of the rectangle.
func (b Bounds) Center() (lat, lon float64) {
	return (b.South + b.North) / 2, (b.West + b.East) / 2
}

// Contains reports whether a point is inside the closed rectangle.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}
