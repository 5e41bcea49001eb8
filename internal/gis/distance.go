package gis

import (
	"fmt"
	"math"
)

// EarthRadius is the mean earth radius in meters.
const EarthRadius = 6371008.8

// Degrees to radians conversion
const degToRad = math.Pi / 180

// metersPerDegreeLat is the length of one degree of latitude on the sphere.
const metersPerDegreeLat = EarthRadius * degToRad

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("invalid latitude: %f", p.Lat)
	}
	if math.IsNaN(p.Lng) || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("invalid longitude: %f", p.Lng)
	}
	return nil
}

// Haversine distance between two points in meters
func Haversine(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad

	lat1 := a.Lat * degToRad
	lat2 := b.Lat * degToRad

	sinDlat := math.Sin(dLat / 2)
	sinDlng := math.Sin(dLng / 2)

	aVal := sinDlat*sinDlat + sinDlng*sinDlng*math.Cos(lat1)*math.Cos(lat2)
	c := 2 * math.Atan2(math.Sqrt(aVal), math.Sqrt(1-aVal))
	return EarthRadius * c
}

// Box is a lat/lng rectangle.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns a rectangle that contains every point within radius meters of center.
// It is only a prefilter for index lookups; callers must still cut with Haversine.
func BoundingBox(center Point, radius float64) Box {
	dLat := radius / metersPerDegreeLat
	box := Box{
		MinLat: math.Max(-90, center.Lat-dLat),
		MaxLat: math.Min(90, center.Lat+dLat),
		MinLng: -180,
		MaxLng: 180,
	}

	// Near the poles (or for huge radii) a longitude window is meaningless.
	cosLat := math.Cos(math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) * degToRad)
	if cosLat <= 1e-9 {
		return box
	}
	dLng := radius / (metersPerDegreeLat * cosLat)
	if dLng >= 180 || center.Lng-dLng < -180 || center.Lng+dLng > 180 {
		// Crosses the antimeridian; keep the full longitude range.
		return box
	}
	box.MinLng = center.Lng - dLng
	box.MaxLng = center.Lng + dLng
	return box
}

// Contains reports whether p lies inside the box (inclusive).
func (b Box) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// Offset returns the point reached by moving meters along bearing degrees (0 = north) from p.
func Offset(p Point, bearing, meters float64) Point {
	lat1 := p.Lat * degToRad
	lng1 := p.Lng * degToRad
	brng := bearing * degToRad
	d := meters / EarthRadius

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lng2 := lng1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	lng := math.Mod(lng2/degToRad+540, 360) - 180
	return Point{Lat: lat2 / degToRad, Lng: lng}
}
