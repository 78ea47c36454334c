// Package geo holds the spherical-earth helpers the association engine needs:
// great-circle distance, azimuth and offsetting a point by a distance along an azimuth.
package geo

import (
	"math"
	"sort"
)

const (
	EarthRadiusKm = 6371.0
	DegToKm       = 111.19
	DegToRad      = math.Pi / 180.0
	RadToDeg      = 180.0 / math.Pi
)

// Point is a geographic position; Depth is in kilometres below sea level.
type Point struct {
	Lat   float64
	Lon   float64
	Depth float64
}

// Delta returns the great-circle distance between a and b in degrees.
func Delta(a, b Point) float64 {
	lat1 := a.Lat * DegToRad
	lat2 := b.Lat * DegToRad
	dlat := lat2 - lat1
	dlon := (b.Lon - a.Lon) * DegToRad

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	if h > 1 {
		h = 1
	}
	return 2 * math.Asin(math.Sqrt(h)) * RadToDeg
}

// Azimuth returns the bearing from a to b in degrees clockwise from north, in [0, 360).
func Azimuth(a, b Point) float64 {
	lat1 := a.Lat * DegToRad
	lat2 := b.Lat * DegToRad
	dlon := (b.Lon - a.Lon) * DegToRad

	y := math.Sin(dlon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)
	az := math.Atan2(y, x) * RadToDeg
	if az < 0 {
		az += 360
	}
	return az
}

// DistanceAzimuth returns the distance in degrees and the azimuth from a to b.
func DistanceAzimuth(a, b Point) (float64, float64) {
	return Delta(a, b), Azimuth(a, b)
}

// Offset moves p by distKm along azimuth (degrees). Depth is preserved.
func Offset(p Point, distKm, azimuth float64) Point {
	if distKm == 0 {
		return p
	}
	d := distKm / EarthRadiusKm
	az := azimuth * DegToRad
	lat1 := p.Lat * DegToRad
	lon1 := p.Lon * DegToRad

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(az))
	lon2 := lon1 + math.Atan2(math.Sin(az)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	return Point{Lat: lat2 * RadToDeg, Lon: NormalizeLon(lon2 * RadToDeg), Depth: p.Depth}
}

// OffsetKm shifts p by east/north kilometre offsets using a local flat approximation.
func OffsetKm(p Point, eastKm, northKm float64) Point {
	lat := p.Lat + northKm/DegToKm
	coslat := math.Cos(p.Lat * DegToRad)
	if coslat < 1e-6 {
		coslat = 1e-6
	}
	lon := p.Lon + eastKm/(DegToKm*coslat)
	if lat > 90 {
		lat = 90
	}
	if lat < -90 {
		lat = -90
	}
	return Point{Lat: lat, Lon: NormalizeLon(lon), Depth: p.Depth}
}

// SurfaceKm returns the epicentral distance in kilometres.
func SurfaceKm(a, b Point) float64 {
	return Delta(a, b) * DegToKm
}

func NormalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// MaxGap returns the largest azimuthal interval (degrees) not covered by any of azimuths.
func MaxGap(azimuths []float64) float64 {
	if len(azimuths) == 0 {
		return 360
	}
	az := make([]float64, len(azimuths))
	copy(az, azimuths)
	sort.Float64s(az)

	gap := 360 - az[len(az)-1] + az[0]
	for i := 1; i < len(az); i++ {
		if d := az[i] - az[i-1]; d > gap {
			gap = d
		}
	}
	return gap
}
