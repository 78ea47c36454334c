// Package synth builds synthetic station layouts and travel-time consistent picks
// for demos and tests.
package synth

import (
	"fmt"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/traveltime"
)

// Station places a site at distKm along azimuth from center.
func Station(code, network string, center geo.Point, distKm, azimuth float64) models.Site {
	p := geo.Offset(center, distKm, azimuth)
	return models.Site{
		Station:    code,
		Channel:    "HHZ",
		Network:    network,
		Location:   "00",
		Latitude:   p.Lat,
		Longitude:  p.Lon,
		Quality:    1,
		Enable:     true,
		UseForTele: true,
	}
}

// Ring places one station per azimuth, cycling through distances.
func Ring(network string, center geo.Point, azimuths, distancesKm []float64) []models.Site {
	out := make([]models.Site, len(azimuths))
	for i, az := range azimuths {
		d := distancesKm[i%len(distancesKm)]
		out[i] = Station(fmt.Sprintf("S%02d", i+1), network, center, d, az)
	}
	return out
}

// Arrivals returns one pick per site at the predicted arrival of phase from an
// event at origin with origin time t0. Sites without a prediction are skipped.
func Arrivals(siteList []models.Site, origin geo.Point, t0 float64, tt traveltime.Oracle, phase, idPrefix string) []models.Pick {
	var out []models.Pick
	for i, s := range siteList {
		delta := geo.Delta(origin, geo.Point{Lat: s.Latitude, Lon: s.Longitude})
		t, _, ok := tt.TravelTime(phase, delta, origin.Depth)
		if !ok {
			continue
		}
		out = append(out, models.Pick{
			ID:          fmt.Sprintf("%s%d", idPrefix, i+1),
			SCNL:        s.SCNL(),
			Time:        t0 + t,
			Phase:       phase,
			BackAzimuth: -1,
			Slowness:    -1,
			Source:      "synth",
		})
	}
	return out
}
