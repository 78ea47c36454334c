package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/parse"
	"github.com/lox/quakeassoc/internal/synth"
	"github.com/lox/quakeassoc/internal/traveltime"
)

type SynthCmd struct {
	Lat      float64   `default:"36.0" help:"Event latitude."`
	Lon      float64   `default:"-97.5" help:"Event longitude."`
	Depth    float64   `default:"10" help:"Event depth in km."`
	Time     string    `help:"Origin time (RFC 3339); defaults to now."`
	Stations int       `default:"8" help:"Number of stations in the ring."`
	Radius   []float64 `default:"40,60,80" help:"Station distances in km, cycled around the ring."`
	Network  string    `default:"XX" help:"Network code for synthetic stations."`
	Phases   []string  `default:"P" help:"Phases to emit picks for."`
	Out      string    `short:"o" help:"Output file; defaults to stdout."`
}

func (c *SynthCmd) Run(g *Globals) error {
	cfg, _, err := g.setup()
	if err != nil {
		return err
	}
	tt, err := traveltime.FromConfig(cfg.TravelTime)
	if err != nil {
		return err
	}
	if c.Stations <= 0 {
		return fmt.Errorf("stations must be positive")
	}

	t0 := time.Now().UTC()
	if c.Time != "" {
		if t0, err = time.Parse(time.RFC3339, c.Time); err != nil {
			return fmt.Errorf("origin time: %w", err)
		}
	}

	center := geo.Point{Lat: c.Lat, Lon: c.Lon, Depth: c.Depth}
	azimuths := make([]float64, c.Stations)
	for i := range azimuths {
		azimuths[i] = 360 * float64(i) / float64(c.Stations)
	}
	ring := synth.Ring(c.Network, center, azimuths, c.Radius)

	var picks []models.Pick
	for _, ph := range c.Phases {
		picks = append(picks, synth.Arrivals(ring, center, models.TimeToEpoch(t0), tt, ph, ph+"-")...)
	}
	sort.SliceStable(picks, func(i, j int) bool { return picks[i].Time < picks[j].Time })

	var w io.Writer = os.Stdout
	if c.Out != "" {
		f, err := os.Create(c.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return writeSynth(w, ring, picks)
}

func writeSynth(w io.Writer, ring []models.Site, picks []models.Pick) error {
	for _, s := range ring {
		data, err := parse.EncodeStation(s)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return err
		}
	}
	for _, p := range picks {
		data, err := parse.EncodePick(p)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}
