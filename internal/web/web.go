// Package web builds the nucleation grids: named collections of nodes, each linked
// to its nearest sites with precomputed travel times.
package web

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/stack"
	"github.com/lox/quakeassoc/internal/traveltime"
	"golang.org/x/sync/errgroup"
)

var ErrNoSites = errors.New("web: no usable sites")

type Web struct {
	cfg     config.Web
	enabled bool
	nodes   []*Node
	bySite  map[string][]*Node
}

func (w *Web) Name() string        { return w.cfg.Name }
func (w *Web) Config() config.Web  { return w.cfg }
func (w *Web) Resolution() float64 { return w.cfg.Resolution }
func (w *Web) Enabled() bool       { return w.enabled }
func (w *Web) Nodes() []*Node      { return w.nodes }

// NodesForSite returns the nodes linked to scnl.
func (w *Web) NodesForSite(scnl string) []*Node {
	return w.bySite[scnl]
}

func (w *Web) HasSite(scnl string) bool {
	return len(w.bySite[scnl]) > 0
}

// Accepts reports whether a site passes this web's site filters.
func (w *Web) Accepts(s models.Site) bool {
	return siteFilter(w.cfg)(s)
}

// Generate builds every node of the configured layout and links the nearest
// Detect usable sites to it. With no usable sites it returns a disabled, empty web
// and ErrNoSites.
func Generate(cfg config.Web, siteList *sites.List, tt traveltime.Oracle) (*Web, error) {
	config.ApplyWebDefaults(&cfg)
	if err := config.ValidateWeb(cfg); err != nil {
		return nil, fmt.Errorf("web %s: %w", cfg.Name, err)
	}

	candidates := genSiteFilters(cfg, siteList)
	w := &Web{cfg: cfg, bySite: map[string][]*Node{}}
	if len(candidates) == 0 {
		return w, fmt.Errorf("web %s: %w", cfg.Name, ErrNoSites)
	}

	points, err := layout(cfg)
	if err != nil {
		return w, fmt.Errorf("web %s: %w", cfg.Name, err)
	}

	w.nodes = make([]*Node, len(points))
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, p := range points {
		g.Go(func() error {
			w.nodes[i] = genNode(cfg, i, p, candidates, tt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return w, err
	}

	for _, n := range w.nodes {
		if !n.Enabled {
			continue
		}
		for _, l := range n.Links {
			w.bySite[l.SCNL] = append(w.bySite[l.SCNL], n)
		}
	}
	w.enabled = true
	return w, nil
}

// genSiteFilters returns the sites eligible for linking: enabled, matching the
// network and SCNL filters and, for teleseismic webs, flagged for teleseismic use.
func genSiteFilters(cfg config.Web, siteList *sites.List) []models.Site {
	accept := siteFilter(cfg)
	var out []models.Site
	for _, s := range siteList.All() {
		if accept(s) {
			out = append(out, s)
		}
	}
	return out
}

func siteFilter(cfg config.Web) func(models.Site) bool {
	nets := make(map[string]bool, len(cfg.Networks))
	for _, n := range cfg.Networks {
		nets[n] = true
	}
	scnls := make(map[string]bool, len(cfg.Sites))
	for _, s := range cfg.Sites {
		scnls[s] = true
	}
	return func(s models.Site) bool {
		if !s.Enable {
			return false
		}
		if len(nets) > 0 && !nets[s.Network] {
			return false
		}
		if len(scnls) > 0 && !scnls[s.SCNL()] {
			return false
		}
		if cfg.UseOnlyTele && !s.UseForTele {
			return false
		}
		return true
	}
}

func genNode(cfg config.Web, i int, p geo.Point, candidates []models.Site, tt traveltime.Oracle) *Node {
	type near struct {
		site  models.Site
		delta float64
	}
	dists := make([]near, 0, len(candidates))
	for _, s := range candidates {
		d := geo.Delta(p, sites.Point(s))
		if cfg.MaxDistance > 0 && d > cfg.MaxDistance {
			continue
		}
		dists = append(dists, near{s, d})
	}
	sort.SliceStable(dists, func(a, b int) bool { return dists[a].delta < dists[b].delta })

	n := &Node{
		ID:         fmt.Sprintf("%s.%06d", cfg.Name, i),
		Web:        cfg.Name,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Depth:      p.Depth,
		Resolution: cfg.Resolution,
	}
	for _, c := range dists {
		if len(n.Links) >= cfg.Detect {
			break
		}
		tt1 := travelTime(tt, cfg.Phase1, c.delta, p.Depth)
		tt2 := -1.0
		if cfg.Phase2 != "" {
			tt2 = travelTime(tt, cfg.Phase2, c.delta, p.Depth)
		}
		if tt1 < 0 && tt2 < 0 {
			continue
		}
		n.Links = append(n.Links, stack.Link{
			SCNL:     c.site.SCNL(),
			Quality:  c.site.Quality,
			Distance: c.delta,
			TT1:      tt1,
			TT2:      tt2,
		})
	}
	n.Enabled = len(n.Links) >= cfg.Nucleate
	n.index()
	return n
}

func travelTime(tt traveltime.Oracle, phase string, delta, depth float64) float64 {
	t, _, ok := tt.TravelTime(phase, delta, depth)
	if !ok {
		return -1
	}
	return t
}

func layout(cfg config.Web) ([]geo.Point, error) {
	switch cfg.Layout {
	case config.LayoutGlobal:
		return globalPoints(cfg.Resolution, cfg.Depths), nil
	case config.LayoutGrid:
		return gridPoints(cfg), nil
	case config.LayoutExplicit:
		out := make([]geo.Point, len(cfg.Nodes))
		for i, n := range cfg.Nodes {
			out[i] = geo.Point{Lat: n.Lat, Lon: n.Lon, Depth: n.Depth}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown layout %q", cfg.Layout)
	}
}

// GlobalNodeCount is the empirical Fibonacci lattice size for a node spacing in
// km, forced odd so the lattice is symmetric about the equator.
func GlobalNodeCount(resolution float64) int {
	n := int(5.0e8 * math.Pow(resolution, -1.965))
	if n%2 == 0 {
		n++
	}
	return n
}

func globalPoints(resolution float64, depths []float64) []geo.Point {
	n := GlobalNodeCount(resolution)
	half := (n - 1) / 2
	phi := (1 + math.Sqrt(5)) / 2

	out := make([]geo.Point, 0, n*len(depths))
	for i := -half; i <= half; i++ {
		lat := math.Asin(float64(2*i)/float64(2*half+1)) * geo.RadToDeg
		lon := geo.NormalizeLon(math.Mod(float64(i), phi) * (360.0 / phi))
		for _, z := range depths {
			out = append(out, geo.Point{Lat: lat, Lon: lon, Depth: z})
		}
	}
	return out
}

func gridPoints(cfg config.Web) []geo.Point {
	latDistance := cfg.Resolution / geo.DegToKm
	lonDistance := latDistance / math.Cos(cfg.Lat*geo.DegToRad)

	lat0 := cfg.Lat + float64(cfg.Rows/2)*latDistance
	lon0 := cfg.Lon - float64(cfg.Cols/2)*lonDistance

	out := make([]geo.Point, 0, cfg.Rows*cfg.Cols*len(cfg.Depths))
	for r := 0; r < cfg.Rows; r++ {
		lat := lat0 - float64(r)*latDistance
		for c := 0; c < cfg.Cols; c++ {
			lon := geo.NormalizeLon(lon0 + float64(c)*lonDistance)
			for _, z := range cfg.Depths {
				out = append(out, geo.Point{Lat: lat, Lon: lon, Depth: z})
			}
		}
	}
	return out
}
