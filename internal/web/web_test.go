package web

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/stack"
	"github.com/lox/quakeassoc/internal/synth"
	"github.com/lox/quakeassoc/internal/traveltime"
	"github.com/rs/zerolog"
)

var center = geo.Point{Lat: 36.0, Lon: -97.5, Depth: 10}

func testSites(t *testing.T) *sites.List {
	t.Helper()
	l := sites.NewList()
	for _, s := range synth.Ring("XX", center, []float64{10, 100, 190, 280}, []float64{60, 80, 70, 90}) {
		l.Upsert(s)
	}
	far := synth.Station("FAR", "YY", center, 900, 45)
	l.Upsert(far)
	return l
}

func gridConfig() config.Web {
	return config.Web{
		Name:       "ok",
		Layout:     config.LayoutGrid,
		Phase1:     "P",
		Phase2:     "S",
		Thresh:     2.5,
		Nucleate:   4,
		Detect:     4,
		Resolution: 25,
		Lat:        center.Lat,
		Lon:        center.Lon,
		Rows:       5,
		Cols:       5,
		Depths:     []float64{10},
	}
}

func TestGenerate_Grid(t *testing.T) {
	w, err := Generate(gridConfig(), testSites(t), traveltime.DefaultCrustal())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(w.Nodes()) != 25 {
		t.Fatalf("nodes = %d, want 25", len(w.Nodes()))
	}
	mid := w.Nodes()[12]
	if math.Abs(mid.Lat-center.Lat) > 1e-9 || math.Abs(mid.Lon-center.Lon) > 1e-9 {
		t.Errorf("middle node at %v,%v, want %v,%v", mid.Lat, mid.Lon, center.Lat, center.Lon)
	}
	step := geo.SurfaceKm(w.Nodes()[0].Point(), w.Nodes()[5].Point())
	if math.Abs(step-25) > 0.5 {
		t.Errorf("row spacing = %.2f km, want 25", step)
	}
	for _, n := range w.Nodes() {
		if len(n.Links) != 4 {
			t.Fatalf("node %s has %d links, want 4", n.ID, len(n.Links))
		}
		for i := 1; i < len(n.Links); i++ {
			if n.Links[i].Distance < n.Links[i-1].Distance {
				t.Fatalf("node %s links not sorted by distance", n.ID)
			}
		}
		if _, ok := n.Link("FAR.HHZ.YY.00"); ok {
			t.Fatalf("node %s linked the far station over nearer ones", n.ID)
		}
		if n.Links[0].TT1 <= 0 || n.Links[0].TT2 <= n.Links[0].TT1 {
			t.Fatalf("node %s bad travel times %+v", n.ID, n.Links[0])
		}
	}
	if got := len(w.NodesForSite("S01.HHZ.XX.00")); got != 25 {
		t.Errorf("NodesForSite = %d, want 25", got)
	}
}

func TestGenerate_NetworkFilter(t *testing.T) {
	cfg := gridConfig()
	cfg.Networks = []string{"YY"}
	cfg.Nucleate, cfg.Detect = 1, 4
	w, err := Generate(cfg, testSites(t), traveltime.DefaultCrustal())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if w.HasSite("S01.HHZ.XX.00") {
		t.Error("network filter let XX through")
	}
	if !w.HasSite("FAR.HHZ.YY.00") {
		t.Error("network filter dropped YY")
	}
}

func TestGenerate_NoSites(t *testing.T) {
	w, err := Generate(gridConfig(), sites.NewList(), traveltime.DefaultCrustal())
	if !errors.Is(err, ErrNoSites) {
		t.Fatalf("err = %v, want ErrNoSites", err)
	}
	if w == nil || w.Enabled() || len(w.Nodes()) != 0 {
		t.Errorf("web = %+v, want empty and disabled", w)
	}
}

func TestGenerate_GlobalAndExplicit(t *testing.T) {
	if n := GlobalNodeCount(1000); n%2 != 1 {
		t.Errorf("GlobalNodeCount(1000) = %d, want odd", n)
	}
	cfg := config.Web{Name: "globe", Layout: config.LayoutGlobal, Thresh: 1, Nucleate: 1, Detect: 2,
		Resolution: 1000, Depths: []float64{10, 100}}
	w, err := Generate(cfg, testSites(t), traveltime.NewHomogeneous(map[string]float64{"P": 8}, nil))
	if err != nil {
		t.Fatalf("Generate(global): %v", err)
	}
	if len(w.Nodes()) != 2*GlobalNodeCount(1000) {
		t.Errorf("global nodes = %d, want %d", len(w.Nodes()), 2*GlobalNodeCount(1000))
	}
	for _, n := range w.Nodes() {
		if n.Lat < -90 || n.Lat > 90 || n.Lon < -180 || n.Lon > 180 {
			t.Fatalf("node out of range: %v,%v", n.Lat, n.Lon)
		}
	}

	cfg = config.Web{Name: "pts", Layout: config.LayoutExplicit, Thresh: 1, Nucleate: 1, Detect: 2, Resolution: 50,
		Nodes: []config.NodeEntry{{Lat: 36, Lon: -97.5, Depth: 5}}}
	w, err = Generate(cfg, testSites(t), traveltime.DefaultCrustal())
	if err != nil {
		t.Fatalf("Generate(explicit): %v", err)
	}
	if len(w.Nodes()) != 1 || w.Nodes()[0].Depth != 5 {
		t.Errorf("explicit nodes = %+v", w.Nodes())
	}
}

type pickIndex []models.Pick

func (p pickIndex) SiteRange(scnl string, t0, t1 float64) []models.Pick {
	var out []models.Pick
	for _, pk := range p {
		if pk.SCNL == scnl && pk.Time >= t0 && pk.Time <= t1 {
			out = append(out, pk)
		}
	}
	return out
}

func TestNucleate_FindsEvent(t *testing.T) {
	siteList := testSites(t)
	tt := traveltime.DefaultCrustal()
	w, err := Generate(gridConfig(), siteList, tt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	event := geo.OffsetKm(center, 8, -5)
	event.Depth = 10
	var ring []models.Site
	for _, s := range siteList.All() {
		if s.Network == "XX" {
			ring = append(ring, s)
		}
	}
	ps := pickIndex(synth.Arrivals(ring, event, 1000, tt, "P", "p"))
	np := NucleateParams{Sigma: 1, SDAssociate: 3}

	trig, ok := w.Nucleate(ps[0], ps, nil, np)
	if !ok {
		t.Fatal("expected a trigger")
	}
	if trig.Count != 4 {
		t.Errorf("Count = %d, want 4", trig.Count)
	}
	if d := geo.SurfaceKm(geo.Point{Lat: trig.Lat, Lon: trig.Lon}, event); d > 25 {
		t.Errorf("trigger %.1f km from event, want within one node", d)
	}
	if math.Abs(trig.Time-1000) > 4 {
		t.Errorf("trigger time = %v, want near 1000", trig.Time)
	}

	// with every other pick already taken nothing can nucleate
	taken := func(id string) bool { return id == ps[0].ID }
	if _, ok := w.Nucleate(ps[0], ps, taken, np); ok {
		t.Error("nucleated without enough free picks")
	}
}

func TestWebList_RegeneratesOnSiteChange(t *testing.T) {
	siteList := testSites(t)
	wl := NewWebList(siteList, traveltime.DefaultCrustal(), zerolog.Nop())

	cfg := gridConfig()
	cfg.Update = true
	cfg.SaveGrid = t.TempDir()
	if err := wl.Add(cfg); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.SaveGrid, "ok_gridfile.csv")); err != nil {
		t.Errorf("grid file not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.SaveGrid, "ok_gridstafile.csv")); err != nil {
		t.Errorf("grid station file not written: %v", err)
	}

	c := siteList.SetEnabled("S01.HHZ.XX.00", false)
	names := wl.OnSiteChanges(map[string]sites.Change{"S01.HHZ.XX.00": c})
	if len(names) != 1 || names[0] != "ok" {
		t.Fatalf("regenerated = %v, want [ok]", names)
	}
	w, _ := wl.Get("ok")
	if w.HasSite("S01.HHZ.XX.00") {
		t.Error("disabled site still linked after regeneration")
	}
	if !w.HasSite("FAR.HHZ.YY.00") {
		t.Error("far site should replace the disabled one")
	}
}

func TestNucleate_PrefersStrongerEpoch(t *testing.T) {
	tt := traveltime.DefaultCrustal()
	ring := synth.Ring("XX", center, []float64{0, 72, 144, 216, 288}, []float64{40, 75, 110, 145, 180})
	siteList := sites.NewList()
	for _, s := range ring {
		siteList.Upsert(s)
	}
	cfg := config.Web{Name: "pt", Layout: config.LayoutExplicit, Phase1: "P", Phase2: "S",
		Thresh: 3.5, Nucleate: 4, Detect: 5, Resolution: 12,
		Nodes: []config.NodeEntry{{Lat: center.Lat, Lon: center.Lon, Depth: center.Depth}}}
	w, err := Generate(cfg, siteList, tt)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	node := w.Nodes()[0]
	first, ok := node.Link("S01.HHZ.XX.00")
	if !ok {
		t.Fatal("S01 not linked")
	}

	// the triggering pick is the S arrival at S01 of an event at 1000; three P
	// picks elsewhere fit the P back-projection of the same pick
	const originS = 1000.0
	ps := pickIndex(synth.Arrivals(ring, center, originS, tt, "S", "s"))
	originP := ps[0].Time - first.TT1
	ps = append(ps, synth.Arrivals(ring[1:4], center, originP, tt, "P", "p")...)

	np := NucleateParams{Sigma: 1, SDAssociate: 3}
	sigma := w.Sigma(np.Sigma)
	rP := stack.Evaluate(node.Links, originP, sigma, np.SDAssociate*sigma, ps, nil)
	rS := stack.Evaluate(node.Links, originS, sigma, np.SDAssociate*sigma, ps, nil)
	if rP.Sum < cfg.Thresh || rP.Count < cfg.Nucleate {
		t.Fatalf("P epoch stack = %+v, want it to cross threshold", rP)
	}
	if rS.Sum <= rP.Sum {
		t.Fatalf("S epoch stack %.2f not above P epoch %.2f", rS.Sum, rP.Sum)
	}

	trig, ok := w.Nucleate(ps[0], ps, nil, np)
	if !ok {
		t.Fatal("expected a trigger")
	}
	if math.Abs(trig.Time-originS) > 1e-9 {
		t.Errorf("trigger time = %v, want S epoch %v (P epoch %v)", trig.Time, originS, originP)
	}
	if trig.Count != 5 || math.Abs(trig.Sum-rS.Sum) > 1e-9 {
		t.Errorf("trigger sum %.2f count %d, want %.2f and 5", trig.Sum, trig.Count, rS.Sum)
	}
}
