package traveltime

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Table is a tabulated travel-time curve for a set of phases, interpolated
// bilinearly over distance and depth.
type Table struct {
	phases map[string]*grid
	names  []string
}

type grid struct {
	deltas []float64
	depths []float64
	times  [][]float64 // [depth][delta], negative when undefined
}

// LoadTable reads a CSV file with columns phase,distance_deg,depth_km,time_s.
// The distance/depth samples of a phase must form a complete rectangle.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open travel-time table: %w", err)
	}
	defer f.Close()
	return ReadTable(f)
}

func ReadTable(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true

	type sample struct{ delta, depth, t float64 }
	raw := map[string][]sample{}

	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read travel-time table: %w", err)
		}
		line++
		if len(rec) < 4 {
			return nil, fmt.Errorf("travel-time table line %d: want 4 columns, got %d", line, len(rec))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "phase") {
			continue
		}
		var vals [3]float64
		for i := 0; i < 3; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("travel-time table line %d: %w", line, err)
			}
			vals[i] = v
		}
		ph := strings.TrimSpace(rec[0])
		raw[ph] = append(raw[ph], sample{vals[0], vals[1], vals[2]})
	}

	t := &Table{phases: map[string]*grid{}}
	for ph, samples := range raw {
		g := &grid{}
		seenDelta := map[float64]bool{}
		seenDepth := map[float64]bool{}
		for _, s := range samples {
			if !seenDelta[s.delta] {
				seenDelta[s.delta] = true
				g.deltas = append(g.deltas, s.delta)
			}
			if !seenDepth[s.depth] {
				seenDepth[s.depth] = true
				g.depths = append(g.depths, s.depth)
			}
		}
		sort.Float64s(g.deltas)
		sort.Float64s(g.depths)
		if len(g.deltas) < 2 || len(g.depths) < 1 {
			return nil, fmt.Errorf("travel-time table phase %s: need at least two distances", ph)
		}
		g.times = make([][]float64, len(g.depths))
		for i := range g.times {
			g.times[i] = make([]float64, len(g.deltas))
			for j := range g.times[i] {
				g.times[i][j] = -1
			}
		}
		for _, s := range samples {
			i := sort.SearchFloat64s(g.depths, s.depth)
			j := sort.SearchFloat64s(g.deltas, s.delta)
			g.times[i][j] = s.t
		}
		t.phases[ph] = g
		t.names = append(t.names, ph)
	}
	sort.Strings(t.names)
	if len(t.names) == 0 {
		return nil, fmt.Errorf("travel-time table: no phases")
	}
	return t, nil
}

func (t *Table) Phases() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

func (t *Table) TravelTime(phase string, delta, depth float64) (float64, float64, bool) {
	g, ok := t.phases[phase]
	if !ok {
		return -1, 0, false
	}
	tt, ok := g.interp(delta, depth)
	if !ok {
		return -1, 0, false
	}
	// derivative from the bracketing distance samples
	j := bracket(g.deltas, delta)
	d0, d1 := g.deltas[j], g.deltas[j+1]
	t0, ok0 := g.interp(d0, depth)
	t1, ok1 := g.interp(d1, depth)
	if !ok0 || !ok1 || d1 == d0 {
		return tt, 0, true
	}
	return tt, (t1 - t0) / (d1 - d0), true
}

func (g *grid) interp(delta, depth float64) (float64, bool) {
	if delta < g.deltas[0] || delta > g.deltas[len(g.deltas)-1] {
		return -1, false
	}
	if depth < g.depths[0] || depth > g.depths[len(g.depths)-1] {
		return -1, false
	}
	j := bracket(g.deltas, delta)
	fx := (delta - g.deltas[j]) / (g.deltas[j+1] - g.deltas[j])

	if len(g.depths) == 1 {
		return lerp(g.times[0][j], g.times[0][j+1], fx)
	}
	i := bracket(g.depths, depth)
	fz := (depth - g.depths[i]) / (g.depths[i+1] - g.depths[i])

	a, okA := lerp(g.times[i][j], g.times[i][j+1], fx)
	b, okB := lerp(g.times[i+1][j], g.times[i+1][j+1], fx)
	if !okA || !okB {
		return -1, false
	}
	return lerp(a, b, fz)
}

// bracket returns i such that v[i] <= x <= v[i+1], clamped to a valid interval.
func bracket(v []float64, x float64) int {
	i := sort.SearchFloat64s(v, x) - 1
	if i < 0 {
		i = 0
	}
	if i > len(v)-2 {
		i = len(v) - 2
	}
	return i
}

func lerp(a, b, f float64) (float64, bool) {
	if a < 0 || b < 0 || math.IsNaN(a) || math.IsNaN(b) {
		return -1, false
	}
	return a + (b-a)*f, true
}
