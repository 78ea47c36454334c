// Package traveltime provides travel-time oracles: given a phase, an epicentral
// distance in degrees and a source depth in kilometres, return the predicted travel
// time in seconds and its derivative with respect to distance (seconds per degree).
package traveltime

import (
	"fmt"
	"math"
	"sort"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/geo"
)

type Oracle interface {
	TravelTime(phase string, delta, depth float64) (t, dtdd float64, ok bool)
	Phases() []string
}

// Homogeneous is a straight-ray constant-velocity model per phase.
type Homogeneous struct {
	velocity map[string]float64
	maxDelta map[string]float64
	phases   []string
}

// NewHomogeneous builds a model from phase velocities in km/s. maxDelta limits the
// distance (degrees) at which a phase is predicted; zero means unlimited.
func NewHomogeneous(velocities map[string]float64, maxDelta map[string]float64) *Homogeneous {
	h := &Homogeneous{
		velocity: make(map[string]float64, len(velocities)),
		maxDelta: make(map[string]float64, len(maxDelta)),
	}
	for ph, v := range velocities {
		if v <= 0 {
			continue
		}
		h.velocity[ph] = v
		h.phases = append(h.phases, ph)
	}
	for ph, d := range maxDelta {
		h.maxDelta[ph] = d
	}
	sort.Strings(h.phases)
	return h
}

// DefaultCrustal is a single-layer crustal model with P at 6.0 km/s and S at 3.46 km/s.
func DefaultCrustal() *Homogeneous {
	return NewHomogeneous(
		map[string]float64{"P": 6.0, "S": 3.46},
		map[string]float64{"P": 20, "S": 15},
	)
}

func (h *Homogeneous) Phases() []string {
	out := make([]string, len(h.phases))
	copy(out, h.phases)
	return out
}

func (h *Homogeneous) TravelTime(phase string, delta, depth float64) (float64, float64, bool) {
	v, ok := h.velocity[phase]
	if !ok || delta < 0 {
		return -1, 0, false
	}
	if max := h.maxDelta[phase]; max > 0 && delta > max {
		return -1, 0, false
	}
	x := delta * geo.DegToKm
	r := math.Hypot(x, depth)
	t := r / v
	if r == 0 {
		return t, 0, true
	}
	dtdd := x * geo.DegToKm / (v * r)
	return t, dtdd, true
}

// DepthDerivative returns dT/dz (s/km) by central difference.
func DepthDerivative(o Oracle, phase string, delta, depth float64) float64 {
	const h = 0.5
	lo := depth - h
	if lo < 0 {
		lo = 0
	}
	hi := depth + h
	t1, _, ok1 := o.TravelTime(phase, delta, lo)
	t2, _, ok2 := o.TravelTime(phase, delta, hi)
	if !ok1 || !ok2 {
		return 0
	}
	return (t2 - t1) / (hi - lo)
}

// Best returns the phase among phases whose predicted arrival best matches the
// observed travel time, with its residual (observed minus predicted).
func Best(o Oracle, phases []string, observed, delta, depth float64) (phase string, residual, dtdd float64, ok bool) {
	bestAbs := math.Inf(1)
	for _, ph := range phases {
		t, d, good := o.TravelTime(ph, delta, depth)
		if !good {
			continue
		}
		res := observed - t
		if math.Abs(res) < bestAbs {
			bestAbs = math.Abs(res)
			phase, residual, dtdd, ok = ph, res, d, true
		}
	}
	return phase, residual, dtdd, ok
}

// FromConfig builds the oracle named by cfg.Model.
func FromConfig(cfg config.TravelTime) (Oracle, error) {
	switch cfg.Model {
	case "", "homogeneous":
		vel := map[string]float64{"P": cfg.VelocityP}
		maxDelta := map[string]float64{"P": cfg.MaxDeltaP}
		if cfg.VelocityS > 0 {
			vel["S"] = cfg.VelocityS
			maxDelta["S"] = cfg.MaxDeltaS
		}
		return NewHomogeneous(vel, maxDelta), nil
	case "table":
		t, err := LoadTable(cfg.Table)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown travel-time model %q", cfg.Model)
	}
}
