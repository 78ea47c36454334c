// Package locate refines a hypocenter from a set of arrival observations. Locate is
// a pure function: a coarse grid search that maximizes the stacking statistic,
// and a damped Gauss-Newton descent on Huber-weighted residuals run from both the
// input and the best grid candidate.
package locate

import (
	"math"
	"sort"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/stack"
	"github.com/lox/quakeassoc/internal/traveltime"
)

// Estimate is a hypocenter: position, depth (km) and origin time (epoch seconds).
type Estimate struct {
	Lat   float64
	Lon   float64
	Depth float64
	Time  float64
}

func (e Estimate) Point() geo.Point {
	return geo.Point{Lat: e.Lat, Lon: e.Lon, Depth: e.Depth}
}

// Observation is an arrival at a site; Kind is "pick" or "correlation".
type Observation struct {
	ID      string
	SCNL    string
	Site    geo.Point
	Time    float64
	Quality float64
	Kind    string
}

type Params struct {
	Sigma  float64
	Phases []string

	Resolution       float64
	SearchRadius     float64
	SearchRings      int
	SearchAzimuths   int
	DepthStep        float64
	DepthSteps       int
	TimeStep         float64
	TimeSteps        int
	MaxIterations    int
	HuberK           float64
	Damping          float64
	FixDepthGap      float64
	FixedDepth       float64
	ConvergeFraction float64
	MinDepth         float64
	MaxDepth         float64

	// NoSearch skips the grid search phase.
	NoSearch bool
}

// Residual is one observation evaluated against an estimate.
type Residual struct {
	ID       string
	SCNL     string
	Kind     string
	Phase    string
	Residual float64
	Distance float64 // degrees
	Azimuth  float64 // from event to site
	DTDD     float64
	Valid    bool
}

type Diagnostics struct {
	Bayes        float64
	Converged    bool
	Iterations   int
	Displacement float64 // km between input and output estimate
	DepthFixed   bool

	Mean        float64
	StdDev      float64
	SumAbs      float64
	Gap         float64
	MinDistance float64
	MedDistance float64
	Count       int

	Residuals []Residual
}

const (
	minStepKm   = 1e-6
	minStepTime = 1e-7
)

// Locate returns the refined estimate and the statistics at that estimate.
func Locate(est Estimate, obs []Observation, tt traveltime.Oracle, p Params) (Estimate, Diagnostics) {
	start := est
	fixDepth := false
	if len(obs) < 4 {
		fixDepth = true
	} else if p.FixDepthGap > 0 && Evaluate(est, obs, tt, p).Gap > p.FixDepthGap {
		fixDepth = true
	}
	if fixDepth && p.FixedDepth >= 0 {
		est.Depth = p.FixedDepth
	}
	est.Depth = clamp(est.Depth, p.MinDepth, p.MaxDepth)

	// descend from the input and from the best grid candidate; the input's
	// result stands unless the other stacks strictly higher
	seed := est
	est, iters, converged := descend(seed, obs, tt, p, fixDepth)
	if !p.NoSearch {
		if cand := search(seed, obs, tt, p, fixDepth); cand != seed {
			alt, altIters, altConverged := descend(cand, obs, tt, p, fixDepth)
			base := Bayes(est, obs, tt, p)
			if Bayes(alt, obs, tt, p) > base+1e-9*(1+base) {
				est, iters, converged = alt, altIters, altConverged
			}
		}
	}

	d := Evaluate(est, obs, tt, p)
	d.Converged = converged
	d.Iterations = iters
	d.DepthFixed = fixDepth
	d.Displacement = displacementKm(start, est)
	return est, d
}

// Evaluate computes residual statistics and the Bayes value without moving est.
func Evaluate(est Estimate, obs []Observation, tt traveltime.Oracle, p Params) Diagnostics {
	res := Residuals(est, obs, tt, p.Phases)
	d := Diagnostics{Residuals: res}

	var azimuths, dists, vals []float64
	for i, r := range res {
		if !r.Valid {
			continue
		}
		d.Bayes += quality(obs[i]) * stack.Gauss(r.Residual, p.Sigma)
		d.SumAbs += math.Abs(r.Residual)
		vals = append(vals, r.Residual)
		azimuths = append(azimuths, r.Azimuth)
		dists = append(dists, r.Distance)
	}
	d.Count = len(vals)
	d.Gap = geo.MaxGap(azimuths)
	if len(vals) == 0 {
		return d
	}
	for _, v := range vals {
		d.Mean += v
	}
	d.Mean /= float64(len(vals))
	for _, v := range vals {
		d.StdDev += (v - d.Mean) * (v - d.Mean)
	}
	d.StdDev = math.Sqrt(d.StdDev / float64(len(vals)))

	sort.Float64s(dists)
	d.MinDistance = dists[0]
	d.MedDistance = median(dists)
	return d
}

// Bayes is the stacking statistic of obs at est.
func Bayes(est Estimate, obs []Observation, tt traveltime.Oracle, p Params) float64 {
	total := 0.0
	for i, r := range Residuals(est, obs, tt, p.Phases) {
		if r.Valid {
			total += quality(obs[i]) * stack.Gauss(r.Residual, p.Sigma)
		}
	}
	return total
}

// Gap is the largest azimuthal gap (degrees) of the sites seen from est.
func Gap(est Estimate, obs []Observation) float64 {
	azimuths := make([]float64, len(obs))
	for i, o := range obs {
		azimuths[i] = geo.Azimuth(est.Point(), o.Site)
	}
	return geo.MaxGap(azimuths)
}

// Residuals evaluates each observation against the best fitting phase.
func Residuals(est Estimate, obs []Observation, tt traveltime.Oracle, phases []string) []Residual {
	src := est.Point()
	out := make([]Residual, len(obs))
	for i, o := range obs {
		delta, az := geo.DistanceAzimuth(src, o.Site)
		out[i] = Residual{ID: o.ID, SCNL: o.SCNL, Kind: o.Kind, Distance: delta, Azimuth: az}
		ph, res, dtdd, ok := traveltime.Best(tt, phases, o.Time-est.Time, delta, est.Depth)
		if !ok {
			continue
		}
		out[i].Phase = ph
		out[i].Residual = res
		out[i].DTDD = dtdd
		out[i].Valid = true
	}
	return out
}

// search evaluates a ring pattern of candidate positions, depths and origin times
// around est and returns the one with the largest stack. est wins ties.
func search(est Estimate, obs []Observation, tt traveltime.Oracle, p Params, fixDepth bool) Estimate {
	best := est
	bestScore := Bayes(est, obs, tt, p)

	radius := p.SearchRadius
	if radius <= 0 {
		radius = p.Resolution
	}
	rings, azs := p.SearchRings, p.SearchAzimuths
	if radius <= 0 || rings <= 0 || azs <= 0 {
		return est
	}

	points := []geo.Point{est.Point()}
	for r := 1; r <= rings; r++ {
		dist := radius * float64(r) / float64(rings)
		for k := 0; k < azs; k++ {
			points = append(points, geo.Offset(est.Point(), dist, 360*float64(k)/float64(azs)))
		}
	}
	depths := []float64{est.Depth}
	if !fixDepth && p.DepthStep > 0 {
		for k := 1; k <= p.DepthSteps; k++ {
			for _, z := range []float64{est.Depth - float64(k)*p.DepthStep, est.Depth + float64(k)*p.DepthStep} {
				if z >= p.MinDepth && z <= p.MaxDepth {
					depths = append(depths, z)
				}
			}
		}
	}

	for _, pt := range points {
		for _, z := range depths {
			cand := Estimate{Lat: pt.Lat, Lon: pt.Lon, Depth: z, Time: est.Time}
			cand.Time += medianResidual(cand, obs, tt, p.Phases)
			for k := -p.TimeSteps; k <= p.TimeSteps; k++ {
				c := cand
				c.Time += float64(k) * p.TimeStep
				if s := Bayes(c, obs, tt, p); s > bestScore+1e-12 {
					best, bestScore = c, s
				}
			}
		}
	}
	return best
}

// descend runs damped Gauss-Newton on the Huber norm with phases fixed from the
// starting estimate. It stops when no step improves the norm or the step is
// negligible, and reports whether that happened within MaxIterations.
func descend(est Estimate, obs []Observation, tt traveltime.Oracle, p Params, fixDepth bool) (Estimate, int, bool) {
	phases := make([]string, len(obs))
	for i, r := range Residuals(est, obs, tt, p.Phases) {
		if r.Valid {
			phases[i] = r.Phase
		}
	}
	nParams := 4
	if fixDepth {
		nParams = 3
	}

	cur := est
	curNorm, _ := huberNorm(cur, obs, phases, tt, p)
	for iter := 1; iter <= p.MaxIterations; iter++ {
		rows, res, w := design(cur, obs, phases, tt, p, fixDepth)
		if len(rows) < nParams {
			return cur, iter - 1, true
		}
		step, ok := solve(rows, res, w, nParams, p.Damping)
		if !ok {
			return cur, iter - 1, false
		}

		accepted := false
		for alpha := 1.0; alpha >= 1.0/64; alpha /= 2 {
			cand := apply(cur, step, alpha, fixDepth, p)
			n, valid := huberNorm(cand, obs, phases, tt, p)
			if !valid {
				continue
			}
			if n < curNorm-1e-12*(1+curNorm) {
				if displacementKm(cur, cand) < minStepKm && math.Abs(cand.Time-cur.Time) < minStepTime {
					return cur, iter, true
				}
				cur, curNorm, accepted = cand, n, true
				break
			}
		}
		if !accepted {
			return cur, iter, true
		}
	}
	return cur, p.MaxIterations, false
}

// design builds the rows of the linearized system: d(pred)/d(t0, east, north, z).
func design(est Estimate, obs []Observation, phases []string, tt traveltime.Oracle, p Params, fixDepth bool) ([][]float64, []float64, []float64) {
	src := est.Point()
	var rows [][]float64
	var res, w []float64
	for i, o := range obs {
		if phases[i] == "" {
			continue
		}
		delta, az := geo.DistanceAzimuth(src, o.Site)
		t, dtdd, ok := tt.TravelTime(phases[i], delta, est.Depth)
		if !ok {
			continue
		}
		r := o.Time - (est.Time + t)
		sin, cos := math.Sincos(az * geo.DegToRad)
		row := []float64{1, -dtdd * sin / geo.DegToKm, -dtdd * cos / geo.DegToKm}
		if !fixDepth {
			row = append(row, traveltime.DepthDerivative(tt, phases[i], delta, est.Depth))
		}
		rows = append(rows, row)
		res = append(res, r)
		w = append(w, quality(o)*huberWeight(r/p.Sigma, p.HuberK))
	}
	return rows, res, w
}

func apply(est Estimate, step []float64, alpha float64, fixDepth bool, p Params) Estimate {
	pt := geo.OffsetKm(est.Point(), alpha*step[1], alpha*step[2])
	out := Estimate{Lat: pt.Lat, Lon: pt.Lon, Depth: est.Depth, Time: est.Time + alpha*step[0]}
	if !fixDepth {
		out.Depth = clamp(est.Depth+alpha*step[3], p.MinDepth, p.MaxDepth)
	}
	return out
}

func huberNorm(est Estimate, obs []Observation, phases []string, tt traveltime.Oracle, p Params) (float64, bool) {
	src := est.Point()
	total := 0.0
	for i, o := range obs {
		if phases[i] == "" {
			continue
		}
		t, _, ok := tt.TravelTime(phases[i], geo.Delta(src, o.Site), est.Depth)
		if !ok {
			return 0, false
		}
		total += quality(o) * huberRho((o.Time-est.Time-t)/p.Sigma, p.HuberK)
	}
	return total, true
}

func huberRho(u, k float64) float64 {
	a := math.Abs(u)
	if a <= k {
		return 0.5 * u * u
	}
	return k*a - 0.5*k*k
}

func huberWeight(u, k float64) float64 {
	a := math.Abs(u)
	if a <= k {
		return 1
	}
	return k / a
}

// medianResidual is the median residual of obs at est; shifting the origin time
// by it centres the residuals.
func medianResidual(est Estimate, obs []Observation, tt traveltime.Oracle, phases []string) float64 {
	var vals []float64
	for _, r := range Residuals(est, obs, tt, phases) {
		if r.Valid {
			vals = append(vals, r.Residual)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return median(vals)
}

func displacementKm(a, b Estimate) float64 {
	h := geo.SurfaceKm(a.Point(), b.Point())
	return math.Hypot(h, b.Depth-a.Depth)
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func quality(o Observation) float64 {
	if o.Quality <= 0 {
		return 1
	}
	return o.Quality
}

func clamp(v, lo, hi float64) float64 {
	if hi > lo {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
	}
	return v
}
