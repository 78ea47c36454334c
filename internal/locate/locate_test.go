package locate

import (
	"math"
	"testing"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/synth"
	"github.com/lox/quakeassoc/internal/traveltime"
)

var center = geo.Point{Lat: 36.0, Lon: -97.5, Depth: 10}

func testParams() Params {
	return Params{
		Sigma:            1,
		Phases:           []string{"P", "S"},
		Resolution:       25,
		SearchRings:      3,
		SearchAzimuths:   8,
		DepthStep:        5,
		DepthSteps:       1,
		TimeStep:         0.5,
		TimeSteps:        2,
		MaxIterations:    50,
		HuberK:           1.5,
		Damping:          1e-3,
		FixDepthGap:      300,
		FixedDepth:       -1,
		ConvergeFraction: 0.1,
		MinDepth:         0,
		MaxDepth:         700,
	}
}

func observations(siteList []models.Site, origin geo.Point, t0 float64, phases ...string) []Observation {
	tt := traveltime.DefaultCrustal()
	byID := make(map[string]models.Site)
	for _, s := range siteList {
		byID[s.SCNL()] = s
	}
	var out []Observation
	for _, ph := range phases {
		for _, p := range synth.Arrivals(siteList, origin, t0, tt, ph, ph) {
			out = append(out, Observation{
				ID:      p.ID,
				SCNL:    p.SCNL,
				Site:    geo.Point{Lat: byID[p.SCNL].Latitude, Lon: byID[p.SCNL].Longitude},
				Time:    p.Time,
				Quality: 1,
				Kind:    "pick",
			})
		}
	}
	return out
}

func ring() []models.Site {
	return synth.Ring("XX", center, []float64{0, 60, 120, 180, 240, 300}, []float64{40, 70, 100, 55, 85, 120})
}

func TestLocate_Converges(t *testing.T) {
	truth := geo.OffsetKm(center, 6, -4)
	truth.Depth = 12
	obs := observations(ring(), truth, 5000, "P", "S")

	start := Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 10, Time: 5001}
	est, d := Locate(start, obs, traveltime.DefaultCrustal(), testParams())

	if h := geo.SurfaceKm(est.Point(), truth); h > 0.5 {
		t.Errorf("epicenter off by %.2f km", h)
	}
	if math.Abs(est.Depth-truth.Depth) > 2 {
		t.Errorf("Depth = %.2f, want %.2f", est.Depth, truth.Depth)
	}
	if math.Abs(est.Time-5000) > 0.2 {
		t.Errorf("Time = %.3f, want 5000", est.Time)
	}
	if !d.Converged {
		t.Error("Converged = false")
	}
	if d.Count != len(obs) {
		t.Errorf("Count = %d, want %d", d.Count, len(obs))
	}
	if d.Bayes < float64(len(obs))-0.5 {
		t.Errorf("Bayes = %.2f, want close to %d", d.Bayes, len(obs))
	}
	if d.Gap > 90 {
		t.Errorf("Gap = %.1f, want < 90 for a ring", d.Gap)
	}
	if d.Displacement < 5 {
		t.Errorf("Displacement = %.2f km, want the distance moved", d.Displacement)
	}
	for _, r := range d.Residuals {
		if r.Phase != r.ID[:1] {
			t.Errorf("pick %s matched as %s", r.ID, r.Phase)
		}
	}
}

func TestLocate_Idempotent(t *testing.T) {
	truth := geo.OffsetKm(center, -5, 7)
	truth.Depth = 8
	obs := observations(ring(), truth, 100, "P", "S")
	tt := traveltime.DefaultCrustal()
	p := testParams()

	est1, d1 := Locate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 10, Time: 100}, obs, tt, p)
	est2, d2 := Locate(est1, obs, tt, p)

	if geo.SurfaceKm(est1.Point(), est2.Point()) > 1e-3 || math.Abs(est1.Depth-est2.Depth) > 1e-3 {
		t.Errorf("second Locate moved %+v -> %+v", est1, est2)
	}
	if math.Abs(est1.Time-est2.Time) > 1e-4 {
		t.Errorf("second Locate shifted time by %g", est2.Time-est1.Time)
	}
	if math.Abs(d1.Bayes-d2.Bayes) > 1e-6 {
		t.Errorf("Bayes changed %v -> %v", d1.Bayes, d2.Bayes)
	}
}

func TestLocate_IdempotentWithNoise(t *testing.T) {
	truth := geo.OffsetKm(center, 4, -6)
	truth.Depth = 12
	obs := observations(ring(), truth, 100, "P", "S")
	jitter := []float64{0.4, -0.3, 0.25, -0.5, 0.1, 0.35, -0.2, 0.45, -0.4, 0.15, -0.1, 0.3}
	for i := range obs {
		obs[i].Time += jitter[i%len(jitter)]
	}
	tt := traveltime.DefaultCrustal()
	p := testParams()

	est, d := Locate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 10, Time: 100}, obs, tt, p)
	if d.StdDev < 0.05 {
		t.Fatalf("StdDev = %.3f, want residuals left by the jitter", d.StdDev)
	}
	for i := range 3 {
		next, nd := Locate(est, obs, tt, p)
		if moved := displacementKm(est, next); moved > 1e-3 {
			t.Errorf("call %d moved %.4f km: %+v -> %+v", i+2, moved, est, next)
		}
		if math.Abs(next.Time-est.Time) > 1e-4 {
			t.Errorf("call %d shifted time by %g", i+2, next.Time-est.Time)
		}
		if math.Abs(nd.Bayes-d.Bayes) > 1e-6 {
			t.Errorf("call %d Bayes %v -> %v", i+2, d.Bayes, nd.Bayes)
		}
		est, d = next, nd
	}
}

func TestLocate_RobustToOutlier(t *testing.T) {
	siteList := synth.Ring("XX", center, []float64{0, 45, 90, 135, 180, 225, 270, 315}, []float64{50, 80})
	truth := geo.OffsetKm(center, 3, 3)
	truth.Depth = 10
	obs := observations(siteList, truth, 0, "P")
	obs[2].Time += 20

	p := testParams()
	p.Phases = []string{"P"}
	est, d := Locate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 10, Time: 0}, obs, traveltime.DefaultCrustal(), p)

	if h := geo.SurfaceKm(est.Point(), truth); h > 3 {
		t.Errorf("outlier dragged epicenter %.2f km", h)
	}
	for i, r := range d.Residuals {
		if i == 2 {
			if r.Residual < 15 {
				t.Errorf("outlier residual = %.2f, want > 15", r.Residual)
			}
			continue
		}
		if math.Abs(r.Residual) > 1 {
			t.Errorf("pick %s residual = %.2f, want < 1", r.ID, r.Residual)
		}
	}
}

func TestLocate_FixesDepth(t *testing.T) {
	// one quadrant only: the gap is about 270 degrees
	siteList := synth.Ring("XX", center, []float64{0, 30, 60, 90}, []float64{50, 60, 70, 80})
	obs := observations(siteList, center, 0, "P")
	tt := traveltime.DefaultCrustal()

	d := Evaluate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 10}, obs, tt, testParams())
	if d.Gap < 260 || d.Gap > 280 {
		t.Fatalf("Gap = %.1f, want about 270", d.Gap)
	}

	p := testParams()
	p.FixDepthGap = 200
	est, ld := Locate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 33, Time: 0}, obs, tt, p)
	if !ld.DepthFixed || est.Depth != 33 {
		t.Errorf("DepthFixed = %v, Depth = %v, want fixed at 33", ld.DepthFixed, est.Depth)
	}

	p.FixedDepth = 5
	est, _ = Locate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: 33, Time: 0}, obs[:3], tt, p)
	if est.Depth != 5 {
		t.Errorf("Depth = %v with three picks, want the fixed depth 5", est.Depth)
	}
}

func TestEvaluate_Stats(t *testing.T) {
	obs := observations(ring(), center, 0, "P")
	obs[0].Time += 1
	obs[1].Time -= 1
	d := Evaluate(Estimate{Lat: center.Lat, Lon: center.Lon, Depth: center.Depth}, obs, traveltime.DefaultCrustal(), testParams())

	if math.Abs(d.SumAbs-2) > 1e-6 {
		t.Errorf("SumAbs = %v, want 2", d.SumAbs)
	}
	if math.Abs(d.Mean) > 1e-6 {
		t.Errorf("Mean = %v, want 0", d.Mean)
	}
	want := math.Sqrt(2.0 / 6)
	if math.Abs(d.StdDev-want) > 1e-6 {
		t.Errorf("StdDev = %v, want %v", d.StdDev, want)
	}
	if math.Abs(d.MinDistance*geo.DegToKm-40) > 0.5 {
		t.Errorf("MinDistance = %.3f deg, want 40 km", d.MinDistance)
	}
}

func TestSolve(t *testing.T) {
	g := [][]float64{{1, 0}, {0, 1}, {1, 1}}
	r := []float64{1, 2, 3}
	x, ok := solve(g, r, []float64{1, 1, 1}, 2, 0)
	if !ok {
		t.Fatal("solve failed")
	}
	if math.Abs(x[0]-1) > 1e-9 || math.Abs(x[1]-2) > 1e-9 {
		t.Errorf("solve = %v, want [1 2]", x)
	}
	if _, ok := solve([][]float64{{1, 1}, {1, 1}}, []float64{1, 1}, []float64{1, 1}, 2, 0); ok {
		t.Error("singular system solved")
	}
}
