package stack

import (
	"math"
	"testing"

	"github.com/lox/quakeassoc/internal/models"
)

type sitePicks map[string][]models.Pick

func (s sitePicks) SiteRange(scnl string, t0, t1 float64) []models.Pick {
	var out []models.Pick
	for _, p := range s[scnl] {
		if p.Time >= t0 && p.Time <= t1 {
			out = append(out, p)
		}
	}
	return out
}

func TestGauss(t *testing.T) {
	if got := Gauss(0, 1); got != 1 {
		t.Errorf("Gauss(0,1) = %v, want 1", got)
	}
	if got := Gauss(1, 1); math.Abs(got-math.Exp(-0.5)) > 1e-12 {
		t.Errorf("Gauss(1,1) = %v", got)
	}
	if Gauss(1, 0) != 0 || Laplace(1, 0) != 0 {
		t.Error("zero sigma should give zero significance")
	}
	if Gauss(-2, 1) != Gauss(2, 1) {
		t.Error("Gauss should be symmetric")
	}
	if got := Laplace(2, 2); math.Abs(got-math.Exp(-1)) > 1e-12 {
		t.Errorf("Laplace(2,2) = %v", got)
	}
}

func TestEvaluate(t *testing.T) {
	src := sitePicks{
		"A": {{ID: "a1", Time: 110}, {ID: "a2", Time: 111}},
		"B": {{ID: "b1", Time: 120.5}},
		"C": {{ID: "c1", Time: 200}},
		"D": {{ID: "d1", Time: 118}},
	}
	links := []Link{
		{SCNL: "A", Quality: 1, TT1: 10, TT2: -1},
		{SCNL: "B", Quality: 0.5, TT1: 20, TT2: -1},
		{SCNL: "C", Quality: 1, TT1: 30, TT2: -1},
		{SCNL: "D", Quality: 1, TT1: 40, TT2: 18},
	}
	r := Evaluate(links, 100, 1, 3, src, nil)
	want := 1 + 0.5*Gauss(0.5, 1) + 1
	if math.Abs(r.Sum-want) > 1e-12 {
		t.Errorf("Sum = %v, want %v", r.Sum, want)
	}
	if r.Count != 3 {
		t.Errorf("Count = %d, want 3", r.Count)
	}
	if len(r.PickIDs) != 3 || r.PickIDs[0] != "a1" || r.PickIDs[2] != "d1" {
		t.Errorf("PickIDs = %v", r.PickIDs)
	}

	// associated picks are skipped
	r = Evaluate(links, 100, 1, 3, src, func(id string) bool { return id != "a1" })
	if r.PickIDs[0] != "a2" {
		t.Errorf("PickIDs[0] = %q, want a2", r.PickIDs[0])
	}
}

func TestBetter(t *testing.T) {
	a := Trigger{Sum: 5, Time: 10}
	b := Trigger{Sum: 4, Time: 5}
	if !Better(a, b) || Better(b, a) {
		t.Error("higher sum should win")
	}
	c := Trigger{Sum: 5, Time: 9}
	if !Better(c, a) {
		t.Error("equal sum should go to the earlier epoch")
	}
}
