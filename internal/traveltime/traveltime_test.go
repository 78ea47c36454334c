package traveltime

import (
	"math"
	"strings"
	"testing"
)

func TestHomogeneous_TravelTime(t *testing.T) {
	h := NewHomogeneous(map[string]float64{"P": 6.0}, map[string]float64{"P": 10})

	tt, dtdd, ok := h.TravelTime("P", 0, 12)
	if !ok {
		t.Fatal("expected P at zero distance")
	}
	if math.Abs(tt-2.0) > 1e-9 {
		t.Errorf("tt = %v, want 2.0", tt)
	}
	if dtdd != 0 {
		t.Errorf("dtdd at zero distance = %v, want 0", dtdd)
	}

	if _, _, ok := h.TravelTime("P", 11, 10); ok {
		t.Error("expected no prediction beyond max distance")
	}
	if _, _, ok := h.TravelTime("S", 1, 10); ok {
		t.Error("expected no prediction for unknown phase")
	}
}

func TestHomogeneous_DerivativeMatchesFiniteDifference(t *testing.T) {
	h := DefaultCrustal()
	for _, delta := range []float64{0.1, 0.5, 2.0} {
		_, dtdd, _ := h.TravelTime("P", delta, 10)
		t1, _, _ := h.TravelTime("P", delta-0.001, 10)
		t2, _, _ := h.TravelTime("P", delta+0.001, 10)
		fd := (t2 - t1) / 0.002
		if math.Abs(fd-dtdd) > 1e-4 {
			t.Errorf("delta %v: dtdd = %v, finite difference = %v", delta, dtdd, fd)
		}
	}
}

func TestBest(t *testing.T) {
	h := DefaultCrustal()
	tp, _, _ := h.TravelTime("P", 1.0, 10)
	ts, _, _ := h.TravelTime("S", 1.0, 10)

	ph, res, _, ok := Best(h, []string{"P", "S"}, ts+0.2, 1.0, 10)
	if !ok || ph != "S" {
		t.Fatalf("phase = %q, want S", ph)
	}
	if math.Abs(res-0.2) > 1e-9 {
		t.Errorf("residual = %v, want 0.2", res)
	}

	ph, _, _, _ = Best(h, []string{"P", "S"}, tp-0.1, 1.0, 10)
	if ph != "P" {
		t.Errorf("phase = %q, want P", ph)
	}
}

func TestReadTable_Interpolates(t *testing.T) {
	csv := `phase,distance_deg,depth_km,time_s
P,0,0,0
P,1,0,10
P,0,10,2
P,1,10,12
`
	tab, err := ReadTable(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ReadTable: %v", err)
	}
	tt, dtdd, ok := tab.TravelTime("P", 0.5, 5)
	if !ok {
		t.Fatal("expected interpolated value")
	}
	if math.Abs(tt-6.0) > 1e-9 {
		t.Errorf("tt = %v, want 6", tt)
	}
	if math.Abs(dtdd-10.0) > 1e-9 {
		t.Errorf("dtdd = %v, want 10", dtdd)
	}
	if _, _, ok := tab.TravelTime("P", 2, 5); ok {
		t.Error("expected out-of-range distance to fail")
	}
	if got := tab.Phases(); len(got) != 1 || got[0] != "P" {
		t.Errorf("Phases() = %v, want [P]", got)
	}
}

func TestDepthDerivative(t *testing.T) {
	h := NewHomogeneous(map[string]float64{"P": 5.0}, nil)
	// directly above the source dT/dz approaches 1/v
	d := DepthDerivative(h, "P", 0, 20)
	if math.Abs(d-0.2) > 1e-6 {
		t.Errorf("DepthDerivative = %v, want 0.2", d)
	}
}
