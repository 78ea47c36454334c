package picks

import (
	"fmt"
	"sync"
	"testing"

	"github.com/lox/quakeassoc/internal/models"
)

type allowSites map[string]bool

func (a allowSites) Usable(scnl string) bool { return a[scnl] }

func pick(id, scnl, phase string, t float64) models.Pick {
	return models.Pick{ID: id, SCNL: scnl, Phase: phase, Time: t}
}

func TestPickList_Duplicates(t *testing.T) {
	l := NewPickList(Options{Max: 100, SiteMax: 10, DuplicateWindow: 2.5}, allowSites{"AAA.XX": true})

	if st, _ := l.Add(pick("1", "AAA.XX", "P", 100)); st != Added {
		t.Fatalf("Add = %v, want added", st)
	}
	tests := []struct {
		name string
		p    models.Pick
		want Status
	}{
		{"same id", pick("1", "AAA.XX", "P", 500), Duplicate},
		{"inside window", pick("2", "AAA.XX", "P", 102), Duplicate},
		{"other phase", pick("3", "AAA.XX", "S", 101), Added},
		{"outside window", pick("4", "AAA.XX", "P", 103), Added},
		{"unknown site", pick("5", "BBB.XX", "P", 100), Rejected},
		{"no id", pick("", "AAA.XX", "P", 200), Rejected},
	}
	for _, tt := range tests {
		before := l.Len()
		st, _ := l.Add(tt.p)
		if st != tt.want {
			t.Errorf("%s: Add = %v, want %v", tt.name, st, tt.want)
		}
		if st != Added && l.Len() != before {
			t.Errorf("%s: Len changed from %d to %d", tt.name, before, l.Len())
		}
	}
}

func TestPickList_SiteCapEvictsSiteOldest(t *testing.T) {
	sites := allowSites{"AAA.XX": true, "BBB.XX": true}
	l := NewPickList(Options{Max: 100, SiteMax: 2}, sites)

	l.Add(pick("b0", "BBB.XX", "P", 1))
	l.Add(pick("a1", "AAA.XX", "P", 10))
	l.Add(pick("a2", "AAA.XX", "P", 20))
	st, ev := l.Add(pick("a3", "AAA.XX", "P", 30))
	if st != Added {
		t.Fatalf("Add = %v", st)
	}
	if len(ev) != 1 || ev[0].ID != "a1" {
		t.Errorf("evicted = %v, want a1", ev)
	}
	if _, ok := l.Get("b0"); !ok {
		t.Error("other site's older pick was evicted")
	}
	if got := l.SiteRange("AAA.XX", 0, 100); len(got) != 2 {
		t.Errorf("SiteRange = %d picks, want 2", len(got))
	}
}

func TestPickList_GlobalCapConcurrent(t *testing.T) {
	sites := allowSites{}
	for s := 0; s < 8; s++ {
		sites[fmt.Sprintf("S%d.XX", s)] = true
	}
	const max = 100
	l := NewPickList(Options{Max: max, SiteMax: 1000}, sites)

	var wg sync.WaitGroup
	var mu sync.Mutex
	evicted := map[string]bool{}
	for s := 0; s < 8; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tm := float64(i*8 + s)
				_, ev := l.Add(pick(fmt.Sprintf("%d-%d", s, i), fmt.Sprintf("S%d.XX", s), "P", tm))
				mu.Lock()
				for _, e := range ev {
					evicted[e.ID] = true
				}
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if l.Len() != max {
		t.Fatalf("Len() = %d, want %d", l.Len(), max)
	}
	// the survivors are exactly the newest max arrival times
	for _, p := range l.Range(0, 1e9) {
		if p.Time < 400-max {
			t.Errorf("pick %s at %v survived, older than the newest %d", p.ID, p.Time, max)
		}
	}
	for s := 0; s < 8; s++ {
		got := len(l.SiteRange(fmt.Sprintf("S%d.XX", s), 0, 1e9))
		if got != max/8 && got != max/8+1 {
			t.Errorf("site %d holds %d picks, site index out of step with global list", s, got)
		}
	}
}

func TestPickList_Decay(t *testing.T) {
	l := NewPickList(Options{Max: 10, SiteMax: 10, Retention: 60}, allowSites{"AAA.XX": true})
	l.Add(pick("1", "AAA.XX", "P", 0))
	l.Add(pick("2", "AAA.XX", "P", 50))
	l.Add(pick("3", "AAA.XX", "P", 100))

	if l.Latest() != 100 {
		t.Errorf("Latest() = %v, want 100", l.Latest())
	}
	gone := l.Decay(l.Latest())
	if len(gone) != 1 || gone[0].ID != "1" {
		t.Errorf("Decay removed %v, want [1]", gone)
	}
	if len(l.SiteRange("AAA.XX", -10, 10)) != 0 {
		t.Error("site index still holds decayed pick")
	}
}

func TestCorrelationList(t *testing.T) {
	l := NewCorrelationList(CorrelationOptions{Max: 2, DuplicateWindow: 2.5, DuplicateDistance: 0.5}, nil)
	c := models.Correlation{ID: "c1", SCNL: "AAA.XX", Time: 100, OriginTime: 90, Latitude: 36, Longitude: -97}

	if st, _ := l.Add(c); st != Added {
		t.Fatalf("Add = %v", st)
	}
	near := c
	near.ID, near.Time, near.Latitude = "c2", 101, 36.1
	if st, _ := l.Add(near); st != Duplicate {
		t.Errorf("near Add = %v, want duplicate", st)
	}
	far := near
	far.ID, far.Latitude = "c3", 38
	if st, _ := l.Add(far); st != Added {
		t.Errorf("far Add = %v, want added", st)
	}
	later := c
	later.ID, later.Time = "c4", 200
	st, ev := l.Add(later)
	if st != Added || len(ev) != 1 || ev[0].ID != "c1" {
		t.Errorf("Add = %v, evicted %v, want c1 evicted", st, ev)
	}
	bad := c
	bad.ID, bad.Latitude = "c5", 95
	if st, _ := l.Add(bad); st != Rejected {
		t.Errorf("bad latitude Add = %v, want rejected", st)
	}
}
