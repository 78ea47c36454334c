package picks

import (
	"math"
	"sync"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/registry"
)

type CorrelationOptions struct {
	Max               int
	DuplicateWindow   float64
	DuplicateDistance float64
	Retention         float64
}

// CorrelationList mirrors PickList for cross-correlation detections. Duplicates
// share a site, fall within the time window and have origins within the distance
// window.
type CorrelationList struct {
	mu     sync.Mutex
	opts   CorrelationOptions
	sites  SiteChecker
	items  *registry.Bounded[string, models.Correlation]
	latest float64
}

func NewCorrelationList(opts CorrelationOptions, sites SiteChecker) *CorrelationList {
	return &CorrelationList{
		opts:  opts,
		sites: sites,
		items: registry.New[string, models.Correlation](opts.Max),
	}
}

func (l *CorrelationList) Add(c models.Correlation) (Status, []models.Correlation) {
	if c.ID == "" || c.SCNL == "" || math.IsNaN(c.Time) || math.IsInf(c.Time, 0) || math.IsNaN(c.OriginTime) {
		return Rejected, nil
	}
	if math.Abs(c.Latitude) > 90 || math.Abs(c.Longitude) > 180 {
		return Rejected, nil
	}
	if l.sites != nil && !l.sites.Usable(c.SCNL) {
		return Rejected, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	here := geo.Point{Lat: c.Latitude, Lon: c.Longitude}
	w := l.opts.DuplicateWindow
	inserted, evicted := l.items.InsertUnless(c.ID, c, c.Time, c.Time-w, c.Time+w, func(o models.Correlation) bool {
		if o.SCNL != c.SCNL {
			return false
		}
		return geo.Delta(here, geo.Point{Lat: o.Latitude, Lon: o.Longitude}) <= l.opts.DuplicateDistance
	})
	if !inserted {
		return Duplicate, nil
	}
	out := evicted[:0]
	for _, e := range evicted {
		if e.ID == c.ID {
			return Rejected, nil
		}
		out = append(out, e)
	}
	if c.Time > l.latest {
		l.latest = c.Time
	}
	return Added, out
}

func (l *CorrelationList) Get(id string) (models.Correlation, bool) {
	return l.items.Get(id)
}

func (l *CorrelationList) Remove(id string) (models.Correlation, bool) {
	return l.items.Remove(id)
}

func (l *CorrelationList) Range(t0, t1 float64) []models.Correlation {
	return l.items.Range(t0, t1)
}

func (l *CorrelationList) Len() int {
	return l.items.Len()
}

func (l *CorrelationList) Latest() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

func (l *CorrelationList) Decay(now float64) []models.Correlation {
	if l.opts.Retention <= 0 {
		return nil
	}
	return l.items.RemoveBefore(now - l.opts.Retention)
}
