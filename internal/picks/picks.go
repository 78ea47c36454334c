// Package picks holds the bounded, time ordered observation queues.
package picks

import (
	"math"
	"sync"

	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/registry"
)

type Status int

const (
	Added Status = iota
	Duplicate
	Rejected
)

func (s Status) String() string {
	switch s {
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	default:
		return "rejected"
	}
}

// SiteChecker reports whether observations from a site may be used.
type SiteChecker interface {
	Usable(scnl string) bool
}

type Options struct {
	Max             int
	SiteMax         int
	DuplicateWindow float64
	Retention       float64
}

// PickList keeps picks ordered by arrival time with a global and a per-site cap.
type PickList struct {
	mu     sync.Mutex // guards compound insert/evict across the two indexes
	opts   Options
	sites  SiteChecker
	all    *registry.Bounded[string, models.Pick]
	bySite map[string]*registry.Bounded[string, models.Pick]
	latest float64
}

func NewPickList(opts Options, sites SiteChecker) *PickList {
	return &PickList{
		opts:   opts,
		sites:  sites,
		all:    registry.New[string, models.Pick](opts.Max),
		bySite: make(map[string]*registry.Bounded[string, models.Pick]),
	}
}

// Add inserts p unless it is malformed, from an unusable site, or a duplicate of
// a pick on the same site and phase within the duplicate window. Evicted lists
// picks pushed out by capacity.
func (l *PickList) Add(p models.Pick) (Status, []models.Pick) {
	if p.ID == "" || p.SCNL == "" || math.IsNaN(p.Time) || math.IsInf(p.Time, 0) {
		return Rejected, nil
	}
	if l.sites != nil && !l.sites.Usable(p.SCNL) {
		return Rejected, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.all.Get(p.ID); ok {
		return Duplicate, nil
	}

	site := l.bySite[p.SCNL]
	if site == nil {
		site = registry.New[string, models.Pick](l.opts.SiteMax)
		l.bySite[p.SCNL] = site
	}

	w := l.opts.DuplicateWindow
	inserted, siteEvicted := site.InsertUnless(p.ID, p, p.Time, p.Time-w, p.Time+w, func(o models.Pick) bool {
		return o.Phase == p.Phase
	})
	if !inserted {
		return Duplicate, nil
	}

	var evicted []models.Pick
	for _, e := range siteEvicted {
		if e.ID == p.ID {
			return Rejected, nil
		}
		l.all.Remove(e.ID)
		evicted = append(evicted, e)
	}

	_, allEvicted := l.all.Insert(p.ID, p, p.Time)
	self := false
	for _, e := range allEvicted {
		if s := l.bySite[e.SCNL]; s != nil {
			s.Remove(e.ID)
		}
		if e.ID == p.ID {
			self = true
			continue
		}
		evicted = append(evicted, e)
	}
	if self {
		return Rejected, evicted
	}
	if p.Time > l.latest {
		l.latest = p.Time
	}
	return Added, evicted
}

func (l *PickList) Get(id string) (models.Pick, bool) {
	return l.all.Get(id)
}

func (l *PickList) Remove(id string) (models.Pick, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.all.Remove(id)
	if ok {
		if s := l.bySite[p.SCNL]; s != nil {
			s.Remove(id)
		}
	}
	return p, ok
}

// Range returns picks with arrival time in [t0, t1], oldest first.
func (l *PickList) Range(t0, t1 float64) []models.Pick {
	return l.all.Range(t0, t1)
}

// SiteRange returns picks from scnl with arrival time in [t0, t1].
func (l *PickList) SiteRange(scnl string, t0, t1 float64) []models.Pick {
	l.mu.Lock()
	s := l.bySite[scnl]
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.Range(t0, t1)
}

func (l *PickList) Len() int {
	return l.all.Len()
}

// Latest is the newest arrival time accepted so far, used as the data clock.
func (l *PickList) Latest() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Decay removes picks older than now minus the retention window.
func (l *PickList) Decay(now float64) []models.Pick {
	if l.opts.Retention <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	gone := l.all.RemoveBefore(now - l.opts.Retention)
	for _, p := range gone {
		if s := l.bySite[p.SCNL]; s != nil {
			s.Remove(p.ID)
			if s.Len() == 0 {
				delete(l.bySite, p.SCNL)
			}
		}
	}
	return gone
}
