// Package sites is the read-mostly station registry keyed by SCNL.
package sites

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/parse"
	"github.com/lox/quakeassoc/internal/registry"
)

type Change int

const (
	Unchanged Change = iota
	Added
	Updated
	Removed
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unchanged"
	}
}

type List struct {
	mu      sync.Mutex // serializes writers
	items   *registry.Bounded[string, models.Site]
	version atomic.Int64
}

func NewList() *List {
	return &List{items: registry.New[string, models.Site](0)}
}

// Load builds a list from a station file.
func Load(path string) (*List, error) {
	l := NewList()
	if _, err := l.LoadFile(path); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadFile merges a station file into the list and reports per-SCNL changes.
func (l *List) LoadFile(path string) (map[string]Change, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station list: %w", err)
	}
	defer f.Close()

	stations, err := parse.ReadStations(f)
	if err != nil {
		return nil, fmt.Errorf("load station list %s: %w", path, err)
	}
	changes := make(map[string]Change, len(stations))
	for _, s := range stations {
		if c := l.Upsert(s); c != Unchanged {
			changes[s.SCNL()] = c
		}
	}
	return changes, nil
}

// ReloadFile replaces the list contents with a station file: new and changed sites
// are upserted and sites missing from the file are removed.
func (l *List) ReloadFile(path string) (map[string]Change, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station list: %w", err)
	}
	defer f.Close()

	stations, err := parse.ReadStations(f)
	if err != nil {
		return nil, fmt.Errorf("load station list %s: %w", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	changes := make(map[string]Change)
	keep := make(map[string]bool, len(stations))
	for _, s := range stations {
		keep[s.SCNL()] = true
		if c := l.upsertLocked(s); c != Unchanged {
			changes[s.SCNL()] = c
		}
	}
	for _, key := range l.items.Keys() {
		if keep[key] {
			continue
		}
		old, _ := l.items.Remove(key)
		l.version.Add(1)
		if usable(old) {
			changes[key] = Removed
		}
	}
	return changes, nil
}

// Upsert adds or replaces a site. A disabled site is reported as Removed so that
// webs drop it.
func (l *List) Upsert(s models.Site) Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertLocked(s)
}

func (l *List) upsertLocked(s models.Site) Change {
	key := s.SCNL()
	old, exists := l.items.Get(key)
	if exists && old == s {
		return Unchanged
	}
	l.items.Put(key, s, 0)
	l.version.Add(1)

	switch {
	case !exists && usable(s):
		return Added
	case !exists:
		return Unchanged
	case usable(old) && !usable(s):
		return Removed
	case !usable(old) && usable(s):
		return Added
	default:
		return Updated
	}
}

func (l *List) Remove(scnl string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.items.Remove(scnl)
	if ok {
		l.version.Add(1)
	}
	return ok
}

// SetEnabled toggles a site's usability flag.
func (l *List) SetEnabled(scnl string, enable bool) Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.items.Get(scnl)
	if !ok {
		return Unchanged
	}
	s.Enable = enable
	return l.upsertLocked(s)
}

func (l *List) Lookup(scnl string) (models.Site, bool) {
	return l.items.Get(scnl)
}

// Usable reports whether scnl is known and enabled.
func (l *List) Usable(scnl string) bool {
	s, ok := l.items.Get(scnl)
	return ok && usable(s)
}

// All returns every site sorted by SCNL.
func (l *List) All() []models.Site {
	out := l.items.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].SCNL() < out[j].SCNL() })
	return out
}

func (l *List) Len() int {
	return l.items.Len()
}

// Version increases on every change.
func (l *List) Version() int64 {
	return l.version.Load()
}

func Point(s models.Site) geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude, Depth: s.Depth()}
}

func usable(s models.Site) bool {
	return s.Enable
}
