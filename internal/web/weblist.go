package web

import (
	"errors"
	"fmt"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/metrics"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/registry"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/stack"
	"github.com/lox/quakeassoc/internal/traveltime"
	"github.com/rs/zerolog"
)

// WebList holds the webs by name. Regenerated webs are swapped in atomically so
// nucleation always sees a complete web.
type WebList struct {
	webs   *registry.Bounded[string, *Web]
	sites  *sites.List
	tt     traveltime.Oracle
	logger zerolog.Logger
}

func NewWebList(siteList *sites.List, tt traveltime.Oracle, logger zerolog.Logger) *WebList {
	return &WebList{
		webs:   registry.New[string, *Web](0),
		sites:  siteList,
		tt:     tt,
		logger: logger,
	}
}

// Add generates a web and stores it. A web without usable sites is stored
// disabled and the ErrNoSites error is returned for reporting.
func (wl *WebList) Add(cfg config.Web) error {
	w, err := Generate(cfg, wl.sites, wl.tt)
	if w == nil {
		metrics.WebGenerations.WithLabelValues(cfg.Name, "error").Inc()
		return err
	}
	wl.webs.Put(w.Name(), w, 0)
	if err != nil {
		metrics.WebGenerations.WithLabelValues(w.Name(), "disabled").Inc()
		wl.logger.Warn().Err(err).Str("web", w.Name()).Msg("web generated disabled")
		return err
	}
	metrics.WebGenerations.WithLabelValues(w.Name(), "ok").Inc()
	wl.logger.Info().Str("web", w.Name()).Int("nodes", len(w.nodes)).
		Int("sites", len(w.bySite)).Float64("resolution", w.Resolution()).Msg("web generated")
	if w.cfg.SaveGrid != "" {
		if err := w.SaveGrid(w.cfg.SaveGrid, wl.sites); err != nil {
			wl.logger.Warn().Err(err).Str("web", w.Name()).Msg("save grid failed")
		}
	}
	return nil
}

func (wl *WebList) Remove(name string) bool {
	_, ok := wl.webs.Remove(name)
	return ok
}

func (wl *WebList) Get(name string) (*Web, bool) {
	return wl.webs.Get(name)
}

func (wl *WebList) All() []*Web {
	return wl.webs.Values()
}

func (wl *WebList) Len() int {
	return wl.webs.Len()
}

// HasSite reports whether any web links scnl.
func (wl *WebList) HasSite(scnl string) bool {
	for _, w := range wl.webs.Values() {
		if w.HasSite(scnl) {
			return true
		}
	}
	return false
}

// OnSiteChanges regenerates every web with Update set that links a changed site
// or would accept it. It returns the names of regenerated webs.
func (wl *WebList) OnSiteChanges(changes map[string]sites.Change) []string {
	var regenerated []string
	for _, w := range wl.webs.Values() {
		if !w.cfg.Update || !wl.affected(w, changes) {
			continue
		}
		if err := wl.Add(w.cfg); err != nil && !errors.Is(err, ErrNoSites) {
			wl.logger.Error().Err(err).Str("web", w.Name()).Msg("web regeneration failed")
			continue
		}
		regenerated = append(regenerated, w.Name())
	}
	return regenerated
}

func (wl *WebList) affected(w *Web, changes map[string]sites.Change) bool {
	for scnl := range changes {
		if w.HasSite(scnl) {
			return true
		}
		if s, ok := wl.sites.Lookup(scnl); ok && w.Accepts(s) {
			return true
		}
	}
	return false
}

// Nucleate returns at most one trigger per web, the best of that web.
func (wl *WebList) Nucleate(p models.Pick, src stack.PickSource, free stack.Free, np NucleateParams) []stack.Trigger {
	var out []stack.Trigger
	for _, w := range wl.webs.Values() {
		if t, ok := w.Nucleate(p, src, free, np); ok {
			out = append(out, t)
		}
	}
	return out
}

// Describe summarizes a web for status output.
func (w *Web) Describe() string {
	return fmt.Sprintf("%s layout=%s nodes=%d sites=%d resolution=%.1fkm enabled=%t",
		w.cfg.Name, w.cfg.Layout, len(w.nodes), len(w.bySite), w.cfg.Resolution, w.enabled)
}
