package hypo

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/locate"
	"github.com/lox/quakeassoc/internal/metrics"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/traveltime"
)

// Process runs one refinement pass for the hypo with the given ID. Unknown and
// canceled hypos are a no-op.
func (l *List) Process(id string) {
	h, ok := l.hypos.Get(id)
	if !ok {
		return
	}
	l.process(h)
}

func (l *List) process(h *Hypo) {
	h.proc.Lock()
	defer h.proc.Unlock()
	if h.Canceled() {
		return
	}
	h.transition(Nucleated, Refining)

	limit := l.glass.CycleLimit
	if limit < 1 {
		limit = 1
	}
	stable := false
	for pass := 0; pass < limit; pass++ {
		if h.Canceled() {
			return
		}
		gained := l.scavenge(h)
		if gained > 0 {
			h.resetCycles()
		}
		if h.Fixed() || !h.spendCycle(limit) {
			l.refresh(h)
		} else {
			l.relocate(h)
		}
		pruned := l.prune(h)
		if pruned > 0 {
			l.refresh(h)
		}
		if gained == 0 && pruned == 0 {
			if h.Converged() || h.Fixed() {
				stable = true
				break
			}
			if h.exhausted(limit) {
				break
			}
		}
	}

	h.mu.Lock()
	h.processed++
	if !stable {
		// cycle budget spent: keep the last location, flagged unconverged
		h.converged = false
	}
	h.updatedAt = time.Now()
	h.mu.Unlock()

	if reason := l.viability(h); reason != "" {
		l.cancel(h, reason)
		return
	}
	if l.merge(h) {
		return
	}
	l.report(h)
}

// scavenge claims unassociated or weaker-held observations that fit h.
func (l *List) scavenge(h *Hypo) int {
	est := h.Estimate()
	slack := l.glass.SDAssociate * l.glass.Sigma
	lo, hi := est.Time-slack, est.Time+l.reach+slack

	used := l.usedPhases(h)
	gained := 0
	for _, p := range l.src.Picks.Range(lo, hi) {
		if l.claim(h, Ref{Kind: KindPick, ID: p.ID}, p.SCNL, p.Time, nil, used) {
			gained++
		}
	}
	if l.src.Correlations != nil {
		for _, c := range l.src.Correlations.Range(lo, hi) {
			if l.claim(h, Ref{Kind: KindCorrelation, ID: c.ID}, c.SCNL, c.Time, &c, used) {
				gained++
			}
		}
	}
	return gained
}

// claim attaches ref to h if free, or steals it when h's affinity is strictly
// higher than the current owner's.
func (l *List) claim(h *Hypo, ref Ref, scnl string, t float64, c *models.Correlation, used map[string]bool) bool {
	owner, owned := l.ledger.Owner(ref)
	if owned && owner == h.ID {
		return false
	}
	site, ok := l.src.Sites.Lookup(scnl)
	if !ok || !site.Enable {
		return false
	}
	if c != nil && !l.correlationMatches(h, *c) {
		return false
	}
	a, ok := l.affinity(h, site, t)
	if !ok {
		return false
	}
	key := scnl + "|" + l.phaseOf(h, site, t)
	if used[key] {
		return false
	}

	if !owned {
		if !l.ledger.Attach(ref, h.ID) {
			return false
		}
	} else {
		if other, ok := l.hypos.Get(owner); ok && !other.Canceled() {
			if b, ok := l.affinity(other, site, t); ok && a <= b {
				return false
			}
		}
		if !l.ledger.Move(ref, owner, h.ID) {
			return false
		}
		metrics.PicksStolen.Inc()
		l.Push(owner)
	}
	used[key] = true
	return true
}

// usedPhases marks site and phase pairs h already holds so a site contributes
// one arrival per phase.
func (l *List) usedPhases(h *Hypo) map[string]bool {
	obs, _ := l.observations(h)
	used := make(map[string]bool, len(obs))
	for _, r := range locate.Residuals(h.Estimate(), obs, l.src.TT, h.Phases) {
		if r.Valid {
			used[r.SCNL+"|"+r.Phase] = true
		}
	}
	return used
}

func (l *List) phaseOf(h *Hypo, site models.Site, t float64) string {
	est := h.Estimate()
	delta := geo.Delta(est.Point(), sites.Point(site))
	ph, _, _, _ := traveltime.Best(l.src.TT, h.Phases, t-est.Time, delta, est.Depth)
	return ph
}

func (l *List) relocate(h *Hypo) {
	obs, _ := l.observations(h)
	if len(obs) == 0 {
		h.mu.Lock()
		h.diag = locate.Diagnostics{Gap: 360}
		h.converged = false
		h.mu.Unlock()
		return
	}
	start := time.Now()
	next, d := locate.Locate(h.Estimate(), obs, l.src.TT, l.params(h))
	metrics.LocateDuration.Observe(time.Since(start).Seconds())

	h.mu.Lock()
	h.est = next
	h.diag = d
	h.converged = d.Converged && d.Displacement <= h.Resolution*l.locator.ConvergeFraction
	h.mu.Unlock()
	l.hypos.Reorder(h.ID, next.Time)
}

// refresh recomputes the statistics without moving h.
func (l *List) refresh(h *Hypo) {
	obs, _ := l.observations(h)
	d := locate.Evaluate(h.Estimate(), obs, l.src.TT, l.params(h))
	h.mu.Lock()
	h.diag = d
	h.mu.Unlock()
}

// prune detaches observations whose residual exceeds the cut or that lie beyond
// the association distance.
func (l *List) prune(h *Hypo) int {
	obs, refs := l.observations(h)
	if len(obs) == 0 {
		return 0
	}
	d := locate.Evaluate(h.Estimate(), obs, l.src.TT, l.params(h))
	cut := residualCut(d.StdDev, l.glass)
	n := 0
	for i, r := range d.Residuals {
		if r.Valid && math.Abs(r.Residual) <= cut && r.Distance <= l.glass.MaxAssociationDistance {
			continue
		}
		if l.ledger.Detach(refs[i], h.ID) {
			metrics.PicksPruned.Inc()
			l.logger.Debug().Str("hypo", h.ID).Str(refs[i].Kind.String(), refs[i].ID).
				Float64("residual", r.Residual).Float64("cut", cut).Msg("pruned")
			n++
		}
	}
	return n
}

// residualCut is CutFactor standard deviations, no less than CutMin and no more
// than CutPercentage of the association window.
func residualCut(std float64, g config.Glass) float64 {
	cut := g.CutFactor * std
	if cut < g.CutMin {
		cut = g.CutMin
	}
	if max := g.CutPercentage * g.AssociationWindow; max > 0 && cut > max {
		cut = max
	}
	return cut
}

// viability returns the cancel reason, or "" when h may live on. Hypos seeded
// from a correlation or detection are kept until CorrelationCancelAge.
func (l *List) viability(h *Hypo) string {
	if h.Seed != SeedTrigger && l.Now()-h.Created < l.glass.CorrelationCancelAge {
		return ""
	}
	if l.ledger.Count(h.ID) < h.Nucleate {
		return "data"
	}
	if h.Diagnostics().Bayes < h.Thresh {
		return "fitness"
	}
	return ""
}

// merge folds h and any hypo within the merge windows together when the union
// fits at least as well as the better of the two. The lower fitness hypo is the
// donor. It reports whether h itself was merged away.
func (l *List) merge(h *Hypo) bool {
	est := h.Estimate()
	for _, o := range l.hypos.Range(est.Time-l.glass.MergeTimeWindow, est.Time+l.glass.MergeTimeWindow) {
		if o == h || o.Canceled() {
			continue
		}
		if geo.Delta(est.Point(), o.Estimate().Point()) > l.glass.MergeDistanceWindow {
			continue
		}
		hb, ob := h.Diagnostics().Bayes, o.Diagnostics().Bayes
		survivor, donor := h, o
		if ob > hb || (ob == hb && o.ID < h.ID) {
			survivor, donor = o, h
		}

		hobs, _ := l.observations(h)
		oobs, _ := l.observations(o)
		_, trial := locate.Locate(survivor.Estimate(), append(hobs, oobs...), l.src.TT, l.params(survivor))
		if trial.Bayes < math.Max(hb, ob) {
			continue
		}
		moved, err := l.ledger.Transfer(donor.ID, survivor.ID, l.Now())
		if err != nil {
			continue
		}
		if len(moved) > 0 {
			survivor.resetCycles()
		}
		l.cancel(donor, "merged")
		l.logger.Debug().Str("survivor", survivor.ID).Str("donor", donor.ID).Int("moved", len(moved)).Msg("hypos merged")
		l.Push(survivor.ID)
		if donor == h {
			return true
		}
	}
	return false
}

// report emits h when it has enough data and fitness and its content changed
// since the last report.
func (l *List) report(h *Hypo) {
	if h.Canceled() || l.ledger.Count(h.ID) < l.glass.ReportCut || h.Diagnostics().Bayes < l.glass.ReportThresh {
		return
	}
	ev := l.event(h)
	sig := signature(ev)

	h.mu.Lock()
	if sig == h.reportedSig {
		h.mu.Unlock()
		return
	}
	h.reportedSig = sig
	h.version++
	h.reports++
	ev.Version = h.version
	h.mu.Unlock()

	h.transition(Refining, Reported)
	metrics.HyposReported.Inc()
	l.logger.Info().Str("hypo", h.ID).Int("version", ev.Version).
		Float64("lat", ev.Latitude).Float64("lon", ev.Longitude).Float64("depth", ev.Depth).
		Str("origin", ev.OriginTimeUTC().Format(time.RFC3339Nano)).Int("picks", ev.PickCount).
		Float64("bayes", ev.Bayes).Float64("gap", ev.Gap).Bool("converged", ev.Converged).Msg("event reported")
	if l.notify != nil {
		l.notify.Reported(ev)
	}
}

// Event builds the report for a hypo as it stands.
func (l *List) Event(id string) (models.Event, bool) {
	h, ok := l.hypos.Get(id)
	if !ok {
		return models.Event{}, false
	}
	return l.event(h), true
}

func (l *List) event(h *Hypo) models.Event {
	obs, _ := l.observations(h)
	est := h.Estimate()
	d := locate.Evaluate(est, obs, l.src.TT, l.params(h))

	h.mu.RLock()
	ev := models.Event{
		ID:          h.ID,
		Web:         h.Web,
		Latitude:    est.Lat,
		Longitude:   est.Lon,
		Depth:       est.Depth,
		OriginTime:  est.Time,
		Bayes:       d.Bayes,
		Gap:         d.Gap,
		MinDistance: d.MinDistance,
		MedDistance: d.MedDistance,
		ResidualStd: d.StdDev,
		SumAbsRes:   d.SumAbs,
		PickCount:   len(obs),
		Converged:   h.converged,
		Version:     h.version,
		ReportedAt:  time.Now().UTC(),
	}
	h.mu.RUnlock()

	for i, r := range d.Residuals {
		ev.Picks = append(ev.Picks, models.EventPick{
			ID:       r.ID,
			SCNL:     r.SCNL,
			Phase:    r.Phase,
			Time:     obs[i].Time,
			Residual: r.Residual,
			Distance: r.Distance,
			Azimuth:  r.Azimuth,
			Kind:     r.Kind,
		})
	}
	return ev
}

// observations resolves the members of h. Members whose observation or site is
// gone are detached.
func (l *List) observations(h *Hypo) ([]locate.Observation, []Ref) {
	refs := l.ledger.Members(h.ID)
	obs := make([]locate.Observation, 0, len(refs))
	kept := refs[:0]
	for _, r := range refs {
		var scnl string
		var t float64
		switch r.Kind {
		case KindPick:
			p, ok := l.src.Picks.Get(r.ID)
			if !ok {
				l.ledger.Detach(r, h.ID)
				continue
			}
			scnl, t = p.SCNL, p.Time
		case KindCorrelation:
			if l.src.Correlations == nil {
				continue
			}
			c, ok := l.src.Correlations.Get(r.ID)
			if !ok {
				l.ledger.Detach(r, h.ID)
				continue
			}
			scnl, t = c.SCNL, c.Time
		}
		site, ok := l.src.Sites.Lookup(scnl)
		if !ok || !site.Enable {
			l.ledger.Detach(r, h.ID)
			continue
		}
		obs = append(obs, locate.Observation{
			ID:      r.ID,
			SCNL:    scnl,
			Site:    sites.Point(site),
			Time:    t,
			Quality: site.Quality,
			Kind:    r.Kind.String(),
		})
		kept = append(kept, r)
	}
	return obs, kept
}

func signature(ev models.Event) string {
	ids := make([]string, len(ev.Picks))
	for i, p := range ev.Picks {
		ids[i] = p.Kind + ":" + p.ID
	}
	sort.Strings(ids)
	return fmt.Sprintf("%.3f/%.3f/%.1f/%.2f/%s", ev.Latitude, ev.Longitude, ev.Depth, ev.OriginTime, strings.Join(ids, ","))
}
