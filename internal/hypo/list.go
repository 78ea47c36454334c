package hypo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/geo"
	"github.com/lox/quakeassoc/internal/locate"
	"github.com/lox/quakeassoc/internal/metrics"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/picks"
	"github.com/lox/quakeassoc/internal/registry"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/stack"
	"github.com/lox/quakeassoc/internal/traveltime"
	"github.com/lox/quakeassoc/internal/web"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sources are the read-only registries a List consults.
type Sources struct {
	Picks        *picks.PickList
	Correlations *picks.CorrelationList
	Sites        *sites.List
	Webs         *web.WebList
	TT           traveltime.Oracle
}

// Notifier receives reports and cancellations of reported hypos.
type Notifier interface {
	Reported(ev models.Event)
	Canceled(ev models.Event, reason string)
}

// List holds hypos ordered by origin time, capped at HypoMax, and the queue of
// hypos waiting for processing.
type List struct {
	glass   config.Glass
	locator config.Locator
	src     Sources
	notify  Notifier
	logger  zerolog.Logger

	ledger *Ledger
	hypos  *registry.Bounded[string, *Hypo]
	queue  *fifo
	clock  atomic.Uint64

	// held shared while a hypo is listed or canceled, exclusively by Audit
	structure sync.RWMutex

	// longest travel time to MaxAssociationDistance; bounds pick searches
	reach float64
}

func NewList(glass config.Glass, locator config.Locator, src Sources, notify Notifier, logger zerolog.Logger) *List {
	return &List{
		glass:   glass,
		locator: locator,
		src:     src,
		notify:  notify,
		logger:  logger,
		ledger:  NewLedger(),
		hypos:   registry.New[string, *Hypo](glass.HypoMax),
		queue:   newFifo(),
		reach:   maxTravelTime(src.TT, glass.MaxAssociationDistance),
	}
}

func (l *List) Ledger() *Ledger { return l.ledger }

// Advance moves the data clock forward to t. The clock never goes back.
func (l *List) Advance(t float64) {
	for {
		old := l.clock.Load()
		if t <= math.Float64frombits(old) && old != 0 {
			return
		}
		if l.clock.CompareAndSwap(old, math.Float64bits(t)) {
			return
		}
	}
}

func (l *List) Now() float64 {
	return math.Float64frombits(l.clock.Load())
}

func (l *List) Get(id string) (*Hypo, bool) {
	return l.hypos.Get(id)
}

// All returns the hypos ordered by origin time.
func (l *List) All() []*Hypo {
	return l.hypos.Values()
}

func (l *List) Len() int {
	return l.hypos.Len()
}

func (l *List) Pending() int {
	return l.queue.len()
}

// Data is the number of observations associated with id.
func (l *List) Data(id string) int {
	return l.ledger.Count(id)
}

func (l *List) Summaries() []Summary {
	hs := l.All()
	out := make([]Summary, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.summary(l.ledger.Count(h.ID)))
	}
	return out
}

// FreePick reports whether a pick is unassociated.
func (l *List) FreePick(id string) bool {
	return l.ledger.Free(Ref{Kind: KindPick, ID: id})
}

// Push queues a hypo for processing.
func (l *List) Push(id string) {
	if l.queue.push(id) {
		metrics.QueueDepth.WithLabelValues("hypo").Set(float64(l.queue.len()))
	}
}

// FromTrigger creates a hypo at a trigger and attaches the trigger picks that are
// still unassociated.
func (l *List) FromTrigger(t stack.Trigger) *Hypo {
	h := l.newHypo(SeedTrigger, t.Web, locate.Estimate{Lat: t.Lat, Lon: t.Lon, Depth: t.Depth, Time: t.Time})
	if w, ok := l.webConfig(t.Web); ok {
		h.Thresh, h.Nucleate, h.Resolution = w.Thresh, w.Nucleate, w.Resolution
		h.Phases = webPhases(w)
	}
	l.insert(h)
	attached := 0
	for _, id := range t.PickIDs {
		if l.ledger.Attach(Ref{Kind: KindPick, ID: id}, h.ID) {
			attached++
		}
	}
	l.Push(h.ID)
	l.logger.Debug().Str("hypo", h.ID).Str("web", t.Web).Str("node", t.NodeID).
		Float64("sum", t.Sum).Int("picks", attached).Msg("hypo nucleated")
	return h
}

// FromCorrelation creates a hypo at the correlation's own origin.
func (l *List) FromCorrelation(c models.Correlation) *Hypo {
	h := l.newHypo(SeedCorrelation, "", locate.Estimate{Lat: c.Latitude, Lon: c.Longitude, Depth: c.Depth, Time: c.OriginTime})
	l.insert(h)
	l.ledger.Attach(Ref{Kind: KindCorrelation, ID: c.ID}, h.ID)
	l.Push(h.ID)
	return h
}

// FromDetection requeues a hypo near the detection, or seeds a new one there.
func (l *List) FromDetection(d models.Detection) (*Hypo, bool) {
	if h, ok := l.FindNear(d.Time, geo.Point{Lat: d.Latitude, Lon: d.Longitude}, l.glass.DetectionTimeWindow, l.glass.DetectionDistanceWindow); ok {
		l.Push(h.ID)
		return h, false
	}
	h := l.newHypo(SeedDetection, "", locate.Estimate{Lat: d.Latitude, Lon: d.Longitude, Depth: d.Depth, Time: d.Time})
	l.insert(h)
	l.Push(h.ID)
	return h, true
}

// FindNear returns the closest-in-time hypo within tw seconds and xw degrees.
func (l *List) FindNear(t float64, p geo.Point, tw, xw float64) (*Hypo, bool) {
	var best *Hypo
	bestDT := math.Inf(1)
	for _, h := range l.hypos.Range(t-tw, t+tw) {
		est := h.Estimate()
		if h.Canceled() || geo.Delta(est.Point(), p) > xw {
			continue
		}
		if dt := math.Abs(est.Time - t); dt < bestDT {
			best, bestDT = h, dt
		}
	}
	return best, best != nil
}

// AssociatePick attaches a new pick to the hypo it fits best and queues that
// hypo. It returns false when no hypo accepts the pick.
func (l *List) AssociatePick(p models.Pick) (string, bool) {
	site, ok := l.src.Sites.Lookup(p.SCNL)
	if !ok {
		return "", false
	}
	return l.associate(Ref{Kind: KindPick, ID: p.ID}, site, p.Time, nil)
}

// AssociateCorrelation attaches a correlation to a hypo whose origin matches the
// correlation's own origin within the matching windows.
func (l *List) AssociateCorrelation(c models.Correlation) (string, bool) {
	site, ok := l.src.Sites.Lookup(c.SCNL)
	if !ok {
		return "", false
	}
	return l.associate(Ref{Kind: KindCorrelation, ID: c.ID}, site, c.Time, &c)
}

func (l *List) associate(ref Ref, site models.Site, t float64, c *models.Correlation) (string, bool) {
	var best *Hypo
	bestAff := 0.0
	for _, h := range l.hypos.Range(t-l.reach, t+l.glass.SDAssociate*l.glass.Sigma) {
		if h.Canceled() {
			continue
		}
		if c != nil && !l.correlationMatches(h, *c) {
			continue
		}
		if a, ok := l.affinity(h, site, t); ok && a > bestAff {
			best, bestAff = h, a
		}
	}
	if best == nil || !l.ledger.Attach(ref, best.ID) {
		return "", false
	}
	metrics.PicksAssociated.Inc()
	best.resetCycles()
	l.Push(best.ID)
	return best.ID, true
}

// Forget drops an evicted observation from whichever hypo owned it.
func (l *List) Forget(ref Ref) {
	if owner, ok := l.ledger.Forget(ref); ok {
		l.logger.Debug().Str("hypo", owner).Str(ref.Kind.String(), ref.ID).Msg("associated observation evicted")
	}
}

// Cancel cancels a hypo by ID.
func (l *List) Cancel(id, reason string) bool {
	h, ok := l.hypos.Get(id)
	if !ok {
		return false
	}
	return l.cancel(h, reason)
}

// Decay drops hypos whose origin is older than the retention window.
func (l *List) Decay(now float64) int {
	cutoff := now - l.glass.Retention
	n := 0
	for _, h := range l.hypos.Range(math.Inf(-1), cutoff) {
		l.structure.RLock()
		_, ok := h.cancel()
		if ok {
			l.ledger.Close(h.ID, now)
			l.hypos.Remove(h.ID)
		}
		l.structure.RUnlock()
		if !ok {
			continue
		}
		metrics.Evictions.WithLabelValues("hypo", "retention").Inc()
		n++
	}
	l.ledger.PurgeClosed(cutoff)
	metrics.HyposActive.Set(float64(l.hypos.Len()))
	return n
}

// Audit checks the ledger and that every owner is a live hypo. It is safe to
// call while hypos are being processed.
func (l *List) Audit() error {
	l.structure.Lock()
	defer l.structure.Unlock()
	if err := l.ledger.Audit(); err != nil {
		return err
	}
	for _, r := range l.ledger.owners() {
		h, ok := l.hypos.Get(r)
		if !ok {
			return fmt.Errorf("%w: hypo %s owns observations but is not listed", ErrInvariant, r)
		}
		if h.Canceled() {
			return fmt.Errorf("%w: canceled hypo %s owns observations", ErrInvariant, r)
		}
	}
	return nil
}

// Run processes queued hypos on workers goroutines until ctx is done.
func (l *List) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				id, err := l.queue.wait(ctx)
				if err != nil {
					return nil
				}
				metrics.QueueDepth.WithLabelValues("hypo").Set(float64(l.queue.len()))
				l.Process(id)
			}
		})
	}
	return g.Wait()
}

// Drain processes the queue on the calling goroutine until it is empty or limit
// hypos have been processed. It returns the number processed.
func (l *List) Drain(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		id, ok := l.queue.pop()
		if !ok {
			break
		}
		l.Process(id)
		n++
	}
	metrics.QueueDepth.WithLabelValues("hypo").Set(float64(l.queue.len()))
	return n
}

func (l *List) newHypo(seed, webName string, est locate.Estimate) *Hypo {
	thresh, nucleate, res := l.glass.ReportThresh, l.glass.ReportCut, 100.0
	var webs []*web.Web
	if l.src.Webs != nil {
		webs = l.src.Webs.All()
	}
	for _, w := range webs {
		if w.Enabled() {
			cfg := w.Config()
			thresh, nucleate, res = cfg.Thresh, cfg.Nucleate, cfg.Resolution
			break
		}
	}
	h := &Hypo{
		ID:         uuid.NewString(),
		Web:        webName,
		Seed:       seed,
		Thresh:     thresh,
		Nucleate:   nucleate,
		Resolution: res,
		Phases:     l.src.TT.Phases(),
		Created:    l.Now(),
		CreatedAt:  time.Now(),
		est:        est,
		updatedAt:  time.Now(),
	}
	return h
}

// insert lists h before any observation is attached to it, so every owner the
// ledger names is listed. Hypos evicted for capacity are canceled.
func (l *List) insert(h *Hypo) {
	l.structure.RLock()
	_, evicted := l.hypos.Insert(h.ID, h, h.est.Time)
	var notices []cancelNotice
	for _, old := range evicted {
		metrics.Evictions.WithLabelValues("hypo", "capacity").Inc()
		if n, ok := l.cancelLocked(old, "capacity"); ok {
			notices = append(notices, n)
		}
	}
	l.structure.RUnlock()
	for _, n := range notices {
		l.notifyCanceled(n)
	}
	metrics.HyposCreated.WithLabelValues(h.Seed).Inc()
	metrics.HyposActive.Set(float64(l.hypos.Len()))
}

type cancelNotice struct {
	ev     models.Event
	prev   State
	reason string
}

func (l *List) cancel(h *Hypo, reason string) bool {
	l.structure.RLock()
	n, ok := l.cancelLocked(h, reason)
	l.structure.RUnlock()
	if ok {
		l.notifyCanceled(n)
	}
	return ok
}

// cancelLocked cancels h, releases its observations and unlists it. The caller
// holds structure shared.
func (l *List) cancelLocked(h *Hypo, reason string) (cancelNotice, bool) {
	prev, ok := h.cancel()
	if !ok {
		return cancelNotice{}, false
	}
	ev := l.event(h)
	l.ledger.Close(h.ID, l.Now())
	l.hypos.Remove(h.ID)
	metrics.HyposCanceled.WithLabelValues(reason).Inc()
	metrics.HyposActive.Set(float64(l.hypos.Len()))
	l.logger.Debug().Str("hypo", h.ID).Str("reason", reason).Str("was", prev.String()).Msg("hypo canceled")
	return cancelNotice{ev: ev, prev: prev, reason: reason}, true
}

func (l *List) notifyCanceled(n cancelNotice) {
	if n.prev == Reported && l.notify != nil {
		l.notify.Canceled(n.ev, n.reason)
	}
}

func (l *List) correlationMatches(h *Hypo, c models.Correlation) bool {
	est := h.Estimate()
	if math.Abs(c.OriginTime-est.Time) > l.glass.CorrelationMatchingTWindow {
		return false
	}
	return geo.Delta(est.Point(), geo.Point{Lat: c.Latitude, Lon: c.Longitude}) <= l.glass.CorrelationMatchingXWindow
}

// affinity is the quality weighted significance of an arrival at site for h, or
// false when the arrival is outside the association window or distance.
func (l *List) affinity(h *Hypo, site models.Site, t float64) (float64, bool) {
	est := h.Estimate()
	delta := geo.Delta(est.Point(), sites.Point(site))
	if delta > l.glass.MaxAssociationDistance {
		return 0, false
	}
	_, res, _, ok := traveltime.Best(l.src.TT, h.Phases, t-est.Time, delta, est.Depth)
	if !ok || math.Abs(res) > l.glass.SDAssociate*l.glass.Sigma {
		return 0, false
	}
	q := site.Quality
	if q <= 0 {
		q = 1
	}
	return q * stack.Gauss(res, l.glass.Sigma), true
}

func (l *List) params(h *Hypo) locate.Params {
	return locate.Params{
		Sigma:            l.glass.Sigma,
		Phases:           h.Phases,
		Resolution:       h.Resolution,
		SearchRadius:     l.locator.SearchRadius,
		SearchRings:      l.locator.SearchRings,
		SearchAzimuths:   l.locator.SearchAzimuths,
		DepthStep:        l.locator.DepthStep,
		DepthSteps:       l.locator.DepthSteps,
		TimeStep:         l.locator.TimeStep,
		TimeSteps:        l.locator.TimeSteps,
		MaxIterations:    l.locator.MaxIterations,
		HuberK:           l.locator.HuberK,
		Damping:          l.locator.Damping,
		FixDepthGap:      l.locator.FixDepthGap,
		FixedDepth:       l.locator.FixedDepth,
		ConvergeFraction: l.locator.ConvergeFraction,
		MinDepth:         l.locator.MinDepth,
		MaxDepth:         l.locator.MaxDepth,
	}
}

func (l *List) webConfig(name string) (config.Web, bool) {
	if l.src.Webs == nil {
		return config.Web{}, false
	}
	w, ok := l.src.Webs.Get(name)
	if !ok {
		return config.Web{}, false
	}
	return w.Config(), true
}

func webPhases(cfg config.Web) []string {
	out := []string{cfg.Phase1}
	if cfg.Phase2 != "" && cfg.Phase2 != cfg.Phase1 {
		out = append(out, cfg.Phase2)
	}
	return out
}

// maxTravelTime is the longest predicted travel time of any phase out to
// maxDelta degrees, stepping inward where a phase is not predicted.
func maxTravelTime(tt traveltime.Oracle, maxDelta float64) float64 {
	longest := 0.0
	for _, ph := range tt.Phases() {
		for d := maxDelta; d > 0; d -= 0.5 {
			if t, _, ok := tt.TravelTime(ph, d, 0); ok {
				longest = math.Max(longest, t)
				break
			}
		}
	}
	if longest == 0 {
		return 3600
	}
	return longest
}
