// Package engine wires the registries, webs and hypo list together and feeds
// them from a bounded input queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/hypo"
	"github.com/lox/quakeassoc/internal/logging"
	"github.com/lox/quakeassoc/internal/metrics"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/parse"
	"github.com/lox/quakeassoc/internal/picks"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/traveltime"
	"github.com/lox/quakeassoc/internal/web"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRejected = errors.New("message rejected")
	ErrStopped  = errors.New("engine stopped")
)

type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	sites  *sites.List
	tt     traveltime.Oracle
	picks  *picks.PickList
	corrs  *picks.CorrelationList
	webs   *web.WebList
	hypos  *hypo.List
	report *fanout

	input     chan parse.Message
	started   chan struct{}
	startOnce sync.Once
	running   atomic.Bool
	alive     atomic.Int32
	lastInput atomic.Int64
	lastDecay atomic.Int64
}

// New builds an engine over siteList. Webs without usable sites are kept
// disabled; any other web error aborts.
func New(cfg config.Config, siteList *sites.List, tt traveltime.Oracle, logger zerolog.Logger, reporters ...Reporter) (*Engine, error) {
	g := cfg.Glass
	e := &Engine{
		cfg:    cfg,
		logger: logging.Component(logger, "engine"),
		sites:  siteList,
		tt:     tt,
		picks: picks.NewPickList(picks.Options{
			Max:             g.PickMax,
			SiteMax:         g.SitePickMax,
			DuplicateWindow: g.PickDuplicateWindow,
			Retention:       g.Retention,
		}, siteList),
		corrs: picks.NewCorrelationList(picks.CorrelationOptions{
			Max:               g.CorrelationMax,
			DuplicateWindow:   g.CorrelationDuplicateWindow,
			DuplicateDistance: g.CorrelationDuplicateDistance,
			Retention:         g.Retention,
		}, siteList),
		webs:    web.NewWebList(siteList, tt, logging.Component(logger, "web")),
		input:   make(chan parse.Message, max(g.InputQueue, 1)),
		started: make(chan struct{}),
	}
	e.report = newFanout(reporters, e.logger)

	for _, w := range cfg.Webs {
		if err := e.webs.Add(w); err != nil && !errors.Is(err, web.ErrNoSites) {
			return nil, fmt.Errorf("web %s: %w", w.Name, err)
		}
	}

	e.hypos = hypo.NewList(cfg.Glass, cfg.Locator, hypo.Sources{
		Picks:        e.picks,
		Correlations: e.corrs,
		Sites:        siteList,
		Webs:         e.webs,
		TT:           tt,
	}, e.report, logging.Component(logger, "hypo"))
	return e, nil
}

func (e *Engine) Sites() *sites.List     { return e.sites }
func (e *Engine) Webs() *web.WebList     { return e.webs }
func (e *Engine) Hypos() *hypo.List      { return e.hypos }
func (e *Engine) Picks() *picks.PickList { return e.picks }

// Started is closed once Run has begun accepting messages.
func (e *Engine) Started() <-chan struct{} { return e.started }

// Submit queues msg for the ingest workers, blocking while the queue is full.
func (e *Engine) Submit(ctx context.Context, msg parse.Message) error {
	if !e.running.Load() {
		return ErrStopped
	}
	select {
	case e.input <- msg:
		metrics.QueueDepth.WithLabelValues("input").Set(float64(len(e.input)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Step handles msg and processes every hypo it queued before returning. Replay
// and tests use it for deterministic runs.
func (e *Engine) Step(msg parse.Message) error {
	err := e.Handle(msg)
	e.hypos.Drain(0)
	e.audit()
	return err
}

// Handle applies one message to the registries. Hypos it creates or touches are
// queued for processing, not processed.
func (e *Engine) Handle(msg parse.Message) error {
	e.lastInput.Store(time.Now().UnixNano())
	kind := msg.Kind.String()
	var err error
	switch msg.Kind {
	case parse.KindPick:
		err = e.handlePick(*msg.Pick)
	case parse.KindCorrelation:
		err = e.handleCorrelation(*msg.Correlation)
	case parse.KindDetection:
		e.handleDetection(*msg.Detection)
	case parse.KindStationInfo:
		e.handleStation(*msg.Station)
	default:
		err = fmt.Errorf("%w: kind %s", parse.ErrInvalid, kind)
	}
	status := "ok"
	if err != nil {
		status = "rejected"
	}
	metrics.MessagesReceived.WithLabelValues(kind, status).Inc()
	return err
}

func (e *Engine) handlePick(p models.Pick) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	st, evicted := e.picks.Add(p)
	for _, old := range evicted {
		e.hypos.Forget(hypo.Ref{Kind: hypo.KindPick, ID: old.ID})
		metrics.Evictions.WithLabelValues("pick", "capacity").Inc()
	}
	metrics.PicksHeld.Set(float64(e.picks.Len()))
	switch st {
	case picks.Duplicate:
		e.logger.Debug().Str("pick", p.ID).Str("scnl", p.SCNL).Msg("duplicate pick")
		return nil
	case picks.Rejected:
		return fmt.Errorf("%w: pick %s from %s", ErrRejected, p.ID, p.SCNL)
	}
	e.hypos.Advance(p.Time)

	if id, ok := e.hypos.AssociatePick(p); ok {
		e.logger.Debug().Str("pick", p.ID).Str("hypo", id).Msg("pick associated")
		return nil
	}
	np := web.NucleateParams{Sigma: e.cfg.Glass.Sigma, SDAssociate: e.cfg.Glass.SDAssociate}
	for _, trig := range e.webs.Nucleate(p, e.picks, e.hypos.FreePick, np) {
		metrics.Triggers.WithLabelValues(trig.Web).Inc()
		h := e.hypos.FromTrigger(trig)
		e.logger.Debug().Str("hypo", h.ID).Str("web", trig.Web).Float64("sum", trig.Sum).
			Int("count", trig.Count).Msg("nucleated")
	}
	return nil
}

func (e *Engine) handleCorrelation(c models.Correlation) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	st, evicted := e.corrs.Add(c)
	for _, old := range evicted {
		e.hypos.Forget(hypo.Ref{Kind: hypo.KindCorrelation, ID: old.ID})
		metrics.Evictions.WithLabelValues("correlation", "capacity").Inc()
	}
	switch st {
	case picks.Duplicate:
		return nil
	case picks.Rejected:
		return fmt.Errorf("%w: correlation %s from %s", ErrRejected, c.ID, c.SCNL)
	}
	e.hypos.Advance(c.Time)
	if _, ok := e.hypos.AssociateCorrelation(c); ok {
		return nil
	}
	e.hypos.FromCorrelation(c)
	return nil
}

func (e *Engine) handleDetection(d models.Detection) {
	h, created := e.hypos.FromDetection(d)
	e.logger.Debug().Str("detection", d.ID).Str("hypo", h.ID).Bool("created", created).Msg("detection")
}

func (e *Engine) handleStation(s models.Site) {
	change := e.sites.Upsert(s)
	e.OnSiteChanges(map[string]sites.Change{s.SCNL(): change})
}

// OnSiteChanges regenerates the webs affected by station list changes.
func (e *Engine) OnSiteChanges(changes map[string]sites.Change) {
	for _, name := range e.webs.OnSiteChanges(changes) {
		e.logger.Info().Str("web", name).Int("changes", len(changes)).Msg("web regenerated")
	}
}

// Decay drops observations and hypos older than the retention window, measured
// on the data clock.
func (e *Engine) Decay() {
	now := e.hypos.Now()
	if now == 0 {
		return
	}
	for _, p := range e.picks.Decay(now) {
		e.hypos.Forget(hypo.Ref{Kind: hypo.KindPick, ID: p.ID})
		metrics.Evictions.WithLabelValues("pick", "retention").Inc()
	}
	for _, c := range e.corrs.Decay(now) {
		e.hypos.Forget(hypo.Ref{Kind: hypo.KindCorrelation, ID: c.ID})
		metrics.Evictions.WithLabelValues("correlation", "retention").Inc()
	}
	n := e.hypos.Decay(now)
	metrics.PicksHeld.Set(float64(e.picks.Len()))
	e.lastDecay.Store(time.Now().UnixNano())
	e.logger.Debug().Float64("now", now).Int("hypos_dropped", n).Msg("decay")
	e.audit()
}

// Run starts the ingest workers, the hypo workers and the decay ticker, and
// blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(e.cfg.Glass.Workers, 1); i++ {
		g.Go(func() error {
			e.alive.Add(1)
			defer e.alive.Add(-1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-e.input:
					metrics.QueueDepth.WithLabelValues("input").Set(float64(len(e.input)))
					if err := e.Handle(msg); err != nil {
						e.logger.Debug().Err(err).Msg("input rejected")
					}
				}
			}
		})
	}
	g.Go(func() error {
		return e.hypos.Run(ctx, e.cfg.Glass.HypoWorkers)
	})
	g.Go(func() error {
		interval := time.Duration(e.cfg.Glass.DecayInterval * float64(time.Second))
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.Decay()
			}
		}
	})

	e.startOnce.Do(func() { close(e.started) })
	e.logger.Info().Int("workers", e.cfg.Glass.Workers).Int("hypo_workers", e.cfg.Glass.HypoWorkers).
		Int("webs", e.webs.Len()).Int("sites", e.sites.Len()).Msg("engine started")
	err := g.Wait()
	e.logger.Info().Msg("engine stopped")
	return err
}

// audit panics on a broken association invariant when debug is enabled.
func (e *Engine) audit() {
	if !e.cfg.Glass.Debug {
		return
	}
	if err := e.hypos.Audit(); err != nil {
		panic(err)
	}
}
