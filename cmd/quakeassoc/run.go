package main

import (
	"time"

	"github.com/lox/quakeassoc/internal/api"
	"github.com/lox/quakeassoc/internal/engine"
	"github.com/lox/quakeassoc/internal/ingest"
	"github.com/lox/quakeassoc/internal/logging"
	"github.com/lox/quakeassoc/internal/sites"
	"github.com/lox/quakeassoc/internal/store"
	"github.com/lox/quakeassoc/internal/traveltime"
	"golang.org/x/sync/errgroup"
)

type RunCmd struct {
	Addr    string `help:"HTTP listen address; overrides server.addr."`
	NoHTTP  bool   `name:"no-http" help:"Disable the HTTP server."`
	NoStore bool   `help:"Do not persist reports."`
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	siteList, err := loadSites(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tt, err := traveltime.FromConfig(cfg.TravelTime)
	if err != nil {
		return err
	}

	reporters := []engine.Reporter{engine.LogReporter{Logger: logging.Component(logger, "report")}}
	var st *store.Store
	if cfg.Store.Path != "" && !c.NoStore {
		s, db, err := openStore(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		st = s
		if err := st.SyncStations(siteList.All()); err != nil {
			logger.Warn().Err(err).Msg("station sync failed")
		}
		reporters = append(reporters, store.NewSink(st))
	}
	hub := api.NewHub(logging.Component(logger, "ws"))
	reporters = append(reporters, hub)

	eng, err := engine.New(cfg, siteList, tt, logger, reporters...)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return eng.Run(gctx) })

	if !c.NoHTTP {
		addr := cfg.Server.Addr
		if c.Addr != "" {
			addr = c.Addr
		}
		srv := api.NewServer(eng, st, hub, addr, logging.Component(logger, "api"))
		grp.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Input.Dir != "" {
		poller := ingest.NewPoller(cfg.Input, eng, st, logging.Component(logger, "ingest"))
		grp.Go(func() error {
			select {
			case <-eng.Started():
			case <-gctx.Done():
				return nil
			}
			return poller.Run(gctx)
		})
	}

	if cfg.Sites.Watch && cfg.Sites.File != "" {
		grp.Go(func() error {
			return siteList.Watch(gctx, cfg.Sites.File, time.Second, logging.Component(logger, "sites"),
				func(changes map[string]sites.Change) {
					eng.OnSiteChanges(changes)
					if st != nil {
						if err := st.SyncStations(siteList.All()); err != nil {
							logger.Warn().Err(err).Msg("station sync failed")
						}
					}
				})
		})
	}

	return grp.Wait()
}
