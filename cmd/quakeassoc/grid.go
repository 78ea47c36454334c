package main

import (
	"fmt"

	"github.com/lox/quakeassoc/internal/traveltime"
	"github.com/lox/quakeassoc/internal/web"
)

type GridCmd struct {
	Out string `short:"o" default:"grids" type:"path" help:"Directory for the grid CSV files."`
}

func (c *GridCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	if len(cfg.Webs) == 0 {
		return fmt.Errorf("no webs configured")
	}
	siteList, err := loadSites(ctx, cfg, logger)
	if err != nil {
		return err
	}
	tt, err := traveltime.FromConfig(cfg.TravelTime)
	if err != nil {
		return err
	}

	for _, wc := range cfg.Webs {
		w, err := web.Generate(wc, siteList, tt)
		if err != nil {
			return fmt.Errorf("web %s: %w", wc.Name, err)
		}
		fmt.Println(w.Describe())
		if err := w.SaveGrid(c.Out, siteList); err != nil {
			return err
		}
	}
	logger.Info().Str("dir", c.Out).Int("webs", len(cfg.Webs)).Msg("grids written")
	return nil
}
