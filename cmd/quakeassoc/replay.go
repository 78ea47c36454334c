package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lox/quakeassoc/internal/engine"
	"github.com/lox/quakeassoc/internal/ingest"
	"github.com/lox/quakeassoc/internal/logging"
	"github.com/lox/quakeassoc/internal/models"
	"github.com/lox/quakeassoc/internal/parse"
	"github.com/lox/quakeassoc/internal/store"
	"github.com/lox/quakeassoc/internal/traveltime"
)

type ReplayCmd struct {
	File   string `arg:"" type:"existingfile" help:"Input file, one message per line."`
	Format string `default:"auto" enum:"auto,json,gpick,cc" help:"Input line format."`
	Store  string `help:"Persist reports to this SQLite database."`
}

func (c *ReplayCmd) Run(g *Globals) error {
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

	reporters := []engine.Reporter{&writerReporter{w: os.Stdout}}
	if c.Store != "" {
		st, db, err := openStore(c.Store, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		reporters = append(reporters, store.NewSink(st))
	}

	eng, err := engine.New(cfg, siteList, tt, logger, reporters...)
	if err != nil {
		return err
	}

	step := ingest.SubmitFunc(func(_ context.Context, msg parse.Message) error {
		return eng.Step(msg)
	})
	stats, err := ingest.ReadFile(ctx, c.File, c.Format, step, logging.Component(logger, "replay"))
	if err != nil {
		return err
	}

	st := eng.Status()
	logger.Info().
		Int("lines", stats.Lines).
		Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).
		Int("hypos", st.Hypos).
		Float64("data_clock", st.DataClock).
		Msg("replay finished")
	return nil
}

// writerReporter prints each report and cancellation as a JSON line.
type writerReporter struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *writerReporter) Name() string { return "stdout" }

func (r *writerReporter) Report(ev models.Event) error {
	data, err := parse.EncodeEvent(ev)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = fmt.Fprintf(r.w, "%s\n", data)
	return err
}

func (r *writerReporter) Retract(ev models.Event, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintf(r.w, `{"Type":"Cancel","ID":%q,"Reason":%q}`+"\n", ev.ID, reason)
	return err
}
