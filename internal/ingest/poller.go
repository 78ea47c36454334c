// Package ingest feeds input files into the engine: a poller for a drop
// directory and a reader shared with replay.
package ingest

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lox/quakeassoc/internal/config"
	"github.com/lox/quakeassoc/internal/parse"
	"github.com/lox/quakeassoc/internal/store"
	"github.com/rs/zerolog"
)

// Submitter accepts decoded messages.
type Submitter interface {
	Submit(ctx context.Context, msg parse.Message) error
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, msg parse.Message) error

func (f SubmitFunc) Submit(ctx context.Context, msg parse.Message) error { return f(ctx, msg) }

type FileStats struct {
	Lines    int
	Accepted int
	Rejected int
}

// Poller reads every file dropped into the input directory, then moves it to
// the archive directory, or deletes it when none is configured.
type Poller struct {
	cfg      config.Input
	sub      Submitter
	store    *store.Store // optional
	logger   zerolog.Logger
	interval time.Duration
}

func NewPoller(cfg config.Input, sub Submitter, st *store.Store, logger zerolog.Logger) *Poller {
	interval := time.Duration(cfg.PollInterval * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{cfg: cfg, sub: sub, store: st, logger: logger, interval: interval}
}

func (p *Poller) Run(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	if p.cfg.ArchiveDir != "" {
		if err := os.MkdirAll(p.cfg.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
	}
	p.logger.Info().Str("dir", p.cfg.Dir).Dur("interval", p.interval).Msg("input poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("input poll failed")
		}
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("input poller shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll processes the files currently in the input directory in name order and
// returns how many were consumed.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("read input dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		path := filepath.Join(p.cfg.Dir, name)
		if err := p.consume(ctx, path); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *Poller) consume(ctx context.Context, path string) error {
	var run *store.InputRun
	if p.store != nil {
		var err error
		run, err = p.store.StartInputRun(filepath.Base(path), p.cfg.Format)
		if err != nil {
			p.logger.Warn().Err(err).Msg("start input run failed")
		}
	}

	stats, err := ReadFile(ctx, path, p.cfg.Format, p.archiving(run), p.logger)
	if run != nil {
		run.LinesRead, run.Accepted, run.Rejected = int64(stats.Lines), int64(stats.Accepted), int64(stats.Rejected)
		run.Success = err == nil
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		if cerr := p.store.CompleteInputRun(run); cerr != nil {
			p.logger.Warn().Err(cerr).Msg("complete input run failed")
		}
	}
	if err != nil {
		return err
	}

	p.logger.Info().Str("file", filepath.Base(path)).Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected).Msg("input file processed")

	if p.cfg.ArchiveDir == "" {
		return os.Remove(path)
	}
	return os.Rename(path, filepath.Join(p.cfg.ArchiveDir, filepath.Base(path)))
}

// archiving wraps the submitter so each message is also written to the raw
// message archive.
func (p *Poller) archiving(run *store.InputRun) Submitter {
	if p.store == nil {
		return p.sub
	}
	var runID int64
	if run != nil {
		runID = run.ID
	}
	return SubmitFunc(func(ctx context.Context, msg parse.Message) error {
		if raw, ok := ctx.Value(rawLineKey{}).(string); ok {
			if _, err := p.store.StoreRawMessage(runID, msg.Kind.String(), []byte(raw)); err != nil {
				p.logger.Warn().Err(err).Msg("archive message failed")
			}
		}
		return p.sub.Submit(ctx, msg)
	})
}

type rawLineKey struct{}

// ReadFile decodes each line of path in format and submits it. Lines that fail
// to decode or are rejected are counted and skipped; a cancelled context stops
// the read.
func ReadFile(ctx context.Context, path, format string, sub Submitter, logger zerolog.Logger) (FileStats, error) {
	var stats FileStats
	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.Lines++
		msg, err := parse.Line(format, line)
		if err != nil {
			stats.Rejected++
			logger.Debug().Err(err).Int("line", stats.Lines).Msg("undecodable input line")
			continue
		}
		if err := sub.Submit(context.WithValue(ctx, rawLineKey{}, line), msg); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Rejected++
			logger.Debug().Err(err).Int("line", stats.Lines).Msg("input line rejected")
			continue
		}
		stats.Accepted++
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("read %s: %w", path, err)
	}
	return stats, nil
}
