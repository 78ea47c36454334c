package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lox/quakeassoc/internal/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Sink persists event reports. Writes that hit a locked database are retried
// with exponential backoff.
type Sink struct {
	store   *Store
	maxWait time.Duration
}

func NewSink(s *Store) *Sink {
	return &Sink{store: s, maxWait: 5 * time.Second}
}

func (k *Sink) Name() string { return "sqlite" }

func (k *Sink) Report(ev models.Event) error {
	return k.retry(func() error {
		changed, err := k.store.SaveEvent(ev)
		if err != nil {
			return err
		}
		if !changed {
			k.store.logger.Debug().Str("hypo", ev.ID).Int("version", ev.Version).Msg("stale event version skipped")
		}
		return nil
	})
}

func (k *Sink) Retract(ev models.Event, reason string) error {
	return k.retry(func() error {
		return k.store.CancelEvent(ev.ID, reason)
	})
}

func (k *Sink) retry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxElapsedTime = k.maxWait
	operation := func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, bo); err != nil {
		return fmt.Errorf("sqlite write: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
