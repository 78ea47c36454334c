package sites

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ChangeHandler receives the per-SCNL changes after a reload.
type ChangeHandler func(changes map[string]Change)

// Watch reloads the station file whenever it changes on disk and reports what
// changed. The parent directory is watched so editors and atomic renames that
// replace the file are seen. Watch blocks until ctx is done.
func (l *List) Watch(ctx context.Context, path string, debounce time.Duration, logger zerolog.Logger, onChange ChangeHandler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create station watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve station list path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
			pending = true
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("station watcher error")
		case <-timer.C:
			pending = false
			changes, err := l.ReloadFile(abs)
			if err != nil {
				logger.Warn().Err(err).Str("path", abs).Msg("station list reload failed")
				continue
			}
			logger.Info().Int("changed", len(changes)).Int("sites", l.Len()).Msg("station list reloaded")
			if len(changes) > 0 && onChange != nil {
				onChange(changes)
			}
		}
	}
}
