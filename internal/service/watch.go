package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// WatchCatalog refreshes the catalog whenever the scripts directory changes.
// The parent directory is watched as well, so a directory created or swapped
// in by a fetch is picked up. The returned function stops the watcher.
func WatchCatalog(ctx context.Context, catalog *ScriptCatalog, debounce time.Duration) (func() error, error) {
	dir := catalog.Dir()
	parent := filepath.Dir(dir)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(parent); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", parent, err)
	}
	// does not exist before the first fetch
	_ = watcher.Add(dir)

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = watcher.Close()
	})

	var mu sync.Mutex
	var debouncer *time.Timer
	refresh := func() {
		if sctx.IsStopping() {
			return
		}
		if err := catalog.Refresh(); err != nil {
			slog.WarnContext(ctx, "refreshing scripts catalog", "dir", dir, "error", err)
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-sctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Dir(event.Name) == parent && event.Name != dir {
					continue
				}
				if event.Name == dir && event.Has(fsnotify.Create) {
					if err := watcher.Add(dir); err != nil {
						slog.WarnContext(ctx, "watching scripts dir", "dir", dir, "error", err)
					}
				}
				slog.DebugContext(ctx, "scripts dir changed", "event", event.String())

				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, refresh)
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				slog.WarnContext(ctx, "watcher", "error", err)
			}
		}
	})

	return func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}, nil
}
