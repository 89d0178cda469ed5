package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/launchforge/launchforge/pkg/telemetry"
)

// Watch re-loads the config file on change and hands the fresh config to
// onChange. A config that fails validation is logged and skipped; the
// running daemon keeps its last good config. Primarily used for live
// log-level changes.
func Watch(ctx context.Context, path string, logger *telemetry.Logger, onChange func(*Config)) error {
	if path == "" {
		return fmt.Errorf("config path is required for watching")
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	log := logger.Component("config-watch")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	go func() {
		defer watcher.Close()

		const reloadDelay = 500 * time.Millisecond
		var reloadTimer *time.Timer

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDelay, func() {
					cfg, err := Load(path)
					if err != nil {
						log.WithError(err).Error("ignoring invalid config change")
						return
					}
					log.Info("config reloaded")
					onChange(cfg)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("watcher error")
			}
		}
	}()

	return nil
}
