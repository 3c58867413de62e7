package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(*Config)

// Watch reloads the config file whenever it changes on disk and hands valid
// results to onReload. Invalid edits are logged and skipped; the previous
// configuration stays in effect. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file itself because most
// editors and config management tools replace the file on save.
func Watch(ctx context.Context, path string, onReload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	log.Info().Str("path", path).Msg("Watching config file for changes")

	// Editors fire several events per save; collapse them into one reload.
	var debounce *time.Timer
	reloads := make(chan struct{}, 1)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})

		case <-reloads:
			cfg, err := Load(path)
			if err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
				continue
			}
			log.Info().Msg("Config reloaded")
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}
