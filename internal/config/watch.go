package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/civicbot/governor/internal/gate"
)

// Watch reloads path whenever it changes and hands the new gate thresholds to
// apply. The directory is watched so editors that replace the file by rename
// are seen. Invalid edits are logged and ignored. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, logger zerolog.Logger, apply func(gate.GateConfig)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info().Str("path", abs).Msg("watching config")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload rejected")
				continue
			}
			apply(cfg.Gate)
			logger.Info().
				Float64("max_bias", cfg.Gate.MaxBias).
				Float64("max_toxicity", cfg.Gate.MaxToxicity).
				Float64("min_fairness", cfg.Gate.MinFairness).
				Int("quorum", cfg.Gate.Quorum).
				Msg("gate thresholds reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
