// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/AleutianAI/AleutianHIL/pkg/logging"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/fsnotify/fsnotify"
)

// -----------------------------------------------------------------------------
// Hot reload
// -----------------------------------------------------------------------------

// ConstraintSetter receives replacement timing constraints.
type ConstraintSetter interface {
	SetConstraints(c rtsched.Constraints) error
}

// LimitSetter receives replacement safety limits.
type LimitSetter interface {
	SetSafetyLimits(limits map[string]float64)
}

// LevelSetter receives a replacement log level.
type LevelSetter interface {
	SetLevel(level logging.Level)
}

// Apply pushes the reloadable parts of cfg to running components. Nil
// receivers are skipped. Network, recorder and API settings require a
// restart.
//
// Constraints are replaced wholesale and take effect at the next period
// boundary.
func Apply(cfg *Config, sched ConstraintSetter, limits LimitSetter, level LevelSetter) error {
	if sched != nil {
		if err := sched.SetConstraints(cfg.Timing); err != nil {
			return fmt.Errorf("apply timing: %w", err)
		}
	}
	if limits != nil {
		limits.SetSafetyLimits(cfg.Faults.SafetyLimits)
	}
	if level != nil {
		level.SetLevel(cfg.Logging.Level)
	}
	return nil
}

// Watcher reloads a configuration file when it changes.
//
// # Description
//
// The parent directory is watched so that editors which replace the file
// by rename are handled. Invalid contents are logged and ignored; the last
// good configuration stays in effect.
//
// # Thread Safety
//
// Start should be called once, typically in its own goroutine.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path. onChange is called from the
// watcher goroutine with each successfully loaded configuration.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		watcher:  watcher,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Start processes file events until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Debug("Watching configuration", "path", w.path)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Configuration watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Configuration reload rejected, keeping previous",
			"path", w.path,
			"error", err)
		return
	}

	w.logger.Info("Configuration reloaded",
		"path", w.path,
		"period", cfg.Timing.Period,
		"deadline", cfg.Timing.Deadline)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop releases the underlying watcher. Safe to call more than once.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
