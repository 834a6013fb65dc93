// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
)

// Loopback runs both endpoints in one goroutine over a shared scheduler:
// each tick the controller transmits, the plant steps, and the controller
// collects. It is the single-process form of a co-simulation, used by the
// loopback command and by tests with a manual clock.
type Loopback struct {
	Plant      *PlantServer
	Controller *Controller

	sched  *rtsched.Scheduler
	logger *slog.Logger
}

// NewLoopback pairs plant and controller under sched.
func NewLoopback(plant *PlantServer, controller *Controller, sched *rtsched.Scheduler, logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{
		Plant:      plant,
		Controller: controller,
		sched:      sched,
		logger:     logger,
	}
}

// Scheduler returns the shared scheduler.
func (l *Loopback) Scheduler() *rtsched.Scheduler { return l.sched }

// Step performs one co-simulation tick.
func (l *Loopback) Step(ctx context.Context) error {
	if err := l.Controller.Transmit(ctx); err != nil {
		return err
	}
	if err := l.Plant.Step(ctx); err != nil {
		return err
	}
	_, err := l.Controller.Collect(ctx)
	return err
}

// Run paces Step until ctx is cancelled or ticks have run. ticks == 0
// runs until cancellation.
func (l *Loopback) Run(ctx context.Context, ticks uint64) error {
	if l.sched == nil {
		return ErrNoScheduler
	}
	err := l.sched.Run(ctx, func(ctx context.Context, iteration uint64) error {
		if ticks > 0 && iteration >= ticks {
			return errLoopDone
		}
		started := l.Controller.clock.Now()
		if err := l.Step(ctx); err != nil {
			return err
		}
		l.Controller.metrics.RecordTick(ctx, "loopback", l.Controller.clock.Now().Sub(started))
		return nil
	})

	st := l.sched.Stats()
	l.logger.Info("loopback stopped",
		slog.Uint64("iterations", st.Iterations),
		slog.Uint64("deadline_misses", st.DeadlineMisses),
		slog.Duration("jitter_mean", st.JitterMean),
	)
	switch {
	case errors.Is(err, errLoopDone),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return nil
	}
	return err
}

var errLoopDone = errors.New("loop complete")
