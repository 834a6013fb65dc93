// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rtsched

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianHIL/services/hil/clock"
	"github.com/AleutianAI/AleutianHIL/services/hil/history"
)

// spinThreshold is the remaining time below which the scheduler busy-waits
// instead of sleeping.
const spinThreshold = time.Millisecond

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithElevator sets the scheduling-class capability. Default: platform
// elevator from NewElevator.
func WithElevator(e Elevator) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.elevator = e
		}
	}
}

// WithEventLog sets the timing event history. Passing the same log to
// several schedulers merges their events.
func WithEventLog(l *history.Log[TimingEvent]) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.events = l
		}
	}
}

// WithJitterWindow sets how many recent jitter samples back the mean and
// standard deviation in Stats. Default: 4096.
func WithJitterWindow(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.jitterWindow = n
		}
	}
}

// -----------------------------------------------------------------------------
// Scheduler
// -----------------------------------------------------------------------------

// Scheduler paces a loop at a fixed period.
//
// Description:
//
//	States are Stopped and Running. Start fixes the anchor and the first
//	absolute deadline. Each WaitForNextPeriod:
//	  1. records a DeadlineMiss if now is past periodStart + deadline,
//	  2. spins (remaining < 1ms) or sleeps until the next boundary,
//	  3. records jitter, proceeding immediately when already late,
//	  4. advances the boundary to anchor + k*period.
//
// Thread Safety: See package documentation.
type Scheduler struct {
	clock        clock.Clock
	logger       *slog.Logger
	elevator     Elevator
	events       *history.Log[TimingEvent]
	jitterWindow int

	mu          sync.Mutex
	constraints Constraints
	pending     *Constraints
	running     bool
	elevated    bool
	threadHeld  bool
	anchor      time.Time
	periodStart time.Time
	next        time.Time
	k           int64
	iterations  uint64
	misses      uint64
	exceeded    uint64
	jitterMax   time.Duration
	jitter      *history.Ring[float64]
	handlers    []func(TimingEvent)
}

// New creates a stopped scheduler.
//
// Inputs:
//   - c: Timing constraints. Validated.
//   - opts: Optional configuration.
//
// Outputs:
//   - *Scheduler: The scheduler, nil on error.
//   - error: ErrInvalidConstraints if c is malformed.
func New(c Constraints, opts ...Option) (*Scheduler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		clock:        clock.Real(),
		logger:       slog.Default(),
		jitterWindow: 4096,
		constraints:  c.clone(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.elevator == nil {
		s.elevator = NewElevator(s.logger)
	}
	if s.events == nil {
		s.events = history.NewLog[TimingEvent](history.DefaultCapacity)
	}
	s.jitter = history.NewRing[float64](s.jitterWindow)
	return s, nil
}

// Constraints returns the constraints currently in force.
func (s *Scheduler) Constraints() Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints.clone()
}

// OnDeadlineMiss registers a handler invoked synchronously, outside the
// scheduler lock, for every DeadlineMiss event.
func (s *Scheduler) OnDeadlineMiss(fn func(TimingEvent)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// Start transitions Stopped -> Running.
//
// Description:
//
//	Pins the calling goroutine to its OS thread, requests elevation (failure
//	is logged and ignored), and fixes the anchor at the current instant.
//
// Outputs:
//   - error: ErrAlreadyRunning if already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	c := s.constraints.clone()
	s.mu.Unlock()

	runtime.LockOSThread()
	elevated := true
	if err := s.elevator.TryElevate(c); err != nil {
		elevated = false
		s.logger.Warn("real-time elevation unavailable, continuing best-effort",
			slog.Int("priority", c.Priority),
			slog.Any("cpu_affinity", c.CPUAffinity),
			slog.String("error", err.Error()),
		)
	}

	now := s.clock.Now()

	s.mu.Lock()
	s.running = true
	s.threadHeld = true
	s.elevated = elevated
	s.anchor = now
	s.periodStart = now
	s.k = 1
	s.next = now.Add(s.constraints.Period)
	s.iterations, s.misses, s.exceeded, s.jitterMax = 0, 0, 0, 0
	s.jitter.Reset()
	s.mu.Unlock()

	s.logger.Debug("scheduler started",
		slog.Duration("period", c.Period),
		slog.Duration("deadline", c.effectiveDeadline()),
		slog.Bool("elevated", elevated),
	)
	return nil
}

// Stop transitions Running -> Stopped and restores the scheduling policy,
// affinity and priority that preceded Start. Stopping a stopped scheduler
// is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	held := s.threadHeld
	s.elevated, s.threadHeld = false, false
	s.mu.Unlock()

	// Restore runs even after a failed elevation to undo partial changes.
	if err := s.elevator.Restore(); err != nil {
		s.logger.Warn("failed to restore scheduling policy",
			slog.String("error", err.Error()),
		)
	}
	if held {
		runtime.UnlockOSThread()
	}
}

// SetConstraints replaces the constraints wholesale.
//
// Description:
//
//	On a stopped scheduler the replacement takes effect at the next Start.
//	On a running scheduler it takes effect at the next period boundary,
//	which becomes the new anchor.
func (s *Scheduler) SetConstraints(c Constraints) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c = c.clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.constraints = c
		return nil
	}
	s.pending = &c
	return nil
}

// NextDeadline returns the absolute instant of the next period boundary.
func (s *Scheduler) NextDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// WaitForNextPeriod suspends until the next period boundary.
//
// Inputs:
//   - ctx: Cancels a sleeping wait. Must not be nil.
//
// Outputs:
//   - error: ErrNotRunning, or ctx.Err() if cancelled while sleeping. The
//     boundary is not consumed when an error is returned.
func (s *Scheduler) WaitForNextPeriod(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	c := s.constraints
	periodStart, target := s.periodStart, s.next
	iteration := s.iterations
	s.mu.Unlock()

	now := s.clock.Now()
	var raised []TimingEvent

	if limit := periodStart.Add(c.effectiveDeadline()); now.After(limit) {
		raised = append(raised, TimingEvent{
			Timestamp: now,
			Kind:      DeadlineMiss,
			Actual:    now,
			Expected:  limit,
			Deviation: now.Sub(limit),
			Iteration: iteration,
		})
	}

	var jitter time.Duration
	remaining := target.Sub(now)
	if remaining > 0 {
		if remaining < spinThreshold {
			s.clock.Spin(target)
		} else if err := s.clock.Sleep(ctx, remaining); err != nil {
			s.record(raised, 0, false)
			return err
		}
		jitter = absDuration(s.clock.Now().Sub(target))
	} else {
		jitter = -remaining
	}

	if c.JitterTolerance > 0 && jitter > c.JitterTolerance {
		wake := target.Add(jitter)
		raised = append(raised, TimingEvent{
			Timestamp: wake,
			Kind:      JitterExceeded,
			Actual:    wake,
			Expected:  target,
			Deviation: jitter,
			Iteration: iteration,
		})
	}

	s.record(raised, jitter, true)
	return nil
}

// record appends events, updates counters and, when advance is set,
// moves to the next period boundary. Handlers run after the lock is
// released.
func (s *Scheduler) record(raised []TimingEvent, jitter time.Duration, advance bool) {
	s.mu.Lock()
	for _, ev := range raised {
		switch ev.Kind {
		case DeadlineMiss:
			s.misses++
		case JitterExceeded:
			s.exceeded++
		}
	}
	if advance {
		s.iterations++
		s.jitter.Push(jitter.Seconds())
		if jitter > s.jitterMax {
			s.jitterMax = jitter
		}
		s.periodStart = s.next
		if s.pending != nil {
			s.constraints = *s.pending
			s.pending = nil
			s.anchor = s.periodStart
			s.k = 0
		}
		s.k++
		s.next = s.anchor.Add(time.Duration(s.k) * s.constraints.Period)
	}
	handlers := s.handlers
	s.mu.Unlock()

	for _, ev := range raised {
		s.events.Append(ev)
		if ev.Kind != DeadlineMiss {
			continue
		}
		s.logger.Debug("deadline miss",
			slog.Uint64("iteration", ev.Iteration),
			slog.Float64("deviation_ms", float64(ev.Deviation)/float64(time.Millisecond)),
		)
		for _, h := range handlers {
			h(ev)
		}
	}
}

// Run drives step once per period until ctx is done.
//
// Description:
//
//	Run owns the full lifecycle: Start, then step followed by
//	WaitForNextPeriod, and Stop on exit. A step error ends the loop.
//
// Outputs:
//   - error: The step error, or ctx.Err() on cancellation.
func (s *Scheduler) Run(ctx context.Context, step func(ctx context.Context, iteration uint64) error) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		iteration := s.iterations
		s.mu.Unlock()

		if err := step(ctx, iteration); err != nil {
			return err
		}
		if err := s.WaitForNextPeriod(ctx); err != nil {
			return err
		}
	}
}

// Stats returns a snapshot of timing compliance.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Iterations:     s.iterations,
		JitterMax:      s.jitterMax,
		DeadlineMisses: s.misses,
		JitterExceeded: s.exceeded,
		Running:        s.running,
		Elevated:       s.elevated,
	}
	if s.iterations > 0 {
		st.DeadlineMissRate = float64(s.misses) / float64(s.iterations)
	}
	if samples := s.jitter.Slice(); len(samples) > 0 {
		mean, std := stat.MeanStdDev(samples, nil)
		if len(samples) == 1 {
			std = 0
		}
		st.JitterMean = secondsToDuration(mean)
		st.JitterStdDev = secondsToDuration(std)
	}
	return st
}

// Events returns a copy of the recorded timing events, oldest first.
func (s *Scheduler) Events() []TimingEvent {
	return s.events.Snapshot()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
