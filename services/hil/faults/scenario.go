// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package faults

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// scenarioRun is the supervisor handle of the executing scenario.
type scenarioRun struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// ScenarioFaultID returns the derived id of profile index within repeat.
func ScenarioFaultID(scenario string, repeat, index int) string {
	return fmt.Sprintf("%s/%d/%d", scenario, repeat, index)
}

// ConfigureScenario validates s and stores a copy, replacing any scenario
// of the same name. A running scenario keeps its original definition.
func (e *Engine) ConfigureScenario(s Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.scenarios[s.Name] = s.clone()
	e.mu.Unlock()

	e.logger.Info("scenario configured",
		slog.String("scenario", s.Name),
		slog.Int("profiles", len(s.Profiles)),
		slog.Int("repeat", s.repeats()),
		slog.Duration("start_jitter", s.StartJitter),
	)
	return nil
}

// Scenarios returns the configured scenarios sorted by name.
func (e *Engine) Scenarios() []Scenario {
	e.mu.Lock()
	out := make([]Scenario, 0, len(e.scenarios))
	for _, s := range e.scenarios {
		out = append(out, s.clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExecuteScenario starts a configured scenario.
//
// Description:
//
//	The first repeat is injected before returning, so its timing is
//	anchored at the call and any rejection is returned here with the
//	repeat rolled back. A supervisor goroutine then waits for each repeat's
//	faults to finish, clears all faults, and launches the next repeat.
//	Start jitter is resampled for each repeat and intermittent cadence is
//	counted from each profile's jittered onset.
//
// Inputs:
//   - ctx: Trace context. The scenario outlives it; use StopScenario.
//   - name: A configured scenario.
//
// Outputs:
//   - error: ErrScenarioBusy, ErrUnknownScenario, or an *InjectError.
func (e *Engine) ExecuteScenario(ctx context.Context, name string) error {
	ctx, span := otel.Tracer("faults").Start(ctx, "faults.Engine.ExecuteScenario",
		trace.WithAttributes(attribute.String("scenario", name)),
	)
	defer span.End()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.run != nil {
		running := e.run.name
		e.mu.Unlock()
		span.SetStatus(codes.Error, "scenario busy")
		return fmt.Errorf("%w: %q is running", ErrScenarioBusy, running)
	}
	s, ok := e.scenarios[name]
	if !ok {
		e.mu.Unlock()
		span.SetStatus(codes.Error, "unknown scenario")
		return fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	s = s.clone()
	runCtx, cancel := context.WithCancel(trace.ContextWithSpan(e.root, span))
	r := &scenarioRun{name: name, cancel: cancel, done: make(chan struct{})}
	e.run = r
	e.mu.Unlock()

	started := e.clock.Now()
	first, err := e.launchRepeat(runCtx, s, 0, started)
	if err != nil {
		cancel()
		e.recordRun(ScenarioRun{Name: name, StartedAt: started, EndedAt: e.clock.Now(), Error: err.Error()}, "failed")
		e.mu.Lock()
		e.run = nil
		e.mu.Unlock()
		close(r.done)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scenario rejected")
		return err
	}

	span.SetAttributes(
		attribute.Int("profiles", len(s.Profiles)),
		attribute.Int("repeat", s.repeats()),
	)
	e.logger.Info("scenario started", slog.String("scenario", name))
	go e.supervise(runCtx, r, s, started, first)
	return nil
}

// launchRepeat injects every profile of one repeat, relative to base. On a
// rejection the already injected faults of this repeat are removed.
func (e *Engine) launchRepeat(ctx context.Context, s Scenario, repeat int, base time.Time) ([]*activeFault, error) {
	offsets := e.jitterOffsets(s)
	launched := make([]*activeFault, 0, len(s.Profiles))
	for i, p := range s.Profiles {
		p.StartTime += offsets[i]
		f, err := e.inject(ctx, ScenarioFaultID(s.Name, repeat, i), p, base, s.Name)
		if err != nil {
			for _, prev := range launched {
				prev.stop("cancelled")
				<-prev.done
			}
			return nil, err
		}
		launched = append(launched, f)
	}
	return launched, nil
}

// jitterOffsets samples one start offset per profile in [0, StartJitter).
func (e *Engine) jitterOffsets(s Scenario) []time.Duration {
	out := make([]time.Duration, len(s.Profiles))
	if s.StartJitter <= 0 {
		return out
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range out {
		out[i] = time.Duration(e.jitter.Int64N(int64(s.StartJitter)))
	}
	return out
}

// supervise waits for each repeat, clears faults between repeats and
// records the run.
func (e *Engine) supervise(ctx context.Context, r *scenarioRun, s Scenario, started time.Time, faults []*activeFault) {
	defer close(r.done)

	completed := 0
	var runErr error
	for repeat := 0; ; repeat++ {
		g := new(errgroup.Group)
		for _, f := range faults {
			g.Go(func() error {
				<-f.done
				return nil
			})
		}
		_ = g.Wait()
		e.ClearAllFaults()

		if ctx.Err() != nil {
			break
		}
		completed++
		if completed >= s.repeats() {
			break
		}
		e.logger.Debug("scenario repeat finished",
			slog.String("scenario", s.Name),
			slog.Int("repeat", repeat),
		)
		faults, runErr = e.launchRepeat(ctx, s, repeat+1, e.clock.Now())
		if runErr != nil {
			break
		}
	}
	stopped := ctx.Err() != nil && runErr == nil && completed < s.repeats()
	r.cancel()

	run := ScenarioRun{
		Name:      s.Name,
		StartedAt: started,
		EndedAt:   e.clock.Now(),
		Repeats:   completed,
		Stopped:   stopped,
	}
	outcome := "completed"
	switch {
	case runErr != nil:
		run.Error = runErr.Error()
		outcome = "failed"
	case run.Stopped:
		outcome = "stopped"
	}

	e.recordRun(run, outcome)
	e.mu.Lock()
	e.run = nil
	e.mu.Unlock()
}

func (e *Engine) recordRun(run ScenarioRun, outcome string) {
	e.runs.Append(run)
	scenariosExecuted.WithLabelValues(outcome).Inc()
	e.logger.Info("scenario finished",
		slog.String("scenario", run.Name),
		slog.String("outcome", outcome),
		slog.Int("repeats", run.Repeats),
	)
}

// StopScenario cancels the running scenario, cascading to its faults, and
// waits for the supervisor to exit.
//
// Outputs:
//   - bool: False if no scenario was running.
func (e *Engine) StopScenario() bool {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// WaitScenario blocks until the running scenario finishes or ctx is done.
// Returns nil immediately if none is running.
func (e *Engine) WaitScenario(ctx context.Context) error {
	e.mu.Lock()
	r := e.run
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningScenario returns the name of the executing scenario, if any.
func (e *Engine) RunningScenario() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return "", false
	}
	return e.run.name, true
}
