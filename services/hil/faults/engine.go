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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/AleutianHIL/services/hil/clock"
	"github.com/AleutianAI/AleutianHIL/services/hil/history"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrAlreadyActive indicates a fault with the same id is registered.
	ErrAlreadyActive = errors.New("fault id already active")

	// ErrChannelBusy indicates another fault on the same target has an
	// overlapping window.
	ErrChannelBusy = errors.New("target channel already has an overlapping fault")

	// ErrUnknownTarget indicates the target is not registered.
	ErrUnknownTarget = errors.New("unknown fault target")

	// ErrSafetyLimitExceeded indicates |magnitude| is above the target's cap.
	ErrSafetyLimitExceeded = errors.New("fault magnitude exceeds safety limit")

	// ErrInvalidProfile indicates a malformed profile or scenario.
	ErrInvalidProfile = errors.New("invalid fault profile")

	// ErrScenarioBusy indicates another scenario is running.
	ErrScenarioBusy = errors.New("a scenario is already running")

	// ErrUnknownScenario indicates no scenario with that name is configured.
	ErrUnknownScenario = errors.New("unknown scenario")

	// ErrEngineClosed indicates the engine has been closed.
	ErrEngineClosed = errors.New("fault engine closed")
)

// InjectError wraps a rejected injection with the fault id.
type InjectError struct {
	FaultID string
	Err     error
}

// Error implements error.
func (e *InjectError) Error() string {
	return fmt.Sprintf("inject fault %q: %v", e.FaultID, e.Err)
}

// Unwrap supports errors.Is and errors.As.
func (e *InjectError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Default: clock.Real().
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSeed makes random effects reproducible. Default: time-based.
func WithSeed(seed uint64) Option {
	return func(e *Engine) {
		e.seed = seed
		e.seeded = true
	}
}

// WithTargets registers the targets faults may be injected against.
// A Target with Channel Wildcard admits every channel of that device.
func WithTargets(targets ...Target) Option {
	return func(e *Engine) {
		for _, t := range targets {
			e.targets[t] = struct{}{}
		}
	}
}

// WithSafetyLimits sets the per-target magnitude caps, keyed by
// "device/channel" or "device/*".
func WithSafetyLimits(limits map[string]float64) Option {
	return func(e *Engine) {
		e.limits = cloneLimits(limits)
	}
}

// WithEventLog sets the event history. Default: a private log with
// history.DefaultCapacity entries.
func WithEventLog(l *history.Log[Event]) Option {
	return func(e *Engine) {
		if l != nil {
			e.events = l
		}
	}
}

// WithHistoryCapacity sets the capacity of the default event and scenario
// histories.
func WithHistoryCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Engine owns the active-fault registry and applies faults through hooks.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	clock    clock.Clock
	logger   *slog.Logger
	seed     uint64
	seeded   bool
	streams  atomic.Uint64
	capacity int
	events   *history.Log[Event]
	runs     *history.Log[ScenarioRun]
	root     context.Context
	close    context.CancelFunc

	mu        sync.Mutex
	closed    bool
	targets   map[Target]struct{}
	limits    map[string]float64
	active    map[string]*activeFault
	byTarget  map[Target][]*activeFault
	scenarios map[string]Scenario
	run       *scenarioRun
	jitter    *rand.Rand
}

// NewEngine creates an engine with no active faults.
//
// Inputs:
//   - opts: Configuration options.
//
// Outputs:
//   - *Engine: The engine. Never nil. Call Close to stop all fault tasks.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:     clock.Real(),
		logger:    slog.Default(),
		capacity:  history.DefaultCapacity,
		targets:   make(map[Target]struct{}),
		limits:    make(map[string]float64),
		active:    make(map[string]*activeFault),
		byTarget:  make(map[Target][]*activeFault),
		scenarios: make(map[string]Scenario),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.seeded {
		e.seed = uint64(time.Now().UnixNano())
	}
	if e.events == nil {
		e.events = history.NewLog[Event](e.capacity)
	}
	e.runs = history.NewLog[ScenarioRun](e.capacity)
	e.jitter = rand.New(rand.NewPCG(e.seed, 0))
	e.root, e.close = context.WithCancel(context.Background())
	return e
}

// RegisterTargets adds injectable targets.
func (e *Engine) RegisterTargets(targets ...Target) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range targets {
		e.targets[t] = struct{}{}
	}
}

// Targets returns the registered targets sorted by name.
func (e *Engine) Targets() []Target {
	e.mu.Lock()
	out := make([]Target, 0, len(e.targets))
	for t := range e.targets {
		out = append(out, t)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SetSafetyLimits replaces the safety limit table. Active faults are not
// re-checked.
func (e *Engine) SetSafetyLimits(limits map[string]float64) {
	limits = cloneLimits(limits)
	e.mu.Lock()
	e.limits = limits
	e.mu.Unlock()
}

// InjectFault validates and schedules a fault.
//
// Description:
//
//	Rejections have no side effect other than an error event. On success
//	a goroutine owns the fault until it expires or is removed. The context
//	is used for tracing only; the fault outlives it.
//
// Inputs:
//   - ctx: Trace context. Must not be nil.
//   - id: Unique fault id.
//   - p: The profile. Timing is relative to now.
//
// Outputs:
//   - error: *InjectError wrapping ErrAlreadyActive, ErrChannelBusy,
//     ErrUnknownTarget, ErrSafetyLimitExceeded or ErrInvalidProfile.
func (e *Engine) InjectFault(ctx context.Context, id string, p Profile) error {
	_, span := otel.Tracer("faults").Start(ctx, "faults.Engine.InjectFault",
		trace.WithAttributes(
			attribute.String("fault_id", id),
			attribute.String("kind", p.Kind.String()),
			attribute.String("target", p.Target.String()),
			attribute.Float64("magnitude", p.Magnitude),
		),
	)
	defer span.End()

	if _, err := e.inject(e.root, id, p, e.clock.Now(), ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inject rejected")
		return err
	}
	return nil
}

// inject performs validation and registration under the registry lock,
// then starts the fault task with a context derived from parent.
func (e *Engine) inject(parent context.Context, id string, p Profile, base time.Time, scenario string) (*activeFault, error) {
	f, err := e.register(parent, id, p, base, scenario)
	if err != nil {
		faultsRejected.WithLabelValues(rejectReason(err)).Inc()
		e.events.Append(Event{
			Timestamp: e.clock.Now(),
			FaultID:   id,
			Type:      EventError,
			Kind:      p.Kind,
			Target:    p.Target,
			Magnitude: p.Magnitude,
			Error:     err.Error(),
		})
		e.logger.Warn("fault injection rejected",
			slog.String("fault_id", id),
			slog.String("kind", p.Kind.String()),
			slog.String("target", p.Target.String()),
			slog.String("error", err.Error()),
		)
		return nil, &InjectError{FaultID: id, Err: err}
	}

	go e.runFault(f)

	faultsInjected.WithLabelValues(p.Kind.String()).Inc()
	faultsActive.Inc()
	e.events.Append(Event{
		Timestamp: f.injectedAt,
		FaultID:   id,
		Type:      EventInject,
		Kind:      p.Kind,
		Target:    p.Target,
		Magnitude: p.Magnitude,
		Success:   true,
	})
	e.logger.Info("fault injected",
		slog.String("fault_id", id),
		slog.String("kind", p.Kind.String()),
		slog.String("severity", p.Severity.String()),
		slog.String("target", p.Target.String()),
		slog.Time("onset", f.onset),
		slog.Duration("duration", p.Duration),
	)
	return f, nil
}

func (e *Engine) register(parent context.Context, id string, p Profile, base time.Time, scenario string) (*activeFault, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty fault id", ErrInvalidProfile)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := e.active[id]; ok {
		return nil, ErrAlreadyActive
	}
	if !e.knownLocked(p.Target) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, p.Target)
	}
	if limit, ok := e.limitLocked(p.Target); ok && math.Abs(p.Magnitude) > limit {
		return nil, fmt.Errorf("%w: |%g| > %g on %s", ErrSafetyLimitExceeded, p.Magnitude, limit, p.Target)
	}

	f := newActiveFault(id, p, base, scenario, rand.NewPCG(e.seed, e.streams.Add(1)))
	for _, other := range e.byTarget[p.Target] {
		if f.overlaps(other) {
			return nil, fmt.Errorf("%w: %s held by %q", ErrChannelBusy, p.Target, other.id)
		}
	}

	ctx, cancel := context.WithCancel(parent)
	f.ctx, f.cancel = ctx, cancel
	f.injectedAt = e.clock.Now()
	e.active[id] = f
	e.byTarget[p.Target] = append(e.byTarget[p.Target], f)
	return f, nil
}

func (e *Engine) knownLocked(t Target) bool {
	if _, ok := e.targets[t]; ok {
		return true
	}
	_, ok := e.targets[t.deviceWildcard()]
	return ok
}

func (e *Engine) limitLocked(t Target) (float64, bool) {
	if v, ok := e.limits[t.String()]; ok {
		return v, true
	}
	v, ok := e.limits[t.deviceWildcard().String()]
	return v, ok
}

// runFault is the per-fault task. Reversal and deregistration run on every
// exit path before done is closed.
func (e *Engine) runFault(f *activeFault) {
	defer close(f.done)
	reason := ""
	defer func() {
		if reason == "" {
			reason = f.stopReason()
		}
		f.revert()
		e.unregister(f, reason)
	}()

	if !e.waitUntil(f.ctx, f.onset) {
		return
	}
	e.logger.Debug("fault onset",
		slog.String("fault_id", f.id),
		slog.String("kind", f.profile.Kind.String()),
	)

	if f.settled.IsZero() {
		<-f.ctx.Done()
		return
	}
	if !e.waitUntil(f.ctx, f.expiry) {
		return
	}
	if f.settled.After(f.expiry) {
		e.logger.Info("fault expired, recovering",
			slog.String("fault_id", f.id),
			slog.Duration("recovery_time", f.profile.RecoveryTime),
		)
		if !e.waitUntil(f.ctx, f.settled) {
			return
		}
	}
	reason = "expired"
}

// waitUntil suspends until t or cancellation. Returns false if cancelled.
func (e *Engine) waitUntil(ctx context.Context, t time.Time) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-e.clock.At(t):
		return true
	}
}

func (e *Engine) unregister(f *activeFault, reason string) {
	e.mu.Lock()
	current, ok := e.active[f.id]
	removed := ok && current == f
	if removed {
		delete(e.active, f.id)
		list := e.byTarget[f.profile.Target]
		for i, other := range list {
			if other == f {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(e.byTarget, f.profile.Target)
		} else {
			e.byTarget[f.profile.Target] = list
		}
	}
	e.mu.Unlock()

	if !removed {
		return
	}
	faultsActive.Dec()
	faultsRemoved.WithLabelValues(f.profile.Kind.String(), reason).Inc()
	e.events.Append(Event{
		Timestamp: e.clock.Now(),
		FaultID:   f.id,
		Type:      EventRemove,
		Kind:      f.profile.Kind,
		Target:    f.profile.Target,
		Magnitude: f.profile.Magnitude,
		Success:   true,
		Reason:    reason,
	})
	e.logger.Info("fault removed",
		slog.String("fault_id", f.id),
		slog.String("reason", reason),
		slog.Bool("reversed_state", f.profile.Kind.persistent()),
		slog.Uint64("applied", f.appliedCount()),
	)
}

// RemoveFault cancels a fault and waits for its reversal.
//
// Outputs:
//   - bool: False if no fault with that id is registered.
func (e *Engine) RemoveFault(id string) bool {
	e.mu.Lock()
	f, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return false
	}
	f.stop("removed")
	<-f.done
	return true
}

// ClearAllFaults removes every registered fault and waits for reversal.
func (e *Engine) ClearAllFaults() {
	e.mu.Lock()
	all := make([]*activeFault, 0, len(e.active))
	for _, f := range e.active {
		all = append(all, f)
	}
	e.mu.Unlock()

	for _, f := range all {
		f.stop("cleared")
	}
	for _, f := range all {
		<-f.done
	}
}

// Close stops any running scenario and clears all faults. Subsequent
// injections fail with ErrEngineClosed.
func (e *Engine) Close() {
	e.StopScenario()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.ClearAllFaults()
	e.close()
}

// -----------------------------------------------------------------------------
// Introspection
// -----------------------------------------------------------------------------

// Phase describes where a fault is in its lifecycle.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseActive     Phase = "active"
	PhaseIdle       Phase = "idle"
	PhaseRecovering Phase = "recovering"
	PhaseExpired    Phase = "expired"
	PhaseReverted   Phase = "reverted"
)

// ActiveFault is a read-only view of a registered fault.
type ActiveFault struct {
	ID         string    `json:"id"`
	Scenario   string    `json:"scenario,omitempty"`
	Profile    Profile   `json:"profile"`
	InjectedAt time.Time `json:"injected_at"`
	Onset      time.Time `json:"onset"`
	Expiry     time.Time `json:"expiry,omitempty"`
	Phase      Phase     `json:"phase"`
	Applied    uint64    `json:"applied"`
}

// Active returns the registered faults sorted by id.
func (e *Engine) Active() []ActiveFault {
	now := e.clock.Now()
	e.mu.Lock()
	list := make([]*activeFault, 0, len(e.active))
	for _, f := range e.active {
		list = append(list, f)
	}
	e.mu.Unlock()

	out := make([]ActiveFault, 0, len(list))
	for _, f := range list {
		out = append(out, ActiveFault{
			ID:         f.id,
			Scenario:   f.scenario,
			Profile:    f.profile,
			InjectedAt: f.injectedAt,
			Onset:      f.onset,
			Expiry:     f.expiry,
			Phase:      f.phase(now),
			Applied:    f.appliedCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsActive reports whether id is registered.
func (e *Engine) IsActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

// Events returns the retained fault events, oldest first.
func (e *Engine) Events() []Event {
	return e.events.Snapshot()
}

// ScenarioRuns returns the retained scenario run records, oldest first.
func (e *Engine) ScenarioRuns() []ScenarioRun {
	return e.runs.Snapshot()
}

// Stats derives aggregate statistics from the registry and histories.
func (e *Engine) Stats() Stats {
	var st Stats
	kinds := make(map[Kind]struct{})
	for _, ev := range e.events.Snapshot() {
		switch ev.Type {
		case EventInject:
			st.Injected++
			kinds[ev.Kind] = struct{}{}
		case EventRemove:
			st.Removed++
		case EventError:
			st.Errors++
		}
	}
	st.KindsUsed = make([]string, 0, len(kinds))
	for k := range kinds {
		st.KindsUsed = append(st.KindsUsed, k.String())
	}
	sort.Strings(st.KindsUsed)
	st.ScenariosExecuted = e.runs.Len()

	e.mu.Lock()
	st.Active = len(e.active)
	if e.run != nil {
		st.ScenarioRunning = e.run.name
	}
	e.mu.Unlock()
	return st
}

func cloneLimits(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = math.Abs(v)
	}
	return out
}

// -----------------------------------------------------------------------------
// Active Fault
// -----------------------------------------------------------------------------

// activeFault is a registry entry. Identity and window fields are immutable
// after registration; effect state is guarded by mu.
type activeFault struct {
	id         string
	scenario   string
	profile    Profile
	injectedAt time.Time
	onset      time.Time
	expiry     time.Time
	settled    time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	reason   string
	reverted bool
	captured bool
	held     float64
	last     float64
	hasLast  bool
	applied  uint64
	rng      *rand.Rand
	noise    distuv.Normal
}

func newActiveFault(id string, p Profile, base time.Time, scenario string, src *rand.PCG) *activeFault {
	onset, expiry, settled := p.window(base)
	sigma := p.Noise
	if sigma == 0 {
		sigma = math.Abs(p.Magnitude)
	}
	return &activeFault{
		id:       id,
		scenario: scenario,
		profile:  p,
		onset:    onset,
		expiry:   expiry,
		settled:  settled,
		done:     make(chan struct{}),
		rng:      rand.New(src),
		noise:    distuv.Normal{Mu: 0, Sigma: sigma, Src: src},
	}
}

// overlaps reports whether the windows [onset, settled) intersect. A zero
// settled instant is unbounded.
func (f *activeFault) overlaps(o *activeFault) bool {
	return before(f.onset, o.settled) && before(o.onset, f.settled)
}

// before reports a < b where a zero b is +infinity.
func before(a, b time.Time) bool {
	return b.IsZero() || a.Before(b)
}

// inWindow reports whether now falls in [onset, settled).
func (f *activeFault) inWindow(now time.Time) bool {
	return !now.Before(f.onset) && before(now, f.settled)
}

func (f *activeFault) stop(reason string) {
	f.mu.Lock()
	if f.reason == "" {
		f.reason = reason
	}
	f.mu.Unlock()
	f.cancel()
}

func (f *activeFault) stopReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reason == "" {
		return "cancelled"
	}
	return f.reason
}

// revert undoes persistent effect state. After revert the fault never
// perturbs another value.
func (f *activeFault) revert() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = true
	f.captured, f.held = false, 0
	f.hasLast, f.last = false, 0
}

func (f *activeFault) appliedCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func (f *activeFault) phase(now time.Time) Phase {
	f.mu.Lock()
	reverted := f.reverted
	f.mu.Unlock()
	switch {
	case reverted:
		return PhaseReverted
	case now.Before(f.onset):
		return PhasePending
	case !f.settled.IsZero() && !now.Before(f.settled):
		return PhaseExpired
	case !f.expiry.IsZero() && !now.Before(f.expiry):
		return PhaseRecovering
	case f.offPhase(now):
		return PhaseIdle
	default:
		return PhaseActive
	}
}

// offPhase reports whether an intermittent fault is in an off slice. Slices
// are counted from onset: even slices on, odd slices off.
func (f *activeFault) offPhase(now time.Time) bool {
	p := f.profile.IntermittentPeriod
	if p <= 0 {
		return false
	}
	return (now.Sub(f.onset)/p)%2 == 1
}

// scaleLocked returns the effect weight at now: 0 when inactive, 1 when
// fully active, and a linear fade during the recovery tail.
func (f *activeFault) scaleLocked(now time.Time) float64 {
	if f.reverted || !f.inWindow(now) || f.offPhase(now) {
		return 0
	}
	if f.expiry.IsZero() || now.Before(f.expiry) {
		return 1
	}
	if !f.profile.Kind.fades() || f.profile.RecoveryTime <= 0 {
		return 0
	}
	return 1 - float64(now.Sub(f.expiry))/float64(f.profile.RecoveryTime)
}
