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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianHIL/services/hil/clock"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/history"
	"github.com/AleutianAI/AleutianHIL/services/hil/recorder"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/telemetry"
	"github.com/AleutianAI/AleutianHIL/services/hil/wire"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrNoScheduler indicates Run was called on an endpoint built without
// WithScheduler.
var ErrNoScheduler = errors.New("session has no scheduler")

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Plant integrates the simulated system by one step.
type Plant interface {
	// Advance applies command for dt and returns the new state.
	Advance(command float64, dt time.Duration) [wire.StateChannels]float64
}

// ControlLaw computes the next actuator command.
type ControlLaw interface {
	// Compute returns the command for the current estimate. elapsed is
	// the time since the controller's first tick.
	Compute(estimate [wire.StateChannels]float64, elapsed time.Duration) float64
}

// ControlLawFunc adapts a function to ControlLaw.
type ControlLawFunc func(estimate [wire.StateChannels]float64, elapsed time.Duration) float64

// Compute calls f.
func (f ControlLawFunc) Compute(estimate [wire.StateChannels]float64, elapsed time.Duration) float64 {
	return f(estimate, elapsed)
}

// Injector is the subset of the fault engine used on the hot path.
// *faults.Engine implements it.
type Injector interface {
	ApplySensor(t faults.Target, value float64) float64
	ApplyActuator(t faults.Target, value float64) float64
	ApplyPacket(t faults.Target, payload []byte) faults.PacketVerdict
}

// Recorder receives per-tick records without blocking.
// *recorder.Async implements it.
type Recorder interface {
	Record(r recorder.Record) bool
}

type passthrough struct{}

func (passthrough) ApplySensor(_ faults.Target, v float64) float64   { return v }
func (passthrough) ApplyActuator(_ faults.Target, v float64) float64 { return v }
func (passthrough) ApplyPacket(_ faults.Target, p []byte) faults.PacketVerdict {
	return faults.PacketVerdict{Payload: p}
}

// -----------------------------------------------------------------------------
// Fault targets
// -----------------------------------------------------------------------------

// Channels names the six state channels in frame order.
var Channels = [wire.StateChannels]string{"theta1", "theta2", "omega1", "omega2", "x", "xdot"}

// Device and channel names used for fault targeting.
const (
	DevicePlant    = "plant"
	DeviceActuator = "actuator"
	DeviceLink     = "link"

	ChannelCommand = "command"
	ChannelState   = "state"
	ChannelU       = "u"
)

var (
	// ActuatorTarget is the controller's command output.
	ActuatorTarget = faults.Target{Device: DeviceActuator, Channel: ChannelU}

	// StateLink carries StateFrames from plant to controller.
	StateLink = faults.Target{Device: DeviceLink, Channel: ChannelState}

	// CommandLink carries CommandFrames from controller to plant.
	CommandLink = faults.Target{Device: DeviceLink, Channel: ChannelCommand}
)

// SensorTarget returns the target for state channel i.
func SensorTarget(i int) faults.Target {
	return faults.Target{Device: DevicePlant, Channel: Channels[i]}
}

// Targets returns every target a session consults.
func Targets() []faults.Target {
	out := make([]faults.Target, 0, wire.StateChannels+3)
	for i := range Channels {
		out = append(out, SensorTarget(i))
	}
	return append(out, ActuatorTarget, StateLink, CommandLink)
}

// -----------------------------------------------------------------------------
// Telemetry types
// -----------------------------------------------------------------------------

// Snapshot is one tick as seen by an endpoint.
//
// For a controller, Command is the command transmitted and State the
// estimate after collection. For a plant, Command is the command applied
// and State the true state before sensor faults.
type Snapshot struct {
	Time     time.Time                   `json:"time"`
	Tick     uint64                      `json:"tick"`
	Sequence uint32                      `json:"sequence"`
	Command  float64                     `json:"command"`
	State    [wire.StateChannels]float64 `json:"state"`
	Fresh    bool                        `json:"fresh"`
}

// Stats counts datagram outcomes for one endpoint.
type Stats struct {
	Endpoint string `json:"endpoint"`
	RunID    string `json:"run_id"`
	Ticks    uint64 `json:"ticks"`

	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
	Delayed uint64 `json:"delayed"`

	Received uint64 `json:"received"`
	Accepted uint64 `json:"accepted"`
	Stale    uint64 `json:"stale"`
	Corrupt  uint64 `json:"corrupt"`
	Timeouts uint64 `json:"timeouts"`

	LastAccepted uint32 `json:"last_accepted"`
}

// Discard reasons used in logs and metrics.
const (
	reasonCorrupt = "corrupt"
	reasonStale   = "stale"
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures a Controller or PlantServer.
type Option func(*endpoint)

// WithClock sets the time source. Default clock.Real().
func WithClock(c clock.Clock) Option {
	return func(e *endpoint) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *endpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithInjector routes values and datagrams through fault hooks.
func WithInjector(inj Injector) Option {
	return func(e *endpoint) {
		if inj != nil {
			e.faults = inj
		}
	}
}

// WithScheduler sets the scheduler used by Run. Its deadline misses are
// counted in the endpoint metrics.
func WithScheduler(s *rtsched.Scheduler) Option {
	return func(e *endpoint) { e.sched = s }
}

// WithMetrics sets the otel instruments. Default telemetry.NoopMetrics().
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *endpoint) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRecorder forwards every snapshot to r.
func WithRecorder(r Recorder) Option {
	return func(e *endpoint) { e.recorder = r }
}

// WithRunID labels records. Default a random UUID.
func WithRunID(id string) Option {
	return func(e *endpoint) {
		if id != "" {
			e.runID = id
		}
	}
}

// WithSnapshotCapacity bounds the snapshot history. Default 4096.
func WithSnapshotCapacity(n int) Option {
	return func(e *endpoint) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithReceiveTimeout bounds how long a controller waits for state each
// tick. Default 5ms. Ignored by the plant, which only polls.
func WithReceiveTimeout(d time.Duration) Option {
	return func(e *endpoint) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithTimeStep fixes the plant integration step. Default: the scheduler
// period, or 10ms without a scheduler.
func WithTimeStep(d time.Duration) Option {
	return func(e *endpoint) {
		if d > 0 {
			e.step = d
		}
	}
}

// -----------------------------------------------------------------------------
// Shared endpoint plumbing
// -----------------------------------------------------------------------------

type delayed struct {
	due   time.Time
	frame []byte
}

// endpoint holds what the two sides have in common: outbound fault
// routing, inbound discard accounting, snapshots and stats.
type endpoint struct {
	name      string
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	faults    Injector
	sched     *rtsched.Scheduler
	metrics   *telemetry.Metrics
	recorder  Recorder
	runID     string
	capacity  int
	timeout   time.Duration
	step      time.Duration

	discardLog *rate.Limiter
	snapshots  *history.Log[Snapshot]
	tracker    SequenceTracker
	rx         []byte
	tx         []byte
	pending    []delayed

	mu       sync.Mutex
	stats    Stats
	expected time.Time
}

func newEndpoint(name string, t Transport, opts []Option) *endpoint {
	e := &endpoint{
		name:      name,
		transport: t,
		clock:     clock.Real(),
		logger:    slog.Default(),
		faults:    passthrough{},
		metrics:   telemetry.NoopMetrics(),
		runID:     uuid.NewString(),
		capacity:  4096,
		timeout:   5 * time.Millisecond,
		// At most a burst of 5 discard logs, then one per second.
		discardLog: rate.NewLimiter(rate.Every(time.Second), 5),
		rx:         make([]byte, 2*wire.StateFrameSize),
		tx:         make([]byte, 0, wire.StateFrameSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("endpoint", name), slog.String("run_id", e.runID))
	e.snapshots = history.NewLog[Snapshot](e.capacity)
	e.stats.Endpoint, e.stats.RunID = name, e.runID

	if e.sched != nil {
		e.sched.OnDeadlineMiss(func(ev rtsched.TimingEvent) {
			e.metrics.DeadlineMissesTotal.Add(context.Background(), 1, telemetry.Endpoint(e.name))
		})
	}
	return e
}

// send routes frame through the packet hook for link and transmits it now,
// later, or never.
func (e *endpoint) send(ctx context.Context, link faults.Target, frame []byte) error {
	v := e.faults.ApplyPacket(link, frame)
	switch {
	case v.Drop:
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
		e.metrics.PacketsDroppedTotal.Add(ctx, 1, telemetry.Endpoint(e.name))
		return nil
	case v.Delay > 0:
		e.enqueue(e.clock.Now().Add(v.Delay), v.Payload)
		e.mu.Lock()
		e.stats.Delayed++
		e.mu.Unlock()
		return nil
	}
	return e.transmit(ctx, v.Payload)
}

func (e *endpoint) transmit(ctx context.Context, frame []byte) error {
	if err := e.transport.Send(ctx, frame); err != nil {
		return err
	}
	e.mu.Lock()
	e.stats.Sent++
	e.mu.Unlock()
	return nil
}

// enqueue holds a copy of frame until due, keeping the queue ordered.
func (e *endpoint) enqueue(due time.Time, frame []byte) {
	d := delayed{due: due, frame: append([]byte(nil), frame...)}
	i := sort.Search(len(e.pending), func(i int) bool { return e.pending[i].due.After(due) })
	e.pending = append(e.pending, delayed{})
	copy(e.pending[i+1:], e.pending[i:])
	e.pending[i] = d
}

// flushDue transmits every delayed frame whose release time has passed.
func (e *endpoint) flushDue(ctx context.Context) error {
	now := e.clock.Now()
	n := 0
	for n < len(e.pending) && !e.pending[n].due.After(now) {
		if err := e.transmit(ctx, e.pending[n].frame); err != nil {
			e.pending = e.pending[n:]
			return err
		}
		n++
	}
	e.pending = e.pending[n:]
	return nil
}

// discard accounts for a rejected inbound frame.
func (e *endpoint) discard(ctx context.Context, reason string, seq uint32, err error) {
	e.mu.Lock()
	switch reason {
	case reasonCorrupt:
		e.stats.Corrupt++
	case reasonStale:
		e.stats.Stale++
	}
	e.mu.Unlock()
	e.metrics.RecordDiscard(ctx, e.name, reason)

	if e.discardLog.Allow() {
		attrs := []any{slog.String("reason", reason)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		} else {
			attrs = append(attrs, slog.Uint64("sequence", uint64(seq)))
		}
		e.logger.Debug("frame discarded", attrs...)
	}
}

func (e *endpoint) received() {
	e.mu.Lock()
	e.stats.Received++
	e.mu.Unlock()
}

func (e *endpoint) accepted(seq uint32) {
	e.mu.Lock()
	e.stats.Accepted++
	e.stats.LastAccepted = seq
	e.mu.Unlock()
}

// finish records the tick snapshot and forwards it to the recorder.
func (e *endpoint) finish(s Snapshot) {
	e.mu.Lock()
	e.stats.Ticks++
	s.Tick = e.stats.Ticks
	e.mu.Unlock()

	e.snapshots.Append(s)
	if e.recorder != nil {
		e.recorder.Record(recorder.Record{
			RunID:    e.runID,
			Endpoint: e.name,
			Time:     s.Time,
			Sequence: s.Sequence,
			Command:  s.Command,
			State:    s.State,
			Fresh:    s.Fresh,
		})
	}
}

// run drives step once per scheduler period and reports tick metrics.
func (e *endpoint) run(ctx context.Context, step func(ctx context.Context) error) error {
	if e.sched == nil {
		return ErrNoScheduler
	}
	e.logger.Info("session loop starting",
		slog.Duration("period", e.sched.Constraints().Period),
	)
	err := e.sched.Run(ctx, func(ctx context.Context, iteration uint64) error {
		started := e.clock.Now()
		if iteration > 0 && !e.expected.IsZero() {
			jitter := started.Sub(e.expected)
			if jitter < 0 {
				jitter = -jitter
			}
			e.metrics.Jitter.Record(ctx, jitter.Seconds(), telemetry.Endpoint(e.name))
		}
		e.expected = e.sched.NextDeadline()

		if err := step(ctx); err != nil {
			return err
		}
		e.metrics.RecordTick(ctx, e.name, e.clock.Now().Sub(started))
		return nil
	})

	st := e.sched.Stats()
	e.logger.Info("session loop stopped",
		slog.Uint64("iterations", st.Iterations),
		slog.Uint64("deadline_misses", st.DeadlineMisses),
		slog.Duration("jitter_max", st.JitterMax),
	)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// dt returns the integration step for the current tick.
func (e *endpoint) dt() time.Duration {
	if e.step > 0 {
		return e.step
	}
	if e.sched != nil {
		return e.sched.Constraints().Period
	}
	return 10 * time.Millisecond
}

// Stats returns a copy of the endpoint counters.
func (e *endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Snapshots returns the retained snapshots, oldest first.
func (e *endpoint) Snapshots() []Snapshot { return e.snapshots.Snapshot() }

// Latest returns the newest snapshot.
func (e *endpoint) Latest() (Snapshot, bool) { return e.snapshots.Newest() }

// RunID returns the run identifier attached to records.
func (e *endpoint) RunID() string { return e.runID }

// Scheduler returns the scheduler given to WithScheduler, or nil.
func (e *endpoint) Scheduler() *rtsched.Scheduler { return e.sched }
