// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the session instruments.
//
// Every instrument is labelled with the endpoint ("plant" or
// "controller").
type Metrics struct {
	// TicksTotal counts completed loop iterations.
	TicksTotal metric.Int64Counter

	// DeadlineMissesTotal counts scheduler deadline misses.
	DeadlineMissesTotal metric.Int64Counter

	// Jitter records wake-up jitter in seconds.
	Jitter metric.Float64Histogram

	// FramesDiscardedTotal counts received frames dropped by reason
	// (corrupt, stale, unknown).
	FramesDiscardedTotal metric.Int64Counter

	// ReceiveTimeoutsTotal counts ticks that ended without a fresh frame.
	ReceiveTimeoutsTotal metric.Int64Counter

	// PacketsDroppedTotal counts outgoing frames suppressed by a fault.
	PacketsDroppedTotal metric.Int64Counter

	// StepDuration records tick body duration in seconds.
	StepDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TicksTotal, err = meter.Int64Counter(
		"hil_session_ticks_total",
		metric.WithDescription("Completed loop iterations"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ticks_total: %w", err)
	}

	m.DeadlineMissesTotal, err = meter.Int64Counter(
		"hil_session_deadline_misses_total",
		metric.WithDescription("Iterations that overran their deadline"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deadline_misses_total: %w", err)
	}

	m.Jitter, err = meter.Float64Histogram(
		"hil_session_jitter_seconds",
		metric.WithDescription("Wake-up deviation from the period boundary"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1e-6, 1e-5, 5e-5, 1e-4, 2.5e-4, 5e-4, 1e-3, 2.5e-3, 5e-3, 1e-2),
	)
	if err != nil {
		return nil, fmt.Errorf("create jitter: %w", err)
	}

	m.FramesDiscardedTotal, err = meter.Int64Counter(
		"hil_session_frames_discarded_total",
		metric.WithDescription("Received frames discarded"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frames_discarded_total: %w", err)
	}

	m.ReceiveTimeoutsTotal, err = meter.Int64Counter(
		"hil_session_receive_timeouts_total",
		metric.WithDescription("Ticks without a fresh frame"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create receive_timeouts_total: %w", err)
	}

	m.PacketsDroppedTotal, err = meter.Int64Counter(
		"hil_session_packets_dropped_total",
		metric.WithDescription("Outgoing frames suppressed by fault injection"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create packets_dropped_total: %w", err)
	}

	m.StepDuration, err = meter.Float64Histogram(
		"hil_session_step_duration_seconds",
		metric.WithDescription("Tick body duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 2.5e-3, 5e-3, 1e-2, 2.5e-2),
	)
	if err != nil {
		return nil, fmt.Errorf("create step_duration: %w", err)
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("hil"))
	return m
}

// Endpoint returns the attribute option used to label instruments.
func Endpoint(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("endpoint", name))
}

// RecordTick records one completed iteration.
func (m *Metrics) RecordTick(ctx context.Context, endpoint string, step time.Duration) {
	opt := Endpoint(endpoint)
	m.TicksTotal.Add(ctx, 1, opt)
	m.StepDuration.Record(ctx, step.Seconds(), opt)
}

// RecordDiscard records a discarded frame.
func (m *Metrics) RecordDiscard(ctx context.Context, endpoint, reason string) {
	m.FramesDiscardedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}
