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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Fault Injection
// =============================================================================

var (
	// faultsInjected counts successful injections.
	// Labels: kind
	faultsInjected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hil",
		Subsystem: "faults",
		Name:      "injected_total",
		Help:      "Total faults injected",
	}, []string{"kind"})

	// faultsRemoved counts removals.
	// Labels: kind, reason (removed, expired, cancelled, cleared)
	faultsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hil",
		Subsystem: "faults",
		Name:      "removed_total",
		Help:      "Total faults removed by reason",
	}, []string{"kind", "reason"})

	// faultsRejected counts injections refused by validation.
	// Labels: reason (already_active, channel_busy, unknown_target, safety_limit, invalid)
	faultsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hil",
		Subsystem: "faults",
		Name:      "rejected_total",
		Help:      "Total fault injections rejected",
	}, []string{"reason"})

	// faultsApplied counts hook invocations that a fault perturbed.
	// Labels: kind
	faultsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hil",
		Subsystem: "faults",
		Name:      "applied_total",
		Help:      "Total values or packets perturbed by an active fault",
	}, []string{"kind"})

	// faultsActive tracks registered faults across all engines.
	faultsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hil",
		Subsystem: "faults",
		Name:      "active",
		Help:      "Faults currently registered",
	})

	// scenariosExecuted counts finished scenario runs.
	// Labels: outcome (completed, stopped, failed)
	scenariosExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hil",
		Subsystem: "faults",
		Name:      "scenarios_total",
		Help:      "Total scenario runs by outcome",
	}, []string{"outcome"})
)

// rejectReason maps a validation error to its metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrChannelBusy):
		return "channel_busy"
	case errors.Is(err, ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, ErrSafetyLimitExceeded):
		return "safety_limit"
	default:
		return "invalid"
	}
}
