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

import "time"

// EventType classifies a fault event.
type EventType int

const (
	EventInject EventType = iota + 1
	EventRemove
	EventError
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventInject:
		return "inject"
	case EventRemove:
		return "remove"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is an immutable audit record of an inject, remove or error.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	FaultID   string    `json:"fault_id"`
	Type      EventType `json:"type"`
	Kind      Kind      `json:"kind"`
	Target    Target    `json:"target"`
	Magnitude float64   `json:"magnitude"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`

	// Reason explains a removal: "removed", "expired", "cancelled" or
	// "cleared".
	Reason string `json:"reason,omitempty"`
}

// ScenarioRun records one execution of a scenario.
type ScenarioRun struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Repeats   int       `json:"repeats"`
	Stopped   bool      `json:"stopped"`
	Error     string    `json:"error,omitempty"`
}

// Stats aggregates engine activity. All fields are derived on request from
// the registry and the event and scenario histories, so counts cover the
// retained history only.
type Stats struct {
	Injected          int      `json:"injected"`
	Removed           int      `json:"removed"`
	Errors            int      `json:"errors"`
	Active            int      `json:"active"`
	ScenariosExecuted int      `json:"scenarios_executed"`
	ScenarioRunning   string   `json:"scenario_running,omitempty"`
	KindsUsed         []string `json:"kinds_used"`
}
