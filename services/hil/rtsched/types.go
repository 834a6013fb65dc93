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
	"errors"
	"fmt"
	"slices"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConstraints indicates malformed timing constraints.
	ErrInvalidConstraints = errors.New("invalid timing constraints")

	// ErrNotRunning indicates the scheduler has not been started.
	ErrNotRunning = errors.New("scheduler is not running")

	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("scheduler is already running")
)

// -----------------------------------------------------------------------------
// Constraints
// -----------------------------------------------------------------------------

// Constraints describe the timing contract of a periodic loop.
//
// Constraints are values. A running scheduler is reconfigured by handing it
// a complete replacement through SetConstraints.
type Constraints struct {
	// Period is the fixed loop period. Must be positive.
	Period time.Duration `yaml:"period" json:"period"`

	// Deadline is the portion of each period the step may use.
	// Zero means Deadline == Period. Must not exceed Period.
	Deadline time.Duration `yaml:"deadline" json:"deadline"`

	// JitterTolerance is the wake-up deviation above which a
	// JitterExceeded event is recorded. Zero disables the check.
	JitterTolerance time.Duration `yaml:"jitter_tolerance" json:"jitter_tolerance"`

	// Priority is the requested SCHED_FIFO priority (1-99). Zero skips the
	// real-time class request and only applies affinity.
	Priority int `yaml:"priority" json:"priority"`

	// CPUAffinity lists the cores the loop thread should run on.
	// Empty leaves affinity unchanged.
	CPUAffinity []int `yaml:"cpu_affinity" json:"cpu_affinity"`
}

// DefaultConstraints returns a 100 Hz loop with the full period as deadline.
func DefaultConstraints() Constraints {
	return Constraints{
		Period:          10 * time.Millisecond,
		Deadline:        10 * time.Millisecond,
		JitterTolerance: time.Millisecond,
	}
}

// Validate checks the constraints for contract errors.
func (c Constraints) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("%w: period must be positive, got %s", ErrInvalidConstraints, c.Period)
	}
	if c.Deadline < 0 || c.Deadline > c.Period {
		return fmt.Errorf("%w: deadline %s must be within period %s", ErrInvalidConstraints, c.Deadline, c.Period)
	}
	if c.JitterTolerance < 0 {
		return fmt.Errorf("%w: negative jitter tolerance", ErrInvalidConstraints)
	}
	if c.Priority < 0 || c.Priority > 99 {
		return fmt.Errorf("%w: priority %d outside 0-99", ErrInvalidConstraints, c.Priority)
	}
	for _, cpu := range c.CPUAffinity {
		if cpu < 0 {
			return fmt.Errorf("%w: negative cpu index %d", ErrInvalidConstraints, cpu)
		}
	}
	return nil
}

// effectiveDeadline resolves the zero-means-period default.
func (c Constraints) effectiveDeadline() time.Duration {
	if c.Deadline == 0 {
		return c.Period
	}
	return c.Deadline
}

func (c Constraints) clone() Constraints {
	c.CPUAffinity = slices.Clone(c.CPUAffinity)
	return c
}

// -----------------------------------------------------------------------------
// Timing Events
// -----------------------------------------------------------------------------

// EventKind classifies a timing violation.
type EventKind int

const (
	// DeadlineMiss means an iteration finished after its deadline.
	DeadlineMiss EventKind = iota + 1

	// JitterExceeded means a wake-up deviated from the period boundary by
	// more than the jitter tolerance.
	JitterExceeded
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case DeadlineMiss:
		return "deadline_miss"
	case JitterExceeded:
		return "jitter_exceeded"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// TimingEvent records one timing violation.
type TimingEvent struct {
	Timestamp time.Time     `json:"timestamp"`
	Kind      EventKind     `json:"kind"`
	Actual    time.Time     `json:"actual"`
	Expected  time.Time     `json:"expected"`
	Deviation time.Duration `json:"deviation"`
	Iteration uint64        `json:"iteration"`
}

// Stats summarises timing compliance since Start.
type Stats struct {
	Iterations       uint64        `json:"iterations"`
	JitterMean       time.Duration `json:"jitter_mean"`
	JitterMax        time.Duration `json:"jitter_max"`
	JitterStdDev     time.Duration `json:"jitter_std_dev"`
	DeadlineMisses   uint64        `json:"deadline_misses"`
	DeadlineMissRate float64       `json:"deadline_miss_rate"`
	JitterExceeded   uint64        `json:"jitter_exceeded"`
	Running          bool          `json:"running"`
	Elevated         bool          `json:"elevated"`
}
