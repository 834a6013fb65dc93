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
	"fmt"
	"math"
	"time"
)

// Profile configures one fault.
//
// Timing fields are offsets from the moment the fault is injected (or from
// the start of the scenario repeat that injected it).
type Profile struct {
	// Kind selects the perturbation. Required.
	Kind Kind `yaml:"kind" json:"kind"`

	// Severity is a label for operators. It does not change behavior.
	Severity Severity `yaml:"severity" json:"severity"`

	// Target is the device/channel the fault perturbs. Required.
	Target Target `yaml:"target" json:"target"`

	// StartTime delays onset.
	StartTime time.Duration `yaml:"start_time" json:"start_time"`

	// Duration bounds the active window. Zero means until removed.
	Duration time.Duration `yaml:"duration" json:"duration"`

	// IntermittentPeriod alternates the effect on and off in slices of this
	// length, starting on. Zero means continuous.
	IntermittentPeriod time.Duration `yaml:"intermittent_period" json:"intermittent_period"`

	// Magnitude is the primary parameter: bias offset, drift rate per
	// second, saturation limit, deadband half-width, or noise sigma when
	// Noise is zero. Checked against the safety limit table.
	Magnitude float64 `yaml:"magnitude" json:"magnitude"`

	// Offset is the initial value of a drift.
	Offset float64 `yaml:"offset" json:"offset"`

	// Noise is the standard deviation of sensor noise.
	Noise float64 `yaml:"noise" json:"noise"`

	// Probability applies to dropout, loss and corruption. For corruption
	// zero means every packet.
	Probability float64 `yaml:"probability" json:"probability"`

	// Delay is the added latency of a comm delay fault.
	Delay time.Duration `yaml:"delay" json:"delay"`

	// BitFlips is the number of payload bits a corruption fault flips.
	// Zero means one.
	BitFlips int `yaml:"bit_flips" json:"bit_flips"`

	// Recoverable enables a recovery tail after Duration elapses, during
	// which additive effects fade linearly to zero over RecoveryTime.
	Recoverable  bool          `yaml:"recoverable" json:"recoverable"`
	RecoveryTime time.Duration `yaml:"recovery_time" json:"recovery_time"`

	// Condition gates value faults. When set, the effect applies only to
	// values for which it returns true.
	Condition func(value float64) bool `yaml:"-" json:"-"`
}

// Validate checks the profile for configuration errors.
func (p Profile) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %d", ErrInvalidProfile, int(p.Kind))
	}
	if p.Target.Device == "" || p.Target.Channel == "" || p.Target.Channel == Wildcard {
		return fmt.Errorf("%w: target %q must name one device channel", ErrInvalidProfile, p.Target)
	}
	if p.StartTime < 0 || p.Duration < 0 || p.IntermittentPeriod < 0 || p.RecoveryTime < 0 || p.Delay < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidProfile)
	}
	if p.Probability < 0 || p.Probability > 1 || math.IsNaN(p.Probability) {
		return fmt.Errorf("%w: probability %v outside [0,1]", ErrInvalidProfile, p.Probability)
	}
	if math.IsNaN(p.Magnitude) || math.IsInf(p.Magnitude, 0) {
		return fmt.Errorf("%w: magnitude must be finite", ErrInvalidProfile)
	}
	if p.Noise < 0 {
		return fmt.Errorf("%w: negative noise", ErrInvalidProfile)
	}
	if p.BitFlips < 0 {
		return fmt.Errorf("%w: negative bit flips", ErrInvalidProfile)
	}
	if p.Kind == CommDelay && p.Delay == 0 {
		return fmt.Errorf("%w: comm delay requires a delay", ErrInvalidProfile)
	}
	return nil
}

// window returns onset, expiry and end-of-recovery instants relative to
// base. Zero expiry means indefinite.
func (p Profile) window(base time.Time) (onset, expiry, settled time.Time) {
	onset = base.Add(p.StartTime)
	if p.Duration == 0 {
		return onset, time.Time{}, time.Time{}
	}
	expiry = onset.Add(p.Duration)
	settled = expiry
	if p.Recoverable {
		settled = expiry.Add(p.RecoveryTime)
	}
	return onset, expiry, settled
}

// -----------------------------------------------------------------------------
// Scenario
// -----------------------------------------------------------------------------

// Scenario is a named, repeatable group of profiles executed together.
type Scenario struct {
	// Name identifies the scenario. Required.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Profiles run concurrently within each repeat.
	Profiles []Profile `yaml:"profiles" json:"profiles" validate:"required,min=1"`

	// Repeat is the number of runs. Zero and one both mean a single run.
	Repeat int `yaml:"repeat" json:"repeat" validate:"gte=0"`

	// StartJitter, when positive, shifts each profile's start by a random
	// offset in [0, StartJitter), resampled for every repeat.
	StartJitter time.Duration `yaml:"start_jitter" json:"start_jitter" validate:"gte=0"`
}

func (s Scenario) repeats() int {
	if s.Repeat < 1 {
		return 1
	}
	return s.Repeat
}

// Validate checks the scenario and all of its profiles.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: scenario name required", ErrInvalidProfile)
	}
	if len(s.Profiles) == 0 {
		return fmt.Errorf("%w: scenario %q has no profiles", ErrInvalidProfile, s.Name)
	}
	if s.Repeat < 0 || s.StartJitter < 0 {
		return fmt.Errorf("%w: scenario %q has negative repeat or jitter", ErrInvalidProfile, s.Name)
	}
	for i, p := range s.Profiles {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("scenario %q profile %d: %w", s.Name, i, err)
		}
	}
	return nil
}

// clone copies the scenario so the engine owns its profiles.
func (s Scenario) clone() Scenario {
	s.Profiles = append([]Profile(nil), s.Profiles...)
	return s
}
