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
	"strings"
)

// -----------------------------------------------------------------------------
// Kind
// -----------------------------------------------------------------------------

// Kind identifies a fault type. The set is closed.
type Kind int

const (
	KindUnknown Kind = iota

	SensorBias
	SensorDrift
	SensorNoise
	SensorStuck
	SensorDropout

	ActuatorBias
	ActuatorStuck
	ActuatorSaturation
	ActuatorDeadband

	CommDelay
	CommLoss
	CommCorruption

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:        "unknown",
	SensorBias:         "sensor_bias",
	SensorDrift:        "sensor_drift",
	SensorNoise:        "sensor_noise",
	SensorStuck:        "sensor_stuck",
	SensorDropout:      "sensor_dropout",
	ActuatorBias:       "actuator_bias",
	ActuatorStuck:      "actuator_stuck",
	ActuatorSaturation: "actuator_saturation",
	ActuatorDeadband:   "actuator_deadband",
	CommDelay:          "comm_delay",
	CommLoss:           "comm_loss",
	CommCorruption:     "comm_corruption",
}

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := SensorBias; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Valid reports whether k is a member of the closed set.
func (k Kind) Valid() bool { return k > KindUnknown && k < kindCount }

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Class returns the family the kind belongs to.
func (k Kind) Class() Class {
	switch {
	case k >= SensorBias && k <= SensorDropout:
		return ClassSensor
	case k >= ActuatorBias && k <= ActuatorDeadband:
		return ClassActuator
	case k >= CommDelay && k <= CommCorruption:
		return ClassCommunication
	default:
		return ClassUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidProfile, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind resolves a kind name such as "sensor_bias".
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k := SensorBias; k < kindCount; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown kind %q", ErrInvalidProfile, s)
}

// persistent reports whether the kind holds state that reversal must undo.
func (k Kind) persistent() bool {
	switch k {
	case SensorStuck, ActuatorStuck, SensorDropout, SensorBias, ActuatorBias, SensorDrift:
		return true
	default:
		return false
	}
}

// fades reports whether the kind's effect decays over the recovery tail
// rather than stopping at expiry.
func (k Kind) fades() bool {
	switch k {
	case SensorBias, ActuatorBias, SensorDrift, SensorNoise:
		return true
	default:
		return false
	}
}

// Class groups kinds by what they perturb.
type Class int

const (
	ClassUnknown Class = iota
	ClassSensor
	ClassActuator
	ClassCommunication
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassSensor:
		return "sensor"
	case ClassActuator:
		return "actuator"
	case ClassCommunication:
		return "communication"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Severity
// -----------------------------------------------------------------------------

// Severity is an operator-facing label carried on events and logs.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = []string{"low", "medium", "high", "critical"}

// String implements fmt.Stringer.
func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return "unknown"
	}
	return severityNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range severityNames {
		if n == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown severity %q", ErrInvalidProfile, name)
}

// -----------------------------------------------------------------------------
// Target
// -----------------------------------------------------------------------------

// Wildcard matches every channel of a device in target and safety-limit
// tables.
const Wildcard = "*"

// Target names one channel of one device, e.g. plant/theta1.
type Target struct {
	Device  string `yaml:"device" json:"device"`
	Channel string `yaml:"channel" json:"channel"`
}

// String returns "device/channel".
func (t Target) String() string { return t.Device + "/" + t.Channel }

// IsZero reports whether both fields are empty.
func (t Target) IsZero() bool { return t.Device == "" && t.Channel == "" }

// deviceWildcard returns the "device/*" form of t.
func (t Target) deviceWildcard() Target { return Target{Device: t.Device, Channel: Wildcard} }

// ParseTarget parses "device/channel".
func ParseTarget(s string) (Target, error) {
	device, channel, ok := strings.Cut(s, "/")
	if !ok || device == "" || channel == "" {
		return Target{}, fmt.Errorf("%w: target %q is not device/channel", ErrInvalidProfile, s)
	}
	return Target{Device: device, Channel: channel}, nil
}
