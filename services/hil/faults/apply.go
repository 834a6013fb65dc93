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
	"math"
	"time"
)

// integrityTrailer is the length of the checksum at the end of every frame.
// Corruption never touches it, so the receiver's recomputed checksum
// disagrees with the stored one.
const integrityTrailer = 4

// PacketVerdict tells a session what to do with an outgoing datagram.
type PacketVerdict struct {
	// Payload is the datagram to send. It is a modified copy when a
	// corruption fault fired, otherwise the input slice.
	Payload []byte

	// Drop means the datagram must not be sent.
	Drop bool

	// Delay is latency to add before sending.
	Delay time.Duration

	// FaultID names the fault that acted, empty if none did.
	FaultID string
}

// sample carries one value or packet through apply.
type sample struct {
	value   float64
	payload []byte
	drop    bool
	delay   time.Duration
}

// apply is the single dispatch point for every fault kind. It mutates s in
// place and reports whether the fault changed it.
func (f *activeFault) apply(now time.Time, s *sample) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	scale := f.scaleLocked(now)
	if scale == 0 {
		return false
	}
	p := f.profile
	if p.Condition != nil && p.Kind.Class() != ClassCommunication && !p.Condition(s.value) {
		return false
	}

	switch p.Kind {
	case SensorBias, ActuatorBias:
		s.value += p.Magnitude * scale

	case SensorDrift:
		elapsed := now.Sub(f.onset).Seconds()
		s.value += (p.Offset + p.Magnitude*elapsed) * scale

	case SensorNoise:
		s.value += f.noise.Rand() * scale

	case SensorStuck, ActuatorStuck:
		if !f.captured {
			f.held, f.captured = s.value, true
		}
		s.value = f.held

	case SensorDropout:
		if !f.hasLast || f.rng.Float64() >= p.Probability {
			f.last, f.hasLast = s.value, true
			return false
		}
		s.value = f.last

	case ActuatorSaturation:
		limit := math.Abs(p.Magnitude)
		clamped := math.Max(-limit, math.Min(limit, s.value))
		if clamped == s.value {
			return false
		}
		s.value = clamped

	case ActuatorDeadband:
		if math.Abs(s.value) >= math.Abs(p.Magnitude) || s.value == 0 {
			return false
		}
		s.value = 0

	case CommDelay:
		s.delay += p.Delay

	case CommLoss:
		if f.rng.Float64() >= p.Probability {
			return false
		}
		s.drop = true

	case CommCorruption:
		if len(s.payload) <= integrityTrailer {
			return false
		}
		if p.Probability > 0 && f.rng.Float64() >= p.Probability {
			return false
		}
		s.payload = f.corruptLocked(s.payload)

	default:
		return false
	}

	f.applied++
	return true
}

// corruptLocked returns a copy of payload with distinct bits flipped in the
// region before the integrity trailer.
func (f *activeFault) corruptLocked(payload []byte) []byte {
	out := append([]byte(nil), payload...)
	bits := (len(out) - integrityTrailer) * 8
	n := min(max(f.profile.BitFlips, 1), bits)

	flipped := make(map[int]struct{}, n)
	for len(flipped) < n {
		bit := f.rng.IntN(bits)
		if _, dup := flipped[bit]; dup {
			continue
		}
		flipped[bit] = struct{}{}
		out[bit/8] ^= 1 << (bit % 8)
	}
	return out
}

// -----------------------------------------------------------------------------
// Hooks
// -----------------------------------------------------------------------------

// lookup returns the fault of the given class whose window contains now.
// Windows on one target never overlap, so at most one matches.
func (e *Engine) lookup(t Target, class Class, now time.Time) *activeFault {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range e.byTarget[t] {
		if f.profile.Kind.Class() == class && f.inWindow(now) {
			return f
		}
	}
	return nil
}

func (e *Engine) applyValue(t Target, class Class, value float64) float64 {
	now := e.clock.Now()
	f := e.lookup(t, class, now)
	if f == nil {
		return value
	}
	s := sample{value: value}
	if f.apply(now, &s) {
		faultsApplied.WithLabelValues(f.profile.Kind.String()).Inc()
	}
	return s.value
}

// ApplySensor routes a sensor reading through any sensor fault on t.
func (e *Engine) ApplySensor(t Target, value float64) float64 {
	return e.applyValue(t, ClassSensor, value)
}

// ApplyActuator routes an actuator command through any actuator fault on t.
func (e *Engine) ApplyActuator(t Target, value float64) float64 {
	return e.applyValue(t, ClassActuator, value)
}

// ApplyPacket routes an encoded datagram through any communication fault
// on t. The input slice is never modified.
func (e *Engine) ApplyPacket(t Target, payload []byte) PacketVerdict {
	now := e.clock.Now()
	v := PacketVerdict{Payload: payload}
	f := e.lookup(t, ClassCommunication, now)
	if f == nil {
		return v
	}
	s := sample{payload: payload}
	if !f.apply(now, &s) {
		return v
	}
	faultsApplied.WithLabelValues(f.profile.Kind.String()).Inc()
	return PacketVerdict{Payload: s.payload, Drop: s.drop, Delay: s.delay, FaultID: f.id}
}
