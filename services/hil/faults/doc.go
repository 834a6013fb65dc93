// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package faults implements the fault injection engine.
//
// # Description
//
// The Engine owns a registry of active, time-bounded perturbations. Each
// fault is described by a Profile: what kind of perturbation, which
// device/channel it targets, when it starts, how long it lasts, and its
// parameters. Sessions route values and packets through the hooks
// ApplySensor, ApplyActuator and ApplyPacket on every tick.
//
// # Fault Kinds
//
// The kind taxonomy is closed and dispatched by a single apply function:
//
//	Sensor:        bias, drift, noise, stuck, dropout
//	Actuator:      bias, stuck, saturation, deadband
//	Communication: delay, loss, corruption
//
// # Lifecycle
//
// InjectFault validates the profile (duplicate id, unknown target, safety
// limit, overlapping fault on the same channel) and spawns one goroutine
// per fault. The goroutine waits for onset, waits for expiry, and on every
// exit path reverses persistent state (releases a stuck capture, stops a
// bias) before marking the fault done. Effects are evaluated against the
// fault's time window whenever a hook is called, so a hook never observes a
// fault outside its window even if the goroutine has not yet woken up.
//
// Scenarios group profiles and run them concurrently, optionally repeated
// with randomized start jitter. Only one scenario runs at a time.
//
// # Thread Safety
//
// Engine is safe for concurrent use. The registry lock is held only across
// insert, remove and lookup.
package faults
