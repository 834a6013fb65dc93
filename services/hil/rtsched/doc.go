// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rtsched paces a periodic loop against absolute deadlines and
// accounts for timing compliance.
//
// # Description
//
// A Scheduler fixes an anchor instant on Start and computes every deadline
// as anchor + k*period, so the schedule cannot drift regardless of how long
// individual iterations take. Each WaitForNextPeriod call checks whether the
// previous iteration overran its deadline, suspends until the next period
// boundary, and records the wake-up jitter.
//
// Timing violations are recorded as TimingEvents and reported to handlers.
// They are never returned as errors. Scheduling-class elevation is
// best-effort and isolated behind the Elevator capability.
//
// # Thread Safety
//
// WaitForNextPeriod, Start and Stop must be called from the loop goroutine.
// Stats, Events and SetConstraints are safe from any goroutine.
package rtsched
