// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session glues the wire codec, scheduler and fault engine into the
// two endpoints of a HIL co-simulation.
//
// # Endpoints
//
// A Controller transmits one CommandFrame per tick and then collects the
// newest StateFrame, waiting at most the receive timeout. When nothing
// fresh arrives it keeps its previous estimate (last-known-good).
//
// A PlantServer drains pending CommandFrames, integrates its Plant with the
// newest accepted command, routes each reading through the sensor fault
// hooks and replies with a StateFrame.
//
// Corrupt and stale frames are discarded on both sides without affecting
// state. Only an explicit stop or an unrecoverable transport error ends
// an endpoint loop.
//
// # Fault targets
//
// Sensor faults address "plant/<channel>" using the names in Channels.
// Actuator faults address "actuator/u". Communication faults address
// "link/state" (plant to controller) and "link/command" (controller to
// plant). Targets returns the full set for registration on an engine.
//
// # Thread Safety
//
// Step and Run must be called from a single goroutine per endpoint.
// Stats and Snapshots are safe to call concurrently with a running loop.
package session
