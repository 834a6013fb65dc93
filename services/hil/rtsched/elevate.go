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

import "errors"

// ErrElevationUnsupported is returned by elevators on platforms without
// real-time scheduling support.
var ErrElevationUnsupported = errors.New("real-time elevation not supported on this platform")

// Elevator requests and releases OS real-time scheduling for the calling
// thread.
//
// Description:
//
//	TryElevate applies what it can and returns an error describing what it
//	could not. The scheduler treats any error as a warning. Restore must
//	put back whatever TryElevate changed, including partial changes.
//
// Thread Safety: Both methods act on the calling OS thread and must be
// invoked from the same goroutine while it is locked to its thread.
type Elevator interface {
	TryElevate(c Constraints) error
	Restore() error
}

// NoopElevator never changes scheduling. Used for tests and as the
// fallback on unsupported platforms.
type NoopElevator struct{}

// TryElevate implements Elevator.
func (NoopElevator) TryElevate(Constraints) error { return nil }

// Restore implements Elevator.
func (NoopElevator) Restore() error { return nil }
