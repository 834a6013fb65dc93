// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build !linux

package rtsched

import "log/slog"

type fallbackElevator struct{}

// NewElevator returns the elevator for the current platform. Outside Linux
// elevation is reported as unsupported so the scheduler logs once and runs
// best-effort.
func NewElevator(_ *slog.Logger) Elevator {
	return fallbackElevator{}
}

func (fallbackElevator) TryElevate(c Constraints) error {
	if c.Priority == 0 && len(c.CPUAffinity) == 0 {
		return nil
	}
	return ErrElevationUnsupported
}

func (fallbackElevator) Restore() error { return nil }
