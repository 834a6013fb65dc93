// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build linux

package rtsched

import (
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// prioNiceBase converts the raw getpriority(2) return value (20 - nice)
// back to a nice value.
const prioNiceBase = 20

// bestEffortNice is the priority hint applied when SCHED_FIFO is refused.
const bestEffortNice = -10

// linuxElevator uses sched_setattr(2), sched_setaffinity(2) and
// setpriority(2) on the calling thread.
type linuxElevator struct {
	logger *slog.Logger

	savedAttr     *unix.SchedAttr
	savedAffinity *unix.CPUSet
	savedNice     *int
}

// NewElevator returns the elevator for the current platform.
func NewElevator(logger *slog.Logger) Elevator {
	if logger == nil {
		logger = slog.Default()
	}
	return &linuxElevator{logger: logger}
}

// TryElevate implements Elevator.
func (e *linuxElevator) TryElevate(c Constraints) error {
	var errs []error

	if len(c.CPUAffinity) > 0 {
		if err := e.setAffinity(c.CPUAffinity); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Priority > 0 {
		if err := e.setFIFO(c.Priority); err != nil {
			errs = append(errs, err)
			if nerr := e.setNice(bestEffortNice); nerr != nil {
				errs = append(errs, nerr)
			} else {
				e.logger.Info("fell back to best-effort priority hint",
					slog.Int("nice", bestEffortNice),
				)
			}
		}
	}

	return errors.Join(errs...)
}

func (e *linuxElevator) setAffinity(cpus []int) error {
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return fmt.Errorf("read cpu affinity: %w", err)
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("set cpu affinity %v: %w", cpus, err)
	}
	e.savedAffinity = &prev
	return nil
}

func (e *linuxElevator) setFIFO(priority int) error {
	prev, err := unix.SchedGetAttr(0, 0)
	if err != nil {
		return fmt.Errorf("read scheduling attributes: %w", err)
	}
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("set SCHED_FIFO priority %d: %w", priority, err)
	}
	e.savedAttr = prev
	return nil
}

func (e *linuxElevator) setNice(nice int) error {
	raw, err := unix.Getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		return fmt.Errorf("read nice value: %w", err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, nice); err != nil {
		return fmt.Errorf("set nice %d: %w", nice, err)
	}
	prev := prioNiceBase - raw
	e.savedNice = &prev
	return nil
}

// Restore implements Elevator.
func (e *linuxElevator) Restore() error {
	var errs []error
	if e.savedAttr != nil {
		if err := unix.SchedSetAttr(0, e.savedAttr, 0); err != nil {
			errs = append(errs, fmt.Errorf("restore scheduling attributes: %w", err))
		}
		e.savedAttr = nil
	}
	if e.savedNice != nil {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, *e.savedNice); err != nil {
			errs = append(errs, fmt.Errorf("restore nice: %w", err))
		}
		e.savedNice = nil
	}
	if e.savedAffinity != nil {
		if err := unix.SchedSetaffinity(0, e.savedAffinity); err != nil {
			errs = append(errs, fmt.Errorf("restore cpu affinity: %w", err))
		}
		e.savedAffinity = nil
	}
	return errors.Join(errs...)
}
