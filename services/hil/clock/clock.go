// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock abstracts the time source shared by the scheduler and the
// fault engine.
//
// Real is backed by the monotonic OS clock. Manual is a virtual clock for
// deterministic tests: Sleep and Spin advance virtual time instead of
// blocking, and pending After channels fire as time passes them.
//
// # Thread Safety
//
// Both implementations are safe for concurrent use.
package clock

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Clock is the time capability consumed by timing-sensitive components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// At returns a channel that receives the time once the clock reaches t.
	At(t time.Time) <-chan time.Time

	// Sleep suspends the caller for d or until ctx is done.
	// Returns ctx.Err() if the context ended first.
	Sleep(ctx context.Context, d time.Duration) error

	// Spin actively waits until the clock reaches the given instant.
	// Used for sub-millisecond waits where timer resolution is too coarse.
	Spin(until time.Time)
}

// -----------------------------------------------------------------------------
// Real Clock
// -----------------------------------------------------------------------------

type realClock struct{}

// Real returns the process clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) At(t time.Time) <-chan time.Time { return time.After(time.Until(t)) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (realClock) Spin(until time.Time) {
	for time.Now().Before(until) {
		runtime.Gosched()
	}
}

// -----------------------------------------------------------------------------
// Manual Clock
// -----------------------------------------------------------------------------

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Manual is a virtual clock advanced explicitly by tests.
//
// Description:
//
//	Sleep and Spin never block: they move virtual time forward, which makes
//	zero-cost loop iterations exact. Any After channel whose deadline has
//	been reached is fired during the advance.
//
// Thread Safety: Safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

// NewManual creates a manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After implements Clock.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atLocked(m.now.Add(d))
}

// At implements Clock. The deadline is absolute, so a waiter registered
// after the clock has already passed t fires immediately.
func (m *Manual) At(t time.Time) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.atLocked(t)
}

func (m *Manual) atLocked(t time.Time) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if !t.After(m.now) {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{at: t, ch: ch})
	return ch
}

// Sleep implements Clock by advancing virtual time by d.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Advance(d)
	return nil
}

// Spin implements Clock by jumping virtual time to until.
func (m *Manual) Spin(until time.Time) {
	m.mu.Lock()
	d := until.Sub(m.now)
	m.mu.Unlock()
	if d > 0 {
		m.Advance(d)
	}
}

// Advance moves virtual time forward by d and fires due waiters.
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}

	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	sort.Slice(m.waiters, func(i, j int) bool {
		return m.waiters[i].at.Before(m.waiters[j].at)
	})
	due := 0
	for due < len(m.waiters) && !m.waiters[due].at.After(now) {
		due++
	}
	fired := m.waiters[:due]
	m.waiters = append([]waiter(nil), m.waiters[due:]...)
	m.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}

// Pending returns the number of unfired After channels.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
