// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history provides bounded in-memory logs for timing events, fault
// events and session snapshots.
package history

import "sync"

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 1024

// Ring is a fixed-size circular buffer that overwrites its oldest entry
// when full.
//
// # Thread Safety
//
// NOT safe for concurrent use; see Log for a guarded wrapper.
type Ring[T any] struct {
	data    []T
	head    int // next write position
	count   int
	dropped uint64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends item, evicting the oldest entry when at capacity.
func (r *Ring[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count == len(r.data) {
		r.dropped++
		return
	}
	r.count++
}

func (r *Ring[T]) tail() int {
	return (r.head - r.count + len(r.data)) % len(r.data)
}

// Slice returns a copy of the contents ordered oldest to newest.
func (r *Ring[T]) Slice() []T {
	if r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	t := r.tail()
	n := copy(out, r.data[t:min(t+r.count, len(r.data))])
	copy(out[n:], r.data[:r.count-n])
	return out
}

// Newest returns the most recently pushed item.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.data[(r.head-1+len(r.data))%len(r.data)], true
}

// Last returns up to n items, newest first.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || r.count == 0 {
		return nil
	}
	n = min(n, r.count)
	out := make([]T, n)
	for i := range n {
		out[i] = r.data[(r.head-1-i+2*len(r.data))%len(r.data)]
	}
	return out
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the maximum number of retained items.
func (r *Ring[T]) Cap() int { return len(r.data) }

// Dropped returns how many items have been evicted by overwrite.
func (r *Ring[T]) Dropped() uint64 { return r.dropped }

// Reset empties the ring and zeroes the eviction counter.
func (r *Ring[T]) Reset() {
	clear(r.data)
	r.head, r.count, r.dropped = 0, 0, 0
}

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// Log is a mutex-guarded Ring.
//
// Description:
//
//	The lock is held only for the append or copy itself, so writers on a
//	timing-critical path never wait on readers doing anything slower than
//	a slice copy.
//
// Thread Safety: Safe for concurrent use.
type Log[T any] struct {
	mu   sync.Mutex
	ring *Ring[T]
}

// NewLog creates a guarded log with the given capacity.
func NewLog[T any](capacity int) *Log[T] {
	return &Log[T]{ring: NewRing[T](capacity)}
}

// Append records item.
func (l *Log[T]) Append(item T) {
	l.mu.Lock()
	l.ring.Push(item)
	l.mu.Unlock()
}

// Snapshot returns a copy of the retained items, oldest first.
func (l *Log[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Slice()
}

// Last returns up to n items, newest first.
func (l *Log[T]) Last(n int) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Last(n)
}

// Newest returns the most recent item.
func (l *Log[T]) Newest() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Newest()
}

// Len returns the number of retained items.
func (l *Log[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Len()
}

// Dropped returns the number of evicted items.
func (l *Log[T]) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Dropped()
}

// Reset empties the log.
func (l *Log[T]) Reset() {
	l.mu.Lock()
	l.ring.Reset()
	l.mu.Unlock()
}
