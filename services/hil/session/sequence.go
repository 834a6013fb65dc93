// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import "sync"

// SequenceTracker enforces strictly increasing sequence numbers on one
// receive direction.
//
// The first sequence seen is always accepted. After that a sequence is
// accepted only if it is greater than the last accepted one, so duplicates
// and reordered datagrams are dropped rather than applied out of order.
type SequenceTracker struct {
	mu       sync.Mutex
	last     uint32
	seen     bool
	accepted uint64
	rejected uint64
}

// Accept reports whether seq is newer than the last accepted sequence and,
// if so, records it.
func (t *SequenceTracker) Accept(seq uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen && seq <= t.last {
		t.rejected++
		return false
	}
	t.last, t.seen = seq, true
	t.accepted++
	return true
}

// Last returns the last accepted sequence and whether one exists.
func (t *SequenceTracker) Last() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.seen
}

// Counts returns how many sequences were accepted and rejected.
func (t *SequenceTracker) Counts() (accepted, rejected uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepted, t.rejected
}

// Reset forgets all history.
func (t *SequenceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last, t.seen = 0, false
	t.accepted, t.rejected = 0, 0
}
