// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_OrderBeforeWrap(t *testing.T) {
	r := NewRing[int](4)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	assert.Equal(t, []int{1, 2, 3}, r.Slice())
	assert.Equal(t, 3, r.Len())
	assert.Zero(t, r.Dropped())
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, r.Slice())
	assert.Equal(t, uint64(2), r.Dropped())

	newest, ok := r.Newest()
	assert.True(t, ok)
	assert.Equal(t, 5, newest)
	assert.Equal(t, []int{5, 4}, r.Last(2))
	assert.Equal(t, []int{5, 4, 3}, r.Last(10))
}

func TestRing_EmptyAndReset(t *testing.T) {
	r := NewRing[string](0)
	assert.Equal(t, DefaultCapacity, r.Cap())
	assert.Nil(t, r.Slice())
	_, ok := r.Newest()
	assert.False(t, ok)

	r.Push("a")
	r.Reset()
	assert.Zero(t, r.Len())
	assert.Nil(t, r.Last(1))
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := NewLog[int](100)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Append(i)
				_ = l.Len()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, l.Len())
	assert.Equal(t, uint64(300), l.Dropped())
	assert.Len(t, l.Snapshot(), 100)
}
