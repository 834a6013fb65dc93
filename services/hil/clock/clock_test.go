// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_SleepAdvances(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)

	require.NoError(t, m.Sleep(context.Background(), 10*time.Millisecond))
	assert.Equal(t, start.Add(10*time.Millisecond), m.Now())
}

func TestManual_SleepCancelled(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, time.Unix(0, 0), m.Now(), "cancelled sleep must not move time")
}

func TestManual_SpinOnlyMovesForward(t *testing.T) {
	start := time.Unix(50, 0)
	m := NewManual(start)

	m.Spin(start.Add(-time.Second))
	assert.Equal(t, start, m.Now())

	m.Spin(start.Add(500 * time.Microsecond))
	assert.Equal(t, start.Add(500*time.Microsecond), m.Now())
}

func TestManual_AfterFiresInOrder(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	late := m.After(2 * time.Second)
	early := m.After(time.Second)
	assert.Equal(t, 2, m.Pending())

	m.Advance(time.Second)
	select {
	case <-early:
	default:
		t.Fatal("expected early waiter to fire")
	}
	select {
	case <-late:
		t.Fatal("late waiter fired too soon")
	default:
	}

	m.Advance(time.Second)
	select {
	case <-late:
	default:
		t.Fatal("expected late waiter to fire")
	}
	assert.Zero(t, m.Pending())
}

func TestManual_AfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration After should fire immediately")
	}
}

func TestManual_AtIsAbsolute(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	m.Advance(5 * time.Second)

	select {
	case <-m.At(start.Add(3 * time.Second)):
	default:
		t.Fatal("past deadline should fire immediately")
	}

	ch := m.At(start.Add(6 * time.Second))
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("expected At to fire")
	}
}

func TestReal_SleepHonoursContext(t *testing.T) {
	c := Real()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.Sleep(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestReal_SpinReachesTarget(t *testing.T) {
	c := Real()
	target := time.Now().Add(200 * time.Microsecond)
	c.Spin(target)
	assert.False(t, time.Now().Before(target))
}
