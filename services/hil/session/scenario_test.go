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

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHIL/services/hil/clock"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/wire"
)

const (
	scenarioTicks = 1000 // 10 s at 100 Hz
	tickPeriod    = 10 * time.Millisecond
)

// openLoopLaw ignores the estimate so faulted and baseline runs drive the
// plant identically.
var openLoopLaw = ControlLawFunc(func(_ [wire.StateChannels]float64, elapsed time.Duration) float64 {
	return 0.5 * math.Sin(math.Pi*elapsed.Seconds())
})

func newLoopback(t *testing.T, clk *clock.Manual, inj Injector) *Loopback {
	t.Helper()
	sched, err := rtsched.New(rtsched.Constraints{Period: tickPeriod},
		rtsched.WithClock(clk), rtsched.WithElevator(rtsched.NoopElevator{}))
	require.NoError(t, err)

	plantEnd, ctrlEnd := Pipe(16)
	opts := []Option{
		WithClock(clk),
		WithInjector(inj),
		WithSnapshotCapacity(scenarioTicks),
		WithReceiveTimeout(time.Millisecond),
	}
	plant := NewPlantServer(plantEnd, NewDemoPlant([wire.StateChannels]float64{0.3, -0.2}), opts...)
	ctrl := NewController(ctrlEnd, openLoopLaw, opts...)
	return NewLoopback(plant, ctrl, sched, nil)
}

func TestLoopback_DriftFreeTicks(t *testing.T) {
	clk := clock.NewManual(epoch)
	loop := newLoopback(t, clk, nil)

	require.NoError(t, loop.Run(context.Background(), 50))

	snaps := loop.Controller.Snapshots()
	require.Len(t, snaps, 50)
	for k, s := range snaps {
		assert.Equal(t, epoch.Add(time.Duration(k)*tickPeriod), s.Time)
		assert.True(t, s.Fresh)
		assert.Equal(t, uint32(k+1), s.Sequence)
	}
	st := loop.Scheduler().Stats()
	assert.Equal(t, uint64(0), st.DeadlineMisses)
}

func TestLoopback_BiasAndLossScenario(t *testing.T) {
	ctx := context.Background()

	baseline := newLoopback(t, clock.NewManual(epoch), nil)
	require.NoError(t, baseline.Run(ctx, scenarioTicks))
	want := baseline.Controller.Snapshots()
	require.Len(t, want, scenarioTicks)

	clk := clock.NewManual(epoch)
	engine := newEngine(t, clk)
	require.NoError(t, engine.ConfigureScenario(faults.Scenario{
		Name: "bias-and-loss",
		Profiles: []faults.Profile{
			{
				Kind:      faults.SensorBias,
				Severity:  faults.SeverityMedium,
				Target:    SensorTarget(0),
				StartTime: 2 * time.Second,
				Duration:  3 * time.Second,
				Magnitude: 0.1,
			},
			{
				Kind:        faults.CommLoss,
				Severity:    faults.SeverityHigh,
				Target:      StateLink,
				StartTime:   3 * time.Second,
				Duration:    5 * time.Second,
				Probability: 0.2,
			},
		},
	}))
	require.NoError(t, engine.ExecuteScenario(ctx, "bias-and-loss"))

	loop := newLoopback(t, clk, engine)
	require.NoError(t, loop.Run(ctx, scenarioTicks))
	got := loop.Controller.Snapshots()
	require.Len(t, got, scenarioTicks)

	inBias := func(at time.Time) bool {
		return !at.Before(epoch.Add(2*time.Second)) && at.Before(epoch.Add(5*time.Second))
	}
	inLoss := func(at time.Time) bool {
		return !at.Before(epoch.Add(3*time.Second)) && at.Before(epoch.Add(8*time.Second))
	}

	var held, biased int
	for k := range got {
		g, w := got[k], want[k]
		require.True(t, w.Fresh)
		require.Equal(t, w.Time, g.Time)
		assert.Equal(t, w.Command, g.Command, "tick %d", k)

		if !g.Fresh {
			require.True(t, inLoss(g.Time), "tick %d lost outside the loss window", k)
			require.Positive(t, k)
			assert.Equal(t, got[k-1].State, g.State, "tick %d must hold last-known-good", k)
			held++
			continue
		}

		if inBias(g.Time) {
			assert.InDelta(t, w.State[0]+0.1, g.State[0], 1e-9, "tick %d", k)
			biased++
		} else {
			assert.Equal(t, w.State[0], g.State[0], "tick %d", k)
		}
		assert.Equal(t, w.State[1:], g.State[1:], "tick %d", k)
	}

	assert.Positive(t, held, "comm loss must drop some state frames")
	assert.Less(t, held, 500)
	assert.Positive(t, biased)
	assert.Equal(t, uint64(held), loop.Plant.Stats().Dropped)
	assert.Equal(t, uint64(held), loop.Controller.Stats().Timeouts)

	injected := 0
	for _, ev := range engine.Events() {
		if ev.Type == faults.EventInject && ev.Success {
			injected++
		}
	}
	assert.Equal(t, 2, injected)

	engine.StopScenario()
}
