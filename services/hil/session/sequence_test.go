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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHIL/services/hil/clock"
	"github.com/AleutianAI/AleutianHIL/services/hil/wire"
)

func TestSequenceTracker_OutOfOrder(t *testing.T) {
	var tr SequenceTracker
	var accepted []uint32
	for _, seq := range []uint32{1, 2, 5, 3, 4} {
		if tr.Accept(seq) {
			accepted = append(accepted, seq)
		}
	}
	assert.Equal(t, []uint32{1, 2, 5}, accepted)

	last, ok := tr.Last()
	assert.True(t, ok)
	assert.Equal(t, uint32(5), last)

	acc, rej := tr.Counts()
	assert.Equal(t, uint64(3), acc)
	assert.Equal(t, uint64(2), rej)
}

func TestSequenceTracker_DuplicateAndReset(t *testing.T) {
	var tr SequenceTracker
	assert.True(t, tr.Accept(7))
	assert.False(t, tr.Accept(7))

	tr.Reset()
	_, ok := tr.Last()
	assert.False(t, ok)
	assert.True(t, tr.Accept(3), "first sequence after reset is accepted")
}

// constantPlant echoes the applied command into every channel.
type constantPlant struct{}

func (constantPlant) Advance(command float64, _ time.Duration) [wire.StateChannels]float64 {
	var s [wire.StateChannels]float64
	for i := range s {
		s[i] = command
	}
	return s
}

func TestPlantServer_RetainsLastAcceptedCommand(t *testing.T) {
	ctx := context.Background()
	plantEnd, ctrlEnd := Pipe(16)
	clk := clock.NewManual(time.Unix(0, 0))
	plant := NewPlantServer(plantEnd, constantPlant{}, WithClock(clk))

	values := map[uint32]float64{1: 0.1, 2: 0.2, 5: 0.5, 3: 0.3, 4: 0.4}
	for _, seq := range []uint32{1, 2, 5, 3, 4} {
		require.NoError(t, ctrlEnd.Send(ctx, wire.EncodeCommand(seq, values[seq])))
	}

	require.NoError(t, plant.Step(ctx))

	assert.Equal(t, 0.5, plant.Command(), "last accepted, not last received")
	st := plant.Stats()
	assert.Equal(t, uint64(5), st.Received)
	assert.Equal(t, uint64(3), st.Accepted)
	assert.Equal(t, uint64(2), st.Stale)
	assert.Equal(t, uint32(5), st.LastAccepted)

	buf := make([]byte, 128)
	n, err := ctrlEnd.Receive(ctx, buf, time.Time{})
	require.NoError(t, err)
	frame, err := wire.DecodeState(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), frame.Sequence)
	assert.Equal(t, 0.5, frame.Values[0])
}

func TestPlantServer_DiscardsCorruptCommand(t *testing.T) {
	ctx := context.Background()
	plantEnd, ctrlEnd := Pipe(16)
	plant := NewPlantServer(plantEnd, constantPlant{})

	good := wire.EncodeCommand(1, 2.5)
	require.NoError(t, ctrlEnd.Send(ctx, good))
	require.NoError(t, plant.Step(ctx))

	bad := wire.EncodeCommand(2, 9.9)
	bad[5] ^= 0x10
	require.NoError(t, ctrlEnd.Send(ctx, bad))
	require.NoError(t, ctrlEnd.Send(ctx, []byte{1, 2, 3}))
	require.NoError(t, plant.Step(ctx))

	assert.Equal(t, 2.5, plant.Command())
	assert.Equal(t, uint64(2), plant.Stats().Corrupt)

	snaps := plant.Snapshots()
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Fresh)
	assert.False(t, snaps[1].Fresh)
	assert.Equal(t, uint64(2), snaps[1].Tick)
}
