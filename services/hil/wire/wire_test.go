// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package wire

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCommand_Layout(t *testing.T) {
	b := EncodeCommand(0x01020304, 1.5)
	require.Len(t, b, CommandFrameSize)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, b[0:4])
	assert.Equal(t, math.Float64bits(1.5), binary.BigEndian.Uint64(b[4:12]))
	assert.Equal(t, Checksum(b[:12]), binary.BigEndian.Uint32(b[12:16]))
	assert.Equal(t, KindCommand, Kind(b))
}

func TestEncodeState_Layout(t *testing.T) {
	vals := [StateChannels]float64{1, -2, 3.25, 0, math.Inf(1), -0.5}
	b := EncodeState(7, vals)
	require.Len(t, b, StateFrameSize)

	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[0:4]))
	for i, v := range vals {
		off := 4 + 8*i
		assert.Equal(t, math.Float64bits(v), binary.BigEndian.Uint64(b[off:off+8]))
	}
	assert.Equal(t, Checksum(b[:52]), binary.BigEndian.Uint32(b[52:56]))
	assert.Equal(t, KindState, Kind(b))
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		cmd := CommandFrame{Sequence: rng.Uint32(), Value: rng.NormFloat64() * 1e3}
		got, err := DecodeCommand(AppendCommand(nil, cmd))
		require.NoError(t, err)
		assert.Equal(t, cmd, got)

		st := StateFrame{Sequence: rng.Uint32()}
		for j := range st.Values {
			st.Values[j] = rng.NormFloat64()
		}
		gotState, err := DecodeState(AppendState(nil, st))
		require.NoError(t, err)
		assert.Equal(t, st, gotState)
	}
}

func TestAppend_PreservesPrefix(t *testing.T) {
	prefix := []byte{0xAA, 0xBB}
	b := AppendCommand(prefix, CommandFrame{Sequence: 3, Value: 2})
	require.Len(t, b, 2+CommandFrameSize)
	assert.Equal(t, []byte{0xAA, 0xBB}, b[:2])

	got, err := DecodeCommand(b[2:])
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.Sequence)
}

func TestDecode_LengthMismatch(t *testing.T) {
	_, err := DecodeCommand(make([]byte, 15))
	assert.ErrorIs(t, err, ErrLength)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeState(EncodeCommand(1, 1))
	assert.ErrorIs(t, err, ErrLength)

	_, err = DecodeCommand(nil)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, KindUnknown, Kind(nil))
}

func TestDecode_DetectsEverySingleBitFlip(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 42))
	for trial := 0; trial < 50; trial++ {
		var vals [StateChannels]float64
		for i := range vals {
			vals[i] = rng.Float64()
		}
		frames := [][]byte{
			EncodeCommand(rng.Uint32(), rng.Float64()),
			EncodeState(rng.Uint32(), vals),
		}
		for _, frame := range frames {
			for bit := 0; bit < len(frame)*8; bit++ {
				mutated := append([]byte(nil), frame...)
				mutated[bit/8] ^= 1 << (bit % 8)

				var err error
				if Kind(mutated) == KindCommand {
					_, err = DecodeCommand(mutated)
				} else {
					_, err = DecodeState(mutated)
				}
				require.ErrorIs(t, err, ErrChecksum, "bit %d of %s frame", bit, Kind(frame))
			}
		}
	}
}

func TestVerify_ShortBuffer(t *testing.T) {
	assert.False(t, Verify([]byte{1, 2, 3}))
	assert.True(t, Verify(EncodeCommand(9, -1)))
}
