// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wire implements the fixed-width binary frames exchanged between
// the plant and controller endpoints.
//
// # Frame Layouts
//
// Every multi-byte field is big-endian. The trailer is an IEEE CRC-32 over
// all preceding bytes of the frame.
//
//	Command (controller -> plant), 16 bytes:
//	  [0:4)   sequence  uint32
//	  [4:12)  value     float64
//	  [12:16) crc32     uint32
//
//	State (plant -> controller), 56 bytes:
//	  [0:4)   sequence  uint32
//	  [4:52)  values    6 x float64
//	  [52:56) crc32     uint32
//
// Decoding never panics. Length and checksum failures are reported as errors
// wrapping ErrCorrupt.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// StateChannels is the number of values carried by a StateFrame.
	StateChannels = 6

	seqSize     = 4
	valueSize   = 8
	trailerSize = 4

	// CommandFrameSize is the encoded length of a CommandFrame.
	CommandFrameSize = seqSize + valueSize + trailerSize

	// StateFrameSize is the encoded length of a StateFrame.
	StateFrameSize = seqSize + StateChannels*valueSize + trailerSize
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrCorrupt is the parent of every decode failure.
	ErrCorrupt = errors.New("corrupt frame")

	// ErrLength indicates the buffer is not the size of the requested frame.
	ErrLength = fmt.Errorf("%w: length mismatch", ErrCorrupt)

	// ErrChecksum indicates the trailer does not match the payload.
	ErrChecksum = fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// CommandFrame carries one actuator command from controller to plant.
type CommandFrame struct {
	Sequence uint32
	Value    float64
}

// StateFrame carries the plant state vector from plant to controller.
type StateFrame struct {
	Sequence uint32
	Values   [StateChannels]float64
}

// FrameKind classifies a raw datagram by its length.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindCommand
	KindState
)

// String implements fmt.Stringer.
func (k FrameKind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Kind reports which frame type b would decode as, based on length alone.
func Kind(b []byte) FrameKind {
	switch len(b) {
	case CommandFrameSize:
		return KindCommand
	case StateFrameSize:
		return KindState
	default:
		return KindUnknown
	}
}

// -----------------------------------------------------------------------------
// Checksum
// -----------------------------------------------------------------------------

// Checksum returns the IEEE CRC-32 of b.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Verify reports whether the trailing four bytes of frame match the checksum
// of the bytes before them. Both frame kinds share this routine.
func Verify(frame []byte) bool {
	if len(frame) < trailerSize {
		return false
	}
	body := len(frame) - trailerSize
	return binary.BigEndian.Uint32(frame[body:]) == Checksum(frame[:body])
}

func appendTrailer(b []byte, start int) []byte {
	return binary.BigEndian.AppendUint32(b, Checksum(b[start:]))
}

// -----------------------------------------------------------------------------
// Encoding
// -----------------------------------------------------------------------------

// AppendCommand appends the encoded command frame to dst.
func AppendCommand(dst []byte, f CommandFrame) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, f.Sequence)
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(f.Value))
	return appendTrailer(dst, start)
}

// EncodeCommand returns the 16-byte encoding of a command frame.
func EncodeCommand(seq uint32, value float64) []byte {
	return AppendCommand(make([]byte, 0, CommandFrameSize), CommandFrame{Sequence: seq, Value: value})
}

// AppendState appends the encoded state frame to dst.
func AppendState(dst []byte, f StateFrame) []byte {
	start := len(dst)
	dst = binary.BigEndian.AppendUint32(dst, f.Sequence)
	for _, v := range f.Values {
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v))
	}
	return appendTrailer(dst, start)
}

// EncodeState returns the 56-byte encoding of a state frame.
func EncodeState(seq uint32, values [StateChannels]float64) []byte {
	return AppendState(make([]byte, 0, StateFrameSize), StateFrame{Sequence: seq, Values: values})
}

// -----------------------------------------------------------------------------
// Decoding
// -----------------------------------------------------------------------------

func check(b []byte, size int) error {
	if len(b) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrLength, len(b), size)
	}
	if !Verify(b) {
		return ErrChecksum
	}
	return nil
}

// DecodeCommand parses a command frame.
//
// # Outputs
//
//   - CommandFrame: Parsed fields, zero on error.
//   - error: Wraps ErrLength or ErrChecksum (both wrap ErrCorrupt).
func DecodeCommand(b []byte) (CommandFrame, error) {
	if err := check(b, CommandFrameSize); err != nil {
		return CommandFrame{}, err
	}
	return CommandFrame{
		Sequence: binary.BigEndian.Uint32(b[0:seqSize]),
		Value:    math.Float64frombits(binary.BigEndian.Uint64(b[seqSize : seqSize+valueSize])),
	}, nil
}

// DecodeState parses a state frame.
//
// # Outputs
//
//   - StateFrame: Parsed fields, zero on error.
//   - error: Wraps ErrLength or ErrChecksum (both wrap ErrCorrupt).
func DecodeState(b []byte) (StateFrame, error) {
	if err := check(b, StateFrameSize); err != nil {
		return StateFrame{}, err
	}
	f := StateFrame{Sequence: binary.BigEndian.Uint32(b[0:seqSize])}
	off := seqSize
	for i := range f.Values {
		f.Values[i] = math.Float64frombits(binary.BigEndian.Uint64(b[off : off+valueSize]))
		off += valueSize
	}
	return f, nil
}
