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
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/AleutianAI/AleutianHIL/services/hil/wire"
)

// maxSubstep bounds a single Euler step inside LinearPlant.Advance.
const maxSubstep = time.Millisecond

// ErrDimension indicates matrices that do not match the six-channel state.
var ErrDimension = errors.New("plant matrices must be 6x6 and 6x1")

// LinearPlant integrates x' = A·x + B·u with fixed-step forward Euler.
//
// It stands in for a real plant in the loopback command and in tests; any
// Plant implementation can replace it.
type LinearPlant struct {
	mu sync.Mutex
	a  *mat.Dense
	b  *mat.VecDense
	x  *mat.VecDense
	dx *mat.VecDense
}

// NewLinearPlant creates a plant from A (6x6), B (6) and initial state x0.
func NewLinearPlant(a *mat.Dense, b *mat.VecDense, x0 [wire.StateChannels]float64) (*LinearPlant, error) {
	if r, c := a.Dims(); r != wire.StateChannels || c != wire.StateChannels {
		return nil, fmt.Errorf("%w: A is %dx%d", ErrDimension, r, c)
	}
	if b.Len() != wire.StateChannels {
		return nil, fmt.Errorf("%w: B has %d rows", ErrDimension, b.Len())
	}
	init := x0
	return &LinearPlant{
		a:  mat.DenseCopyOf(a),
		b:  mat.VecDenseCopyOf(b),
		x:  mat.NewVecDense(wire.StateChannels, init[:]),
		dx: mat.NewVecDense(wire.StateChannels, nil),
	}, nil
}

// NewDemoPlant returns two damped pendulums coupled by a spring, riding on
// a damped cart driven by the command. Channel order matches Channels.
// Open-loop it is stable, so faults show up as deviations rather than
// divergence.
func NewDemoPlant(x0 [wire.StateChannels]float64) *LinearPlant {
	const (
		gravity  = 9.81 // g/l with l = 1m
		coupling = 0.5
		damping  = 0.4
		cartDrag = 0.8
	)
	a := mat.NewDense(wire.StateChannels, wire.StateChannels, []float64{
		0, 0, 1, 0, 0, 0,
		0, 0, 0, 1, 0, 0,
		-(gravity + coupling), coupling, -damping, 0, 0, 0,
		coupling, -(gravity + coupling), 0, -damping, 0, 0,
		0, 0, 0, 0, 0, 1,
		0, 0, 0, 0, 0, -cartDrag,
	})
	b := mat.NewVecDense(wire.StateChannels, []float64{0, 0, -1, -0.5, 0, 1})
	p, _ := NewLinearPlant(a, b, x0)
	return p
}

// Advance integrates for dt with the command held constant.
func (p *LinearPlant) Advance(command float64, dt time.Duration) [wire.StateChannels]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	steps := int(math.Ceil(float64(dt) / float64(maxSubstep)))
	h := dt.Seconds() / float64(max(steps, 1))
	for range steps {
		p.dx.MulVec(p.a, p.x)
		p.dx.AddScaledVec(p.dx, command, p.b)
		p.x.AddScaledVec(p.x, h, p.dx)
	}
	return p.stateLocked()
}

// State returns the current state without advancing.
func (p *LinearPlant) State() [wire.StateChannels]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *LinearPlant) stateLocked() [wire.StateChannels]float64 {
	var out [wire.StateChannels]float64
	copy(out[:], p.x.RawVector().Data)
	return out
}

// ProportionalLaw is full-state feedback u = -K·(x - r), optionally
// clamped to ±Limit.
type ProportionalLaw struct {
	Gains    [wire.StateChannels]float64
	Setpoint [wire.StateChannels]float64

	// Limit clamps the command when positive.
	Limit float64
}

// Compute implements ControlLaw.
func (l ProportionalLaw) Compute(estimate [wire.StateChannels]float64, _ time.Duration) float64 {
	errs := estimate
	floats.Sub(errs[:], l.Setpoint[:])
	u := -floats.Dot(l.Gains[:], errs[:])
	if l.Limit > 0 {
		u = math.Max(-l.Limit, math.Min(l.Limit, u))
	}
	return u
}
