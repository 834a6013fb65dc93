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
	"errors"
	"sync"

	"github.com/AleutianAI/AleutianHIL/services/hil/wire"
)

// PlantServer is the plant-side endpoint: it applies the newest accepted
// command to a Plant and streams sensed state back every tick.
type PlantServer struct {
	*endpoint

	plant Plant

	seq     uint32
	command float64

	stateMu sync.RWMutex
	state   [wire.StateChannels]float64
	sensed  [wire.StateChannels]float64
}

// NewPlantServer creates a plant endpoint that talks over t.
func NewPlantServer(t Transport, plant Plant, opts ...Option) *PlantServer {
	return &PlantServer{
		endpoint: newEndpoint("plant", t, opts),
		plant:    plant,
	}
}

// State returns the true state and the sensed state last transmitted.
func (p *PlantServer) State() (truth, sensed [wire.StateChannels]float64) {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.state, p.sensed
}

// Command returns the command currently applied.
func (p *PlantServer) Command() float64 {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.command
}

// Step performs one tick.
//
// Description:
//
//	Drains every queued CommandFrame, keeping the newest accepted one.
//	Without a fresh command the previous one stays applied. The plant is
//	advanced by one time step, each reading passes through its sensor
//	fault hook, and the result is sent as a StateFrame.
//
// Outputs:
//   - error: Only unrecoverable transport errors.
func (p *PlantServer) Step(ctx context.Context) error {
	if err := p.flushDue(ctx); err != nil {
		return err
	}

	fresh, err := p.drain(ctx)
	if err != nil {
		return err
	}

	state := p.plant.Advance(p.command, p.dt())
	var sensed [wire.StateChannels]float64
	for i, v := range state {
		sensed[i] = p.faults.ApplySensor(SensorTarget(i), v)
	}

	p.stateMu.Lock()
	p.state, p.sensed = state, sensed
	p.stateMu.Unlock()

	p.seq++
	p.tx = wire.AppendState(p.tx[:0], wire.StateFrame{Sequence: p.seq, Values: sensed})
	if err := p.send(ctx, StateLink, p.tx); err != nil {
		return err
	}

	p.finish(Snapshot{
		Time:     p.clock.Now(),
		Sequence: p.seq,
		Command:  p.command,
		State:    state,
		Fresh:    fresh,
	})
	return nil
}

// drain consumes every queued command without waiting.
func (p *PlantServer) drain(ctx context.Context) (bool, error) {
	fresh := false
	for {
		n, err := p.transport.Receive(ctx, p.rx, zeroDeadline)
		if errors.Is(err, ErrTimeout) {
			return fresh, nil
		}
		if err != nil {
			return fresh, err
		}
		p.received()

		frame, err := wire.DecodeCommand(p.rx[:n])
		if err != nil {
			p.discard(ctx, reasonCorrupt, 0, err)
			continue
		}
		if !p.tracker.Accept(frame.Sequence) {
			p.discard(ctx, reasonStale, frame.Sequence, nil)
			continue
		}

		p.accepted(frame.Sequence)
		p.stateMu.Lock()
		p.command = frame.Value
		p.stateMu.Unlock()
		fresh = true
	}
}

// Run paces Step with the scheduler until ctx is cancelled.
func (p *PlantServer) Run(ctx context.Context) error {
	return p.run(ctx, p.Step)
}
