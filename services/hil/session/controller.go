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
	"time"

	"github.com/AleutianAI/AleutianHIL/services/hil/telemetry"
	"github.com/AleutianAI/AleutianHIL/services/hil/wire"
)

// Controller is the controller-side endpoint: it sends commands and keeps
// a last-known-good state estimate.
type Controller struct {
	*endpoint

	law ControlLaw

	seq     uint32
	started time.Time
	command float64

	estMu    sync.RWMutex
	estimate [wire.StateChannels]float64
}

// NewController creates a controller that talks over t and computes
// commands with law.
func NewController(t Transport, law ControlLaw, opts ...Option) *Controller {
	return &Controller{
		endpoint: newEndpoint("controller", t, opts),
		law:      law,
	}
}

// Estimate returns the current state estimate.
func (c *Controller) Estimate() [wire.StateChannels]float64 {
	c.estMu.RLock()
	defer c.estMu.RUnlock()
	return c.estimate
}

// Step performs one tick: Transmit followed by Collect.
func (c *Controller) Step(ctx context.Context) error {
	if err := c.Transmit(ctx); err != nil {
		return err
	}
	_, err := c.Collect(ctx)
	return err
}

// Transmit computes, perturbs, encodes and sends the next command.
//
// Outputs:
//   - error: Only unrecoverable transport errors.
func (c *Controller) Transmit(ctx context.Context) error {
	if err := c.flushDue(ctx); err != nil {
		return err
	}

	now := c.clock.Now()
	if c.started.IsZero() {
		c.started = now
	}

	c.seq++
	u := c.law.Compute(c.Estimate(), now.Sub(c.started))
	u = c.faults.ApplyActuator(ActuatorTarget, u)
	c.command = u

	c.tx = wire.AppendCommand(c.tx[:0], wire.CommandFrame{Sequence: c.seq, Value: u})
	return c.send(ctx, CommandLink, c.tx)
}

// Collect waits up to the receive timeout for a StateFrame newer than the
// last one accepted. Corrupt and stale frames are discarded and waiting
// continues. On timeout the previous estimate is kept.
//
// Outputs:
//   - bool: True if a fresh frame updated the estimate.
//   - error: Only unrecoverable transport errors.
func (c *Controller) Collect(ctx context.Context) (bool, error) {
	fresh, err := c.collect(ctx)
	if err != nil {
		return false, err
	}

	c.finish(Snapshot{
		Time:     c.clock.Now(),
		Sequence: c.seq,
		Command:  c.command,
		State:    c.Estimate(),
		Fresh:    fresh,
	})
	return fresh, nil
}

func (c *Controller) collect(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(c.timeout)
	for {
		n, err := c.transport.Receive(ctx, c.rx, deadline)
		switch {
		case errors.Is(err, ErrTimeout):
			c.mu.Lock()
			c.stats.Timeouts++
			c.mu.Unlock()
			c.metrics.ReceiveTimeoutsTotal.Add(ctx, 1, telemetry.Endpoint(c.name))
			return false, nil
		case err != nil:
			return false, err
		}
		c.received()

		frame, err := wire.DecodeState(c.rx[:n])
		if err != nil {
			c.discard(ctx, reasonCorrupt, 0, err)
			continue
		}
		if !c.tracker.Accept(frame.Sequence) {
			c.discard(ctx, reasonStale, frame.Sequence, nil)
			continue
		}

		c.accepted(frame.Sequence)
		c.estMu.Lock()
		c.estimate = frame.Values
		c.estMu.Unlock()
		return true, nil
	}
}

// Run paces Step with the scheduler until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	return c.run(ctx, c.Step)
}
