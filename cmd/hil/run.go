// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

// initialState tilts the first pendulum so the demo loop has work to do.
var initialState = [6]float64{0.05, -0.02}

func runPlant(ctx context.Context, rt *runtime) (*summary, error) {
	t, err := session.NewUDPTransport(rt.cfg.Network.PlantAddr, rt.cfg.Network.ControllerAddr)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	plant := session.NewPlantServer(t, session.NewDemoPlant(initialState), rt.sessionOptions(runID, true)...)
	err = rt.serve(ctx, plant.Run, plant)
	return rt.summarize(plant), err
}

func runController(ctx context.Context, rt *runtime) (*summary, error) {
	t, err := session.NewUDPTransport(rt.cfg.Network.ControllerAddr, rt.cfg.Network.PlantAddr)
	if err != nil {
		return nil, err
	}
	defer t.Close()

	ctrl := session.NewController(t, newLaw(), rt.sessionOptions(runID, true)...)
	err = rt.serve(ctx, func(ctx context.Context) error {
		if err := rt.startScenario(ctx, scenario); err != nil {
			return err
		}
		return ctrl.Run(ctx)
	}, ctrl)
	return rt.summarize(ctrl), err
}

func runLoopback(ctx context.Context, rt *runtime) (*summary, error) {
	return loopback(ctx, rt, ticks, scenario, runID)
}

// loopback runs both endpoints over in-process pipes. Both record under
// the same run id.
func loopback(ctx context.Context, rt *runtime, n uint64, scenarioName, id string) (*summary, error) {
	if id == "" {
		id = uuid.NewString()
	}
	plantEnd, ctrlEnd := session.Pipe(16)
	defer plantEnd.Close()
	defer ctrlEnd.Close()

	plant := session.NewPlantServer(plantEnd, session.NewDemoPlant(initialState), rt.sessionOptions(id, false)...)
	ctrl := session.NewController(ctrlEnd, newLaw(), rt.sessionOptions(id, false)...)
	lb := session.NewLoopback(plant, ctrl, rt.sched, rt.logger.Slog())

	err := rt.serve(ctx, func(ctx context.Context) error {
		if err := rt.startScenario(ctx, scenarioName); err != nil {
			return err
		}
		return lb.Run(ctx, n)
	}, ctrl, plant)
	return rt.summarize(ctrl, plant), err
}
