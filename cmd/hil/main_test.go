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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHIL/pkg/logging"
	"github.com/AleutianAI/AleutianHIL/pkg/ux"
	"github.com/AleutianAI/AleutianHIL/services/hil/config"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/recorder"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

// =============================================================================
// Helpers
// =============================================================================

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timing.Period = 2 * time.Millisecond
	cfg.Timing.Deadline = 0
	cfg.Network.ReceiveTimeout = time.Millisecond
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.Logging.Quiet = true
	return cfg
}

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		configPath, logLevel, scenario, runID = "", "", "", ""
		ticks = 0
	})
}

// =============================================================================
// Runtime
// =============================================================================

func TestLoopback_RecordsToJournal(t *testing.T) {
	cfg := testConfig()
	cfg.Recorder.Enabled = true
	cfg.Recorder.FlushInterval = 10 * time.Millisecond
	cfg.Recorder.Journal = &recorder.JournalConfig{InMemory: true}

	rt, err := newRuntime(context.Background(), "", cfg)
	require.NoError(t, err)

	sum, err := loopback(context.Background(), rt, 25, "", "run-journal")
	require.NoError(t, err)
	require.NoError(t, rt.close())

	require.Len(t, sum.endpoints, 2)
	ctrl, plant := sum.endpoints[0], sum.endpoints[1]
	assert.Equal(t, "controller", ctrl.Endpoint)
	assert.Equal(t, "plant", plant.Endpoint)
	assert.Equal(t, "run-journal", ctrl.RunID)
	assert.Equal(t, "run-journal", plant.RunID)
	assert.Equal(t, uint64(25), ctrl.Ticks)
	assert.Equal(t, uint64(25), plant.Ticks)
	assert.Equal(t, uint64(25), ctrl.Accepted)
	assert.GreaterOrEqual(t, sum.timing.Iterations, uint64(25))

	st := rt.rec.Stats()
	assert.Equal(t, uint64(50), st.Written)
	assert.Zero(t, st.Dropped)
	assert.Zero(t, st.Failed)
}

func TestLoopback_ExecutesScenario(t *testing.T) {
	cfg := testConfig()
	cfg.Faults.Seed = 3
	cfg.Faults.Scenarios = []faults.Scenario{{
		Name: "blackout",
		Profiles: []faults.Profile{{
			Kind:        faults.CommLoss,
			Target:      session.StateLink,
			Duration:    time.Hour,
			Probability: 1,
		}},
	}}

	rt, err := newRuntime(context.Background(), "", cfg)
	require.NoError(t, err)
	defer rt.close()

	sum, err := loopback(context.Background(), rt, 10, "blackout", "")
	require.NoError(t, err)

	ctrl, plant := sum.endpoints[0], sum.endpoints[1]
	assert.NotEmpty(t, ctrl.RunID)
	assert.Equal(t, uint64(10), plant.Dropped)
	assert.Equal(t, uint64(10), ctrl.Timeouts)
	assert.Zero(t, ctrl.Accepted)
	assert.Equal(t, 1, sum.faults.Injected)
	assert.Equal(t, "blackout", sum.faults.ScenarioRunning)
}

func TestLoopback_UnknownScenario(t *testing.T) {
	rt, err := newRuntime(context.Background(), "", testConfig())
	require.NoError(t, err)
	defer rt.close()

	_, err = loopback(context.Background(), rt, 5, "missing", "")
	assert.ErrorIs(t, err, faults.ErrUnknownScenario)
}

func TestNewRuntime_RecorderWithoutSinks(t *testing.T) {
	cfg := testConfig()
	cfg.Recorder.Enabled = true

	_, err := newRuntime(context.Background(), "", cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRuntime_ReloadAppliesTiming(t *testing.T) {
	rt, err := newRuntime(context.Background(), "", testConfig())
	require.NoError(t, err)
	defer rt.close()

	next := testConfig()
	next.Timing.Period = 4 * time.Millisecond
	next.Faults.SafetyLimits = map[string]float64{"actuator/*": 0.5}
	next.Logging.Level = logging.LevelDebug
	rt.reload(next)

	assert.Equal(t, 4*time.Millisecond, rt.sched.Constraints().Period)
	assert.Equal(t, logging.LevelDebug, rt.logger.Level())
	err = rt.engine.InjectFault(context.Background(), "big", faults.Profile{
		Kind:      faults.ActuatorBias,
		Target:    session.ActuatorTarget,
		Magnitude: 0.8,
	})
	assert.ErrorIs(t, err, faults.ErrSafetyLimitExceeded)
}

// =============================================================================
// Commands
// =============================================================================

func TestLoadConfig_FileAndLevelOverride(t *testing.T) {
	resetFlags(t)
	configPath = "../../configs/hil.example.yaml"
	logLevel = "debug"

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Faults.Scenarios)
}

func TestLoadConfig_BadLevel(t *testing.T) {
	resetFlags(t)
	logLevel = "chatty"

	_, err := loadConfig()
	assert.ErrorIs(t, err, logging.ErrUnknownLevel)
}

func TestValidateCommand(t *testing.T) {
	resetFlags(t)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", "../../configs/hil.example.yaml"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "configuration valid")
}

// =============================================================================
// Output
// =============================================================================

func TestSummary_PrintPlain(t *testing.T) {
	sum := &summary{
		endpoints: []session.Stats{{Endpoint: "controller", RunID: "r1", Ticks: 5, Timeouts: 2}},
		timing:    rtsched.Stats{Iterations: 5, JitterMax: 40 * time.Microsecond},
		faults:    faults.Stats{Injected: 1},
		recorder:  &recorder.Stats{Written: 5},
	}

	var buf bytes.Buffer
	sum.print(ux.NewPrinter(&buf, ux.ModePlain))

	out := buf.String()
	assert.Contains(t, out, "controller.run_id=r1\n")
	assert.Contains(t, out, "controller.ticks=5\n")
	assert.Contains(t, out, "controller.timeouts=2 status=warn\n")
	assert.Contains(t, out, "timing.jitter_max=40µs\n")
	assert.Contains(t, out, "timing.deadline_misses=0 status=ok\n")
	assert.Contains(t, out, "faults.injected=1\n")
	assert.Contains(t, out, "recorder.written=5\n")
}

func TestPrintReplay(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []recorder.Record{
		{RunID: "r1", Endpoint: "controller", Time: t0, Fresh: true},
		{RunID: "r1", Endpoint: "controller", Time: t0.Add(10 * time.Millisecond)},
		{RunID: "r1", Endpoint: "plant", Time: t0, Fresh: true},
	}

	var buf bytes.Buffer
	printReplay(ux.NewPrinter(&buf, ux.ModePlain), "r1", records)

	out := buf.String()
	assert.Contains(t, out, "controller.records=2\n")
	assert.Contains(t, out, "controller.fresh=1\n")
	assert.Contains(t, out, "controller.span=10ms\n")
	assert.Contains(t, out, "plant.records=1\n")

	buf.Reset()
	printReplay(ux.NewPrinter(&buf, ux.ModePlain), "r2", nil)
	assert.Equal(t, "WARN: no records for run r2\n", buf.String())
}
