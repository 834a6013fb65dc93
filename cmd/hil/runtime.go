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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianHIL/pkg/logging"
	"github.com/AleutianAI/AleutianHIL/services/hil/api"
	"github.com/AleutianAI/AleutianHIL/services/hil/config"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/recorder"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
	"github.com/AleutianAI/AleutianHIL/services/hil/telemetry"
)

const closeTimeout = 10 * time.Second

// runtime holds the process-wide components shared by every subcommand.
type runtime struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *telemetry.Metrics
	engine  *faults.Engine
	sched   *rtsched.Scheduler
	rec     *recorder.Async
	watcher *config.Watcher

	shutdownTelemetry func(context.Context) error
}

// newRuntime wires logging, telemetry, the fault engine, the scheduler,
// the recorder and, when path is set, the configuration watcher.
func newRuntime(ctx context.Context, path string, cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	rt.logger = logging.New(cfg.Logging)
	slog.SetDefault(rt.logger.Slog())
	log := rt.logger.Slog()

	rt.shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.metrics, err = telemetry.NewMetrics(otel.Meter("hil"))
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	targets, err := cfg.FaultTargets()
	if err != nil {
		return nil, err
	}
	opts := []faults.Option{
		faults.WithLogger(log),
		faults.WithTargets(append(session.Targets(), targets...)...),
		faults.WithSafetyLimits(cfg.Faults.SafetyLimits),
	}
	if cfg.Faults.Seed != 0 {
		opts = append(opts, faults.WithSeed(cfg.Faults.Seed))
	}
	if cfg.Faults.HistoryCapacity > 0 {
		opts = append(opts, faults.WithHistoryCapacity(cfg.Faults.HistoryCapacity))
	}
	rt.engine = faults.NewEngine(opts...)
	for _, s := range cfg.Faults.Scenarios {
		if err := rt.engine.ConfigureScenario(s); err != nil {
			return nil, err
		}
	}

	rt.sched, err = rtsched.New(cfg.Timing,
		rtsched.WithLogger(log),
		rtsched.WithElevator(rtsched.NewElevator(log)),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Recorder.Enabled {
		sink, err := openSinks(cfg.Recorder, log)
		if err != nil {
			return nil, err
		}
		rt.rec = recorder.NewAsync(sink,
			recorder.WithQueueSize(cfg.Recorder.QueueSize),
			recorder.WithBatchSize(cfg.Recorder.BatchSize),
			recorder.WithFlushInterval(cfg.Recorder.FlushInterval),
			recorder.WithLogger(log),
		)
	}

	if path != "" {
		rt.watcher, err = config.NewWatcher(path, rt.reload, log)
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func openSinks(cfg config.RecorderConfig, log *slog.Logger) (recorder.Sink, error) {
	var sinks recorder.Multi
	if cfg.Influx != nil {
		influx, err := recorder.NewInfluxSink(*cfg.Influx)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, influx)
	}
	if cfg.Journal != nil {
		jcfg := *cfg.Journal
		jcfg.Logger = log.With(slog.String("component", "journal"))
		journal, err := recorder.OpenJournal(jcfg)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, journal)
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("%w: recorder enabled without influx or journal", config.ErrInvalidConfig)
	}
	return sinks, nil
}

// reload applies a changed configuration file to the running components.
func (rt *runtime) reload(cfg *config.Config) {
	if err := config.Apply(cfg, rt.sched, rt.engine, rt.logger); err != nil {
		rt.logger.Warn("configuration not applied", slog.String("error", err.Error()))
	}
}

// sessionOptions returns the endpoint options shared by every subcommand.
func (rt *runtime) sessionOptions(id string, withScheduler bool) []session.Option {
	opts := []session.Option{
		session.WithLogger(rt.logger.Slog()),
		session.WithInjector(rt.engine),
		session.WithMetrics(rt.metrics),
		session.WithSnapshotCapacity(rt.cfg.Recorder.SnapshotCapacity),
		session.WithReceiveTimeout(rt.cfg.Network.ReceiveTimeout),
		session.WithTimeStep(rt.cfg.Timing.Period),
	}
	if withScheduler {
		opts = append(opts, session.WithScheduler(rt.sched))
	}
	if id != "" {
		opts = append(opts, session.WithRunID(id))
	}
	if rt.rec != nil {
		opts = append(opts, session.WithRecorder(rt.rec))
	}
	return opts
}

// serve runs loop alongside the API server and configuration watcher.
// When loop returns the others are stopped.
func (rt *runtime) serve(ctx context.Context, loop func(context.Context) error, endpoints ...api.Endpoint) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return loop(gctx)
	})

	if rt.cfg.API.Addr != "" {
		srv := api.New(rt.engine,
			api.WithEndpoints(endpoints...),
			api.WithMetricsHandler(telemetry.MetricsHandler()),
			api.WithLogger(rt.logger.Slog()),
			api.WithStreamInterval(rt.cfg.API.StreamInterval),
		)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, rt.cfg.API.Addr)
		})
	}

	if rt.watcher != nil {
		g.Go(func() error {
			rt.watcher.Start(gctx)
			return nil
		})
	}
	return g.Wait()
}

// startScenario executes name when it is set.
func (rt *runtime) startScenario(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	return rt.engine.ExecuteScenario(ctx, name)
}

// close stops the engine, drains the recorder and flushes telemetry. Safe
// on a partially built runtime.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Stop())
	}
	if rt.engine != nil {
		rt.engine.Close()
	}
	if rt.rec != nil {
		errs = append(errs, rt.rec.Close(ctx))
	}
	if rt.shutdownTelemetry != nil {
		errs = append(errs, rt.shutdownTelemetry(ctx))
	}
	if rt.logger != nil {
		errs = append(errs, rt.logger.Close())
	}
	return errors.Join(errs...)
}
