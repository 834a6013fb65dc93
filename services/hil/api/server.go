// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the fault engine and session telemetry over HTTP.
//
// Routes live under /v1/hil. GET /v1/hil/stream upgrades to a websocket
// that pushes the newest snapshot of each endpoint as it advances.
// Prometheus metrics are served at /metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

// DefaultStreamInterval is the websocket push interval when none is set.
const DefaultStreamInterval = 100 * time.Millisecond

const shutdownTimeout = 5 * time.Second

// Endpoint is the read side of a running session endpoint. Both
// *session.Controller and *session.PlantServer satisfy it.
type Endpoint interface {
	Stats() session.Stats
	Latest() (session.Snapshot, bool)
	Snapshots() []session.Snapshot
	Scheduler() *rtsched.Scheduler
}

// Server serves the orchestration API.
type Server struct {
	engine    *faults.Engine
	endpoints []Endpoint
	metrics   http.Handler
	logger    *slog.Logger
	interval  time.Duration
	router    *gin.Engine

	quit      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithEndpoints registers the endpoints reported by stats, snapshots and
// the stream.
func WithEndpoints(endpoints ...Endpoint) Option {
	return func(s *Server) { s.endpoints = append(s.endpoints, endpoints...) }
}

// WithMetricsHandler serves h at /metrics instead of the default
// Prometheus registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStreamInterval sets how often the websocket stream polls endpoints.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a Server over engine and builds its router.
func New(engine *faults.Engine, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		metrics:  promhttp.Handler(),
		logger:   slog.Default(),
		interval: DefaultStreamInterval,
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("hil-api"))
	SetupRoutes(router, s)
	s.router = router
	return s
}

// SetupRoutes registers the API routes on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.metrics))

	v1 := router.Group("/v1")
	{
		hil := v1.Group("/hil")
		{
			hil.GET("/stats", s.handleStats)
			hil.GET("/snapshots", s.handleSnapshots)
			hil.GET("/stream", s.handleStream)

			faultRoutes := hil.Group("/faults")
			{
				faultRoutes.GET("", s.handleListFaults)
				faultRoutes.POST("", s.handleInjectFault)
				faultRoutes.DELETE("", s.handleClearFaults)
				faultRoutes.GET("/events", s.handleFaultEvents)
				faultRoutes.DELETE("/:id", s.handleRemoveFault)
			}

			scenarios := hil.Group("/scenarios")
			{
				scenarios.GET("", s.handleListScenarios)
				scenarios.POST("", s.handleConfigureScenario)
				scenarios.POST("/stop", s.handleStopScenario)
				scenarios.POST("/:name/execute", s.handleExecuteScenario)
			}
		}
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// and closes open streams.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends every open stream. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
}

func (s *Server) endpoint(name string) (Endpoint, bool) {
	for _, ep := range s.endpoints {
		if ep.Stats().Endpoint == name {
			return ep, true
		}
	}
	return nil, false
}
