// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
)

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrAlreadyActive),
		errors.Is(err, faults.ErrChannelBusy),
		errors.Is(err, faults.ErrScenarioBusy):
		return http.StatusConflict
	case errors.Is(err, faults.ErrUnknownScenario):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrSafetyLimitExceeded),
		errors.Is(err, faults.ErrUnknownTarget):
		return http.StatusUnprocessableEntity
	case errors.Is(err, faults.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, errorResponse{Error: err.Error()})
}

// lastN parses the optional "last" query parameter. Zero means all.
func lastN(c *gin.Context) (int, error) {
	raw := c.Query("last")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("last must be a non-negative integer")
	}
	return n, nil
}

func tail[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

// -----------------------------------------------------------------------------
// Health and stats
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "healthy", "endpoints": len(s.endpoints)}
	if name, ok := s.engine.RunningScenario(); ok {
		body["scenario"] = name
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	resp := StatsResponse{
		Endpoints: make([]EndpointView, 0, len(s.endpoints)),
		Faults:    s.engine.Stats(),
	}
	for _, ep := range s.endpoints {
		resp.Endpoints = append(resp.Endpoints, EndpointView{
			Session: ep.Stats(),
			Timing:  newTimingView(ep.Scheduler()),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSnapshots(c *gin.Context) {
	n, err := lastN(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	name := c.Query("endpoint")
	if name == "" {
		if len(s.endpoints) != 1 {
			s.fail(c, http.StatusBadRequest, errors.New("endpoint query parameter is required"))
			return
		}
		name = s.endpoints[0].Stats().Endpoint
	}
	ep, ok := s.endpoint(name)
	if !ok {
		s.fail(c, http.StatusNotFound, errors.New("unknown endpoint "+strconv.Quote(name)))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"endpoint":  name,
		"snapshots": tail(ep.Snapshots(), n),
	})
}

// -----------------------------------------------------------------------------
// Faults
// -----------------------------------------------------------------------------

func (s *Server) handleListFaults(c *gin.Context) {
	active := s.engine.Active()
	views := make([]FaultView, 0, len(active))
	for _, f := range active {
		views = append(views, newFaultView(f))
	}
	c.JSON(http.StatusOK, gin.H{"faults": views})
}

func (s *Server) handleFaultEvents(c *gin.Context) {
	n, err := lastN(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	events := tail(s.engine.Events(), n)
	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, newEventView(e))
	}
	c.JSON(http.StatusOK, gin.H{"events": views})
}

func (s *Server) handleInjectFault(c *gin.Context) {
	var req InjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	profile, err := req.Profile()
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.engine.InjectFault(c.Request.Context(), id, profile); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleRemoveFault(c *gin.Context) {
	id := c.Param("id")
	if !s.engine.RemoveFault(id) {
		s.fail(c, http.StatusNotFound, errors.New("fault "+strconv.Quote(id)+" is not active"))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClearFaults(c *gin.Context) {
	cleared := len(s.engine.Active())
	s.engine.ClearAllFaults()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// -----------------------------------------------------------------------------
// Scenarios
// -----------------------------------------------------------------------------

func (s *Server) handleListScenarios(c *gin.Context) {
	configured := s.engine.Scenarios()
	resp := ScenariosResponse{
		Configured: make([]string, 0, len(configured)),
		Runs:       s.engine.ScenarioRuns(),
	}
	for _, sc := range configured {
		resp.Configured = append(resp.Configured, sc.Name)
	}
	if name, ok := s.engine.RunningScenario(); ok {
		resp.Running = name
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConfigureScenario(c *gin.Context) {
	var req ScenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	scenario, err := req.Scenario()
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	if err := s.engine.ConfigureScenario(scenario); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": scenario.Name})
}

func (s *Server) handleExecuteScenario(c *gin.Context) {
	name := c.Param("name")
	if err := s.engine.ExecuteScenario(c.Request.Context(), name); err != nil {
		s.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": name})
}

func (s *Server) handleStopScenario(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopped": s.engine.StopScenario()})
}
