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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

// =============================================================================
// Request types
// =============================================================================

// Duration accepts either a Go duration string ("250ms") or an integer
// nanosecond count, and always marshals as a string.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var text string
		if err := json.Unmarshal(b, &text); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(b, &ns); err != nil {
		return fmt.Errorf("duration %s: %w", s, err)
	}
	*d = Duration(ns)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ProfileRequest is the JSON form of a fault profile.
type ProfileRequest struct {
	Kind               faults.Kind     `json:"kind"`
	Severity           faults.Severity `json:"severity"`
	Target             string          `json:"target" binding:"required"`
	StartTime          Duration        `json:"start_time"`
	Duration           Duration        `json:"duration"`
	IntermittentPeriod Duration        `json:"intermittent_period"`
	Magnitude          float64         `json:"magnitude"`
	Offset             float64         `json:"offset"`
	Noise              float64         `json:"noise"`
	Probability        float64         `json:"probability"`
	Delay              Duration        `json:"delay"`
	BitFlips           int             `json:"bit_flips"`
	Recoverable        bool            `json:"recoverable"`
	RecoveryTime       Duration        `json:"recovery_time"`
}

// Profile converts the request into a fault profile.
func (r ProfileRequest) Profile() (faults.Profile, error) {
	target, err := faults.ParseTarget(r.Target)
	if err != nil {
		return faults.Profile{}, err
	}
	return faults.Profile{
		Kind:               r.Kind,
		Severity:           r.Severity,
		Target:             target,
		StartTime:          time.Duration(r.StartTime),
		Duration:           time.Duration(r.Duration),
		IntermittentPeriod: time.Duration(r.IntermittentPeriod),
		Magnitude:          r.Magnitude,
		Offset:             r.Offset,
		Noise:              r.Noise,
		Probability:        r.Probability,
		Delay:              time.Duration(r.Delay),
		BitFlips:           r.BitFlips,
		Recoverable:        r.Recoverable,
		RecoveryTime:       time.Duration(r.RecoveryTime),
	}, nil
}

// InjectRequest is the body of POST /v1/hil/faults. An empty ID is
// replaced with a generated one.
type InjectRequest struct {
	ID string `json:"id"`
	ProfileRequest
}

// ScenarioRequest is the body of POST /v1/hil/scenarios.
type ScenarioRequest struct {
	Name        string           `json:"name" binding:"required"`
	Profiles    []ProfileRequest `json:"profiles" binding:"required,min=1,dive"`
	Repeat      int              `json:"repeat" binding:"gte=0"`
	StartJitter Duration         `json:"start_jitter"`
}

// Scenario converts the request into a fault scenario.
func (r ScenarioRequest) Scenario() (faults.Scenario, error) {
	s := faults.Scenario{
		Name:        r.Name,
		Repeat:      r.Repeat,
		StartJitter: time.Duration(r.StartJitter),
		Profiles:    make([]faults.Profile, 0, len(r.Profiles)),
	}
	for i, pr := range r.Profiles {
		p, err := pr.Profile()
		if err != nil {
			return faults.Scenario{}, fmt.Errorf("profile %d: %w", i, err)
		}
		s.Profiles = append(s.Profiles, p)
	}
	return s, nil
}

// =============================================================================
// Response types
// =============================================================================

// FaultView is the JSON form of a registered fault.
type FaultView struct {
	ID         string          `json:"id"`
	Scenario   string          `json:"scenario,omitempty"`
	Kind       faults.Kind     `json:"kind"`
	Severity   faults.Severity `json:"severity"`
	Target     string          `json:"target"`
	Magnitude  float64         `json:"magnitude"`
	Phase      faults.Phase    `json:"phase"`
	InjectedAt time.Time       `json:"injected_at"`
	Onset      time.Time       `json:"onset"`
	Expiry     *time.Time      `json:"expiry,omitempty"`
	Applied    uint64          `json:"applied"`
}

func newFaultView(f faults.ActiveFault) FaultView {
	v := FaultView{
		ID:         f.ID,
		Scenario:   f.Scenario,
		Kind:       f.Profile.Kind,
		Severity:   f.Profile.Severity,
		Target:     f.Profile.Target.String(),
		Magnitude:  f.Profile.Magnitude,
		Phase:      f.Phase,
		InjectedAt: f.InjectedAt,
		Onset:      f.Onset,
		Applied:    f.Applied,
	}
	if !f.Expiry.IsZero() {
		expiry := f.Expiry
		v.Expiry = &expiry
	}
	return v
}

// EventView is the JSON form of a fault event.
type EventView struct {
	Timestamp time.Time        `json:"timestamp"`
	FaultID   string           `json:"fault_id"`
	Type      faults.EventType `json:"type"`
	Kind      string           `json:"kind"`
	Target    string           `json:"target"`
	Magnitude float64          `json:"magnitude"`
	Success   bool             `json:"success"`
	Error     string           `json:"error,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

func newEventView(e faults.Event) EventView {
	return EventView{
		Timestamp: e.Timestamp,
		FaultID:   e.FaultID,
		Type:      e.Type,
		Kind:      e.Kind.String(),
		Target:    e.Target.String(),
		Magnitude: e.Magnitude,
		Success:   e.Success,
		Error:     e.Error,
		Reason:    e.Reason,
	}
}

// TimingView is the JSON form of scheduler statistics.
type TimingView struct {
	Period           Duration `json:"period"`
	Deadline         Duration `json:"deadline"`
	Iterations       uint64   `json:"iterations"`
	JitterMean       Duration `json:"jitter_mean"`
	JitterMax        Duration `json:"jitter_max"`
	JitterStdDev     Duration `json:"jitter_std_dev"`
	DeadlineMisses   uint64   `json:"deadline_misses"`
	DeadlineMissRate float64  `json:"deadline_miss_rate"`
	JitterExceeded   uint64   `json:"jitter_exceeded"`
	Running          bool     `json:"running"`
	Elevated         bool     `json:"elevated"`
}

func newTimingView(s *rtsched.Scheduler) *TimingView {
	if s == nil {
		return nil
	}
	st := s.Stats()
	c := s.Constraints()
	return &TimingView{
		Period:           Duration(c.Period),
		Deadline:         Duration(c.Deadline),
		Iterations:       st.Iterations,
		JitterMean:       Duration(st.JitterMean),
		JitterMax:        Duration(st.JitterMax),
		JitterStdDev:     Duration(st.JitterStdDev),
		DeadlineMisses:   st.DeadlineMisses,
		DeadlineMissRate: st.DeadlineMissRate,
		JitterExceeded:   st.JitterExceeded,
		Running:          st.Running,
		Elevated:         st.Elevated,
	}
}

// EndpointView combines session counters with scheduler timing.
type EndpointView struct {
	Session session.Stats `json:"session"`
	Timing  *TimingView   `json:"timing,omitempty"`
}

// StatsResponse is the body of GET /v1/hil/stats.
type StatsResponse struct {
	Endpoints []EndpointView `json:"endpoints"`
	Faults    faults.Stats   `json:"faults"`
}

// ScenariosResponse is the body of GET /v1/hil/scenarios.
type ScenariosResponse struct {
	Configured []string             `json:"configured"`
	Running    string               `json:"running,omitempty"`
	Runs       []faults.ScenarioRun `json:"runs"`
}

// StreamMessage is one websocket frame of the snapshot stream.
type StreamMessage struct {
	Endpoint string           `json:"endpoint"`
	RunID    string           `json:"run_id"`
	Snapshot session.Snapshot `json:"snapshot"`
}
