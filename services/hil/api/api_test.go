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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianHIL/services/hil/clock"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Helpers
// =============================================================================

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	server *Server
	engine *faults.Engine
	plant  *session.PlantServer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	engine := faults.NewEngine(
		faults.WithSeed(7),
		faults.WithTargets(session.Targets()...),
		faults.WithSafetyLimits(map[string]float64{"plant/*": 1.0}),
	)
	t.Cleanup(engine.Close)

	clk := clock.NewManual(epoch)
	sched, err := rtsched.New(rtsched.Constraints{Period: 10 * time.Millisecond}, rtsched.WithClock(clk))
	require.NoError(t, err)

	plantEnd, ctrlEnd := session.Pipe(64)
	t.Cleanup(func() {
		_ = plantEnd.Close()
		_ = ctrlEnd.Close()
	})
	plant := session.NewPlantServer(plantEnd, session.NewDemoPlant([6]float64{0.1}),
		session.WithClock(clk),
		session.WithScheduler(sched),
		session.WithInjector(engine),
		session.WithRunID("run-api"),
	)

	opts = append([]Option{WithEndpoints(plant), WithStreamInterval(5 * time.Millisecond)}, opts...)
	srv := New(engine, opts...)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, engine: engine, plant: plant}
}

func (f *fixture) step(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.plant.Step(context.Background()))
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

const biasFault = `{"id":"bias-1","kind":"sensor_bias","target":"plant/theta1","magnitude":0.1,"duration":"5s"}`

// =============================================================================
// Health, stats and snapshots
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["endpoints"])
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.step(t, 3)

	w := f.do(t, http.MethodGet, "/v1/hil/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[StatsResponse](t, w)
	require.Len(t, resp.Endpoints, 1)
	ep := resp.Endpoints[0]
	assert.Equal(t, "plant", ep.Session.Endpoint)
	assert.Equal(t, "run-api", ep.Session.RunID)
	assert.Equal(t, uint64(3), ep.Session.Ticks)
	assert.Equal(t, uint64(3), ep.Session.Sent)
	require.NotNil(t, ep.Timing)
	assert.Equal(t, Duration(10*time.Millisecond), ep.Timing.Period)
	assert.False(t, ep.Timing.Running)
	assert.Equal(t, 0, resp.Faults.Active)
	assert.Contains(t, w.Body.String(), `"period":"10ms"`)
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t)
	f.step(t, 4)

	t.Run("last two", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/hil/snapshots?endpoint=plant&last=2", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Endpoint  string             `json:"endpoint"`
			Snapshots []session.Snapshot `json:"snapshots"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "plant", body.Endpoint)
		require.Len(t, body.Snapshots, 2)
		assert.Equal(t, uint64(3), body.Snapshots[0].Tick)
		assert.Equal(t, uint64(4), body.Snapshots[1].Tick)
	})

	t.Run("single endpoint is the default", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/hil/snapshots", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"endpoint":"plant"`)
	})

	t.Run("unknown endpoint", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/hil/snapshots?endpoint=rover", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad last", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/v1/hil/snapshots?last=-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

// =============================================================================
// Faults
// =============================================================================

func TestInjectAndRemoveFault(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/hil/faults", biasFault)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "bias-1", decode[map[string]string](t, w)["id"])
	assert.True(t, f.engine.IsActive("bias-1"))

	w = f.do(t, http.MethodGet, "/v1/hil/faults", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Faults []struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Target string `json:"target"`
			Phase  string `json:"phase"`
			Expiry string `json:"expiry"`
		} `json:"faults"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Faults, 1)
	assert.Equal(t, "bias-1", list.Faults[0].ID)
	assert.Equal(t, "sensor_bias", list.Faults[0].Kind)
	assert.Equal(t, "plant/theta1", list.Faults[0].Target)
	assert.Equal(t, "active", list.Faults[0].Phase)
	assert.NotEmpty(t, list.Faults[0].Expiry)

	w = f.do(t, http.MethodDelete, "/v1/hil/faults/bias-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, f.engine.IsActive("bias-1"))

	w = f.do(t, http.MethodDelete, "/v1/hil/faults/bias-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/hil/faults/events?last=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events struct {
		Events []struct {
			FaultID string `json:"fault_id"`
			Type    string `json:"type"`
			Success bool   `json:"success"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events.Events, 2)
	assert.Equal(t, "inject", events.Events[0].Type)
	assert.Equal(t, "remove", events.Events[1].Type)
	assert.Equal(t, "bias-1", events.Events[1].FaultID)
}

func TestInjectFault_GeneratedID(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/v1/hil/faults",
		`{"kind":"comm_loss","target":"link/state","probability":0.5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	id := decode[map[string]string](t, w)["id"]
	assert.NotEmpty(t, id)
	assert.True(t, f.engine.IsActive(id))
}

func TestInjectFault_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"kind":`, http.StatusBadRequest},
		{"missing target", `{"kind":"sensor_bias","magnitude":0.1}`, http.StatusBadRequest},
		{"unknown kind", `{"kind":"gremlins","target":"plant/theta1"}`, http.StatusBadRequest},
		{"bad duration", `{"kind":"sensor_bias","target":"plant/theta1","duration":"soon"}`, http.StatusBadRequest},
		{"bad target", `{"kind":"sensor_bias","target":"theta1"}`, http.StatusBadRequest},
		{"unregistered target", `{"kind":"sensor_bias","target":"rover/wheel","magnitude":0.1}`, http.StatusUnprocessableEntity},
		{"over safety limit", `{"kind":"sensor_bias","target":"plant/theta2","magnitude":2}`, http.StatusUnprocessableEntity},
		{"duplicate id", biasFault, http.StatusConflict},
		{"channel busy", `{"id":"bias-2","kind":"sensor_bias","target":"plant/theta1","magnitude":0.2}`, http.StatusConflict},
	}

	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/hil/faults", biasFault).Code)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/hil/faults", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, w).Error)
		})
	}
	assert.Len(t, f.engine.Active(), 1)
}

func TestClearFaults(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/hil/faults", biasFault).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/hil/faults",
		`{"id":"stuck","kind":"actuator_stuck","target":"actuator/u"}`).Code)

	w := f.do(t, http.MethodDelete, "/v1/hil/faults", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, w)["cleared"])
	assert.Empty(t, f.engine.Active())
}

// =============================================================================
// Scenarios
// =============================================================================

func TestScenarioLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/hil/scenarios", ScenarioRequest{
		Name: "soak",
		Profiles: []ProfileRequest{{
			Kind:      faults.SensorBias,
			Target:    "plant/theta1",
			Magnitude: 0.1,
			Duration:  Duration(time.Minute),
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/hil/scenarios/soak/execute", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/hil/scenarios/soak/execute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodGet, "/v1/hil/scenarios", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ScenariosResponse](t, w)
	assert.Equal(t, []string{"soak"}, list.Configured)
	assert.Equal(t, "soak", list.Running)

	w = f.do(t, http.MethodPost, "/v1/hil/scenarios/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]bool](t, w)["stopped"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.WaitScenario(ctx))

	w = f.do(t, http.MethodPost, "/v1/hil/scenarios/stop", nil)
	assert.Equal(t, false, decode[map[string]bool](t, w)["stopped"])
}

func TestScenario_Rejections(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/hil/scenarios/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/v1/hil/scenarios", `{"name":"empty","profiles":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/hil/scenarios",
		`{"name":"neg","profiles":[{"kind":"sensor_bias","target":"plant/theta1","start_time":"-1s"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.engine.Scenarios())
}

// =============================================================================
// Metrics and stream
// =============================================================================

func TestMetricsHandler(t *testing.T) {
	custom := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hil_session_ticks_total 3\n"))
	})
	f := newFixture(t, WithMetricsHandler(custom))

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hil_session_ticks_total")
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, Duration(1500*time.Millisecond), d)

	require.NoError(t, json.Unmarshal([]byte(`2000`), &d))
	assert.Equal(t, Duration(2*time.Microsecond), d)

	assert.Error(t, json.Unmarshal([]byte(`"fast"`), &d))

	raw, err := json.Marshal(Duration(250 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(raw))
}

func TestStream(t *testing.T) {
	f := newFixture(t)
	f.step(t, 3)

	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/hil/stream?endpoint=plant"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "plant", msg.Endpoint)
	assert.Equal(t, "run-api", msg.RunID)
	assert.Equal(t, uint64(3), msg.Snapshot.Tick)

	f.step(t, 1)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, uint64(4), msg.Snapshot.Tick)

	f.server.Close()
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
}

func TestStream_UnknownEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/v1/hil/stream?endpoint=rover", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
