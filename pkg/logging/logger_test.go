// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestLevel_UnmarshalText(t *testing.T) {
	var l Level
	require.NoError(t, l.UnmarshalText([]byte("WARNING")))
	assert.Equal(t, LevelWarn, l)

	require.NoError(t, l.UnmarshalText([]byte(" debug ")))
	assert.Equal(t, LevelDebug, l)

	assert.ErrorIs(t, l.UnmarshalText([]byte("verbose")), ErrUnknownLevel)
}

func TestConfig_YAML(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("level: error\nservice: plant\njson: true\n"), &cfg))
	assert.Equal(t, LevelError, cfg.Level)
	assert.Equal(t, "plant", cfg.Service)
	assert.True(t, cfg.JSON)
}

func TestNew_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "controller", Output: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("tick", "sequence", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=tick")
	assert.Contains(t, out, "sequence=7")
	assert.Contains(t, out, "service=controller")
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	child := logger.With("endpoint", "plant")

	child.Info("before")
	logger.SetLevel(LevelDebug)
	child.Debug("after")

	assert.Equal(t, LevelDebug, logger.Level())
	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "msg=after")
	assert.Contains(t, buf.String(), "endpoint=plant")
}

func TestLogger_SlogSharesDestinations(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: true})
	logger.Slog().Warn("elevation failed", "priority", 80)
	assert.Contains(t, buf.String(), `"priority":80`)
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	logger.Error("dropped")
	assert.Empty(t, buf.String())
	assert.NoError(t, logger.Close())
}

func TestNew_LogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "plant", Quiet: true})
	logger.Info("written to file", "run_id", "r1")
	require.NoError(t, logger.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "plant_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to file"`)
	assert.Contains(t, string(data), `"run_id":"r1"`)
}

func TestLogger_Exporter(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Service: "plant", Quiet: true, Exporter: exp})

	logger.Debug("filtered")
	logger.With("run_id", "r1").Slog().WithGroup("fault").Info("injected", "id", "f1")
	require.NoError(t, logger.Close())

	entries := exp.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "injected", e.Message)
	assert.Equal(t, LevelInfo, e.Level)
	assert.Equal(t, "plant", e.Service)
	assert.Equal(t, "r1", e.Attrs["run_id"])
	assert.Equal(t, "f1", e.Attrs["fault.id"])
	assert.NotContains(t, e.Attrs, "service")
}

func TestLogger_CloseIdempotent(t *testing.T) {
	logger := New(Config{Quiet: true})
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	assert.Equal(t, filepath.Join(home, ".hil/logs"), expandPath("~/.hil/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.False(t, strings.HasPrefix(expandPath("rel"), "~"))
}
