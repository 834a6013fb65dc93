// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and hot-reloads HIL endpoint
// configuration.
//
// Files are YAML. Durations use Go syntax ("10ms", "2s"). Fault kinds,
// severities and log levels use their lower-case names.
//
//	timing:
//	  period: 10ms
//	  deadline: 8ms
//	  priority: 80
//	network:
//	  plant_addr: 127.0.0.1:9100
//	  controller_addr: 127.0.0.1:9101
//	  receive_timeout: 5ms
//	faults:
//	  safety_limits:
//	    plant/*: 1.0
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianHIL/pkg/logging"
	"github.com/AleutianAI/AleutianHIL/services/hil/faults"
	"github.com/AleutianAI/AleutianHIL/services/hil/recorder"
	"github.com/AleutianAI/AleutianHIL/services/hil/rtsched"
	"github.com/AleutianAI/AleutianHIL/services/hil/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig wraps every parse or validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates the configuration file does not exist.
	ErrNotFound = errors.New("configuration file not found")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config is the complete configuration of one HIL process.
type Config struct {
	// Timing paces both endpoint loops.
	Timing rtsched.Constraints `yaml:"timing"`

	Network   NetworkConfig    `yaml:"network"`
	Faults    FaultsConfig     `yaml:"faults"`
	Recorder  RecorderConfig   `yaml:"recorder"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	API       APIConfig        `yaml:"api"`
	Logging   logging.Config   `yaml:"logging"`
}

// NetworkConfig holds the fixed datagram endpoints.
type NetworkConfig struct {
	// PlantAddr is the plant's bind address and the controller's peer.
	PlantAddr string `yaml:"plant_addr" validate:"required,hostname_port"`

	// ControllerAddr is the controller's bind address and the plant's peer.
	ControllerAddr string `yaml:"controller_addr" validate:"required,hostname_port"`

	// ReceiveTimeout bounds how long the controller waits for a state
	// frame each tick.
	ReceiveTimeout time.Duration `yaml:"receive_timeout" validate:"gt=0"`
}

// FaultsConfig configures the fault engine.
type FaultsConfig struct {
	// Seed makes noise, loss and jitter reproducible. Zero picks a
	// time-based seed.
	Seed uint64 `yaml:"seed"`

	// HistoryCapacity bounds the event history. Zero uses the default.
	HistoryCapacity int `yaml:"history_capacity" validate:"gte=0"`

	// Targets registers channels beyond the session's own.
	Targets []string `yaml:"targets" validate:"dive,target"`

	// SafetyLimits caps |Magnitude| per "device/channel" or "device/*".
	SafetyLimits map[string]float64 `yaml:"safety_limits" validate:"dive,keys,target,endkeys,gt=0"`

	// Scenarios are configured on the engine at startup.
	Scenarios []faults.Scenario `yaml:"scenarios" validate:"dive"`
}

// RecorderConfig configures per-tick snapshot export.
type RecorderConfig struct {
	Enabled bool `yaml:"enabled"`

	// SnapshotCapacity bounds the in-process snapshot history.
	SnapshotCapacity int `yaml:"snapshot_capacity" validate:"gte=0"`

	QueueSize     int           `yaml:"queue_size" validate:"gte=0"`
	BatchSize     int           `yaml:"batch_size" validate:"gte=0"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gte=0"`

	// Influx enables the InfluxDB sink when non-nil.
	Influx *recorder.InfluxConfig `yaml:"influx"`

	// Journal enables the local badger journal when non-nil.
	Journal *recorder.JournalConfig `yaml:"journal"`
}

// APIConfig configures the orchestration HTTP server.
type APIConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`

	// StreamInterval paces websocket snapshot pushes.
	StreamInterval time.Duration `yaml:"stream_interval" validate:"gte=0"`
}

// DefaultConfig returns a loopback configuration at 100 Hz.
func DefaultConfig() *Config {
	timing := rtsched.DefaultConstraints()
	timing.Deadline = 8 * time.Millisecond
	timing.JitterTolerance = time.Millisecond

	return &Config{
		Timing: timing,
		Network: NetworkConfig{
			PlantAddr:      "127.0.0.1:9100",
			ControllerAddr: "127.0.0.1:9101",
			ReceiveTimeout: 5 * time.Millisecond,
		},
		Faults: FaultsConfig{
			SafetyLimits: map[string]float64{},
		},
		Recorder: RecorderConfig{
			SnapshotCapacity: 4096,
			QueueSize:        4096,
			BatchSize:        256,
			FlushInterval:    time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		API: APIConfig{
			StreamInterval: 100 * time.Millisecond,
		},
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "hil",
		},
	}
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		_ = validate.RegisterValidation("target", validateTarget)
	})
	return validate
}

// validateTarget accepts "device/channel" and "device/*".
func validateTarget(fl validator.FieldLevel) bool {
	_, err := faults.ParseTarget(fl.Field().String())
	return err == nil
}

// Load reads path over DefaultConfig and validates the result.
//
// # Outputs
//
//   - *Config: The merged configuration.
//   - error: ErrNotFound, or ErrInvalidConfig wrapping the cause.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags, timing constraints and scenarios.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, describe(err))
	}
	if err := c.Timing.Validate(); err != nil {
		return fmt.Errorf("%w: timing: %w", ErrInvalidConfig, err)
	}
	seen := make(map[string]struct{}, len(c.Faults.Scenarios))
	for _, s := range c.Faults.Scenarios {
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("%w: duplicate scenario %q", ErrInvalidConfig, s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: scenario %q: %w", ErrInvalidConfig, s.Name, err)
		}
	}
	if c.Recorder.Journal != nil && c.Recorder.Journal.Path == "" && !c.Recorder.Journal.InMemory {
		return fmt.Errorf("%w: recorder.journal.path is required", ErrInvalidConfig)
	}
	return nil
}

// describe flattens validator errors into "Field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// FaultTargets parses Faults.Targets.
func (c *Config) FaultTargets() ([]faults.Target, error) {
	out := make([]faults.Target, 0, len(c.Faults.Targets))
	for _, s := range c.Faults.Targets {
		t, err := faults.ParseTarget(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		out = append(out, t)
	}
	return out, nil
}
