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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianHIL/pkg/logging"
	"github.com/AleutianAI/AleutianHIL/pkg/ux"
	"github.com/AleutianAI/AleutianHIL/services/hil/config"
	"github.com/AleutianAI/AleutianHIL/services/hil/recorder"
	"github.com/AleutianAI/AleutianHIL/services/hil/session"
)

var (
	configPath string
	logLevel   string
	ticks      uint64
	scenario   string
	runID      string
)

var rootCmd = &cobra.Command{
	Use:           "hil",
	Short:         "Hardware-in-the-loop co-simulation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var plantCmd = &cobra.Command{
	Use:   "plant",
	Short: "Serve the simulated plant over UDP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, runPlant)
	},
}

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller against a plant over UDP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, runController)
	},
}

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run plant and controller in one process on a shared schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, runLoopback)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectMode(os.Stdout))
		p.Success(fmt.Sprintf("configuration valid: %s period, %d scenarios",
			cfg.Timing.Period, len(cfg.Faults.Scenarios)))
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Summarise a recorded run from the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Recorder.Journal == nil {
			return fmt.Errorf("%w: recorder.journal is not configured", config.ErrInvalidConfig)
		}
		journal, err := recorder.OpenJournal(*cfg.Recorder.Journal)
		if err != nil {
			return err
		}
		defer journal.Close()

		records, err := journal.Replay(runID)
		if err != nil {
			return err
		}
		p := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectMode(os.Stdout))
		printReplay(p, runID, records)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	loopbackCmd.Flags().Uint64Var(&ticks, "ticks", 0, "stop after this many ticks (0 runs until interrupted)")
	loopbackCmd.Flags().StringVar(&scenario, "scenario", "", "configured scenario to execute at start")
	controllerCmd.Flags().StringVar(&scenario, "scenario", "", "configured scenario to execute at start")
	controllerCmd.Flags().StringVar(&runID, "run-id", "", "run identifier for recorded snapshots (generated when empty)")
	plantCmd.Flags().StringVar(&runID, "run-id", "", "run identifier for recorded snapshots (generated when empty)")
	replayCmd.Flags().StringVar(&runID, "run-id", "", "run identifier to replay")
	_ = replayCmd.MarkFlagRequired("run-id")

	rootCmd.AddCommand(plantCmd, controllerCmd, loopbackCmd, validateCmd, replayCmd)
}

// loadConfig reads --config, or returns the defaults when it is empty, and
// applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if logLevel != "" {
		var lvl logging.Level
		if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
			return nil, err
		}
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

// withRuntime builds the runtime, runs fn until it returns or a signal
// arrives, prints the summary and tears everything down.
func withRuntime(cmd *cobra.Command, fn func(context.Context, *runtime) (*summary, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, cfg)
	if err != nil {
		return err
	}

	sum, runErr := fn(ctx, rt)
	closeErr := rt.close()

	p := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectMode(os.Stdout))
	if sum != nil {
		sum.print(p)
	}
	if err := errors.Join(runErr, closeErr); err != nil {
		p.Error(err.Error())
		return err
	}
	return nil
}

// newLaw returns the demo stabilising law for the cart-pendulum plant.
func newLaw() session.ControlLaw {
	return session.ProportionalLaw{
		Gains: [6]float64{-40, -20, -8, -4, 1, 2},
		Limit: 20,
	}
}
