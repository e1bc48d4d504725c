// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ffutop/thermal-bridge/internal/bridge"
	"github.com/ffutop/thermal-bridge/internal/config"
	"github.com/ffutop/thermal-bridge/internal/registermap"
)

func main() {
	// Load Configuration
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(2)
	}

	setupLogger(cfg.Log)

	for _, w := range cfg.Warnings {
		slog.Warn("Configuration problem", "err", w)
	}

	if cfg.DumpImage {
		if err := bridge.DumpImage(cfg, cfg.Mirror.Path, os.Stdout); err != nil {
			slog.Error("Failed to dump register image", "path", cfg.Mirror.Path, "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("Starting thermal bridge...")
	logBanner(cfg)

	b, err := bridge.New(cfg)
	if err != nil {
		slog.Error("Failed to create bridge", "err", err)
		os.Exit(1)
	}
	if err := b.Listen(); err != nil {
		slog.Error("Failed to bind Modbus listener", "addr", cfg.ListenAddress(), "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		slog.Error("Bridge stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Goodbye.")
}

func logBanner(cfg *config.Config) {
	file := cfg.File
	if file == "" {
		file = "(defaults)"
	}
	slog.Info("Configuration",
		"file", file,
		"modbus", cfg.ListenAddress(),
		"update_interval", cfg.UpdateInterval(),
		"idle_timeout", cfg.Server.IdleTimeout,
		"engine", cfg.Engine.Component,
		"mirror", cfg.Mirror.Type,
		"metrics", cfg.Metrics.Address,
	)
	slog.Info("Register mapping",
		registermap.Temperature, fmt.Sprintf("holding %d (K x 100, read-only)", cfg.Registers.TemperatureAddress),
		registermap.HeaterState, fmt.Sprintf("holding %d (0 or 100, read-only)", cfg.Registers.HeaterStateAddress),
		registermap.HeaterControl, fmt.Sprintf("coil %d (read/write)", cfg.Registers.HeaterControlCoil),
	)
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
