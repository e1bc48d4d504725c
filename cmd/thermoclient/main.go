// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command thermoclient is a bang-bang thermostat that drives the bridge's
// heater coil over Modbus TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ffutop/thermal-bridge/transport"
	"github.com/ffutop/thermal-bridge/transport/tcp"
)

const kelvinOffset = 273.15

// plant is the part of transport.Client the thermostat uses.
type plant interface {
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error)
	WriteSingleCoil(ctx context.Context, address uint16, on bool) error
}

type thermostat struct {
	plant       plant
	temperature uint16 // first of the temperature/heater state pair
	heaterCoil  uint16
	lowC, highC float64
}

// decide keeps the heater state between the two thresholds.
func (th *thermostat) decide(tempC float64, heaterOn bool) bool {
	switch {
	case tempC < th.lowC:
		return true
	case tempC > th.highC:
		return false
	default:
		return heaterOn
	}
}

// step reads the plant once and switches the heater if needed.
func (th *thermostat) step(ctx context.Context) error {
	regs, err := th.plant.ReadHoldingRegisters(ctx, th.temperature, 2)
	if err != nil {
		return fmt.Errorf("read registers: %w", err)
	}
	tempC := float64(regs[0])/100 - kelvinOffset
	heaterOn := regs[1] != 0

	want := th.decide(tempC, heaterOn)
	slog.Info("Plant status", "temperature_c", fmt.Sprintf("%.2f", tempC), "heater", heaterOn)
	if want == heaterOn {
		return nil
	}
	if err := th.plant.WriteSingleCoil(ctx, th.heaterCoil, want); err != nil {
		return fmt.Errorf("write heater coil: %w", err)
	}
	slog.Info("Heater switched", "on", want, "temperature_c", fmt.Sprintf("%.2f", tempC))
	return nil
}

func (th *thermostat) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := th.step(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Thermostat cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	fs := pflag.NewFlagSet("thermoclient", pflag.ContinueOnError)
	address := fs.StringP("address", "a", "127.0.0.1:5502", "Bridge Modbus TCP address.")
	unit := fs.Uint8("unit", 1, "Modbus unit id.")
	register := fs.Uint16("temperature-register", 40001, "Temperature register, followed by the heater state.")
	coil := fs.Uint16("heater-coil", 0, "Heater control coil.")
	low := fs.Float64("low", 20, "Switch the heater on below this temperature (°C).")
	high := fs.Float64("high", 25, "Switch the heater off above this temperature (°C).")
	interval := fs.Duration("interval", time.Second, "Poll interval.")
	logLevel := fs.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error).")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Println(err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if *low >= *high {
		slog.Error("Invalid thresholds", "low", *low, "high", *high)
		os.Exit(2)
	}

	client := transport.NewClient(tcp.NewClient(*address), *unit)
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Connect(ctx); err != nil {
		slog.Error("Failed to connect to bridge", "addr", *address, "err", err)
		os.Exit(1)
	}
	slog.Info("Thermostat started", "addr", *address, "low_c", *low, "high_c", *high, "interval", *interval)

	th := &thermostat{
		plant:       client,
		temperature: *register,
		heaterCoil:  *coil,
		lowC:        *low,
		highC:       *high,
	}
	th.run(ctx, *interval)
	slog.Info("Thermostat stopped")
}
