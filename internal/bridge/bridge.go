// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge assembles the register store, the update loop and the
// Modbus TCP server into one running instance.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ffutop/thermal-bridge/internal/config"
	"github.com/ffutop/thermal-bridge/internal/engine"
	"github.com/ffutop/thermal-bridge/internal/metrics"
	"github.com/ffutop/thermal-bridge/internal/registermap"
	"github.com/ffutop/thermal-bridge/internal/slave"
	"github.com/ffutop/thermal-bridge/internal/state"
	"github.com/ffutop/thermal-bridge/internal/updater"
	"github.com/ffutop/thermal-bridge/transport"
	"github.com/ffutop/thermal-bridge/transport/local"
	"github.com/ffutop/thermal-bridge/transport/tcp"

	// built-in simulation components
	_ "github.com/ffutop/thermal-bridge/internal/engine/thermal"
)

// Bridge represents a single bridge instance.
// It serves one engine's signals to every Modbus client.
type Bridge struct {
	Store   *state.Store
	Loop    *updater.Loop
	Slave   *slave.Slave
	Server  *tcp.Server
	Metrics *metrics.Metrics

	regmap         *registermap.Map
	metricsAddress string
	mirror         state.Mirror
}

func registerMap(cfg *config.Config) (*registermap.Map, error) {
	regmap, err := registermap.Default(registermap.Addresses{
		Temperature:   cfg.Registers.TemperatureAddress,
		HeaterState:   cfg.Registers.HeaterStateAddress,
		HeaterControl: cfg.Registers.HeaterControlCoil,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: register map: %w", err)
	}
	return regmap, nil
}

// New builds a bridge from cfg. Nothing is started or bound yet.
func New(cfg *config.Config) (*Bridge, error) {
	regmap, err := registerMap(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(cfg.Engine.Component, cfg.Engine.Params())
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}

	var mirror state.Mirror = state.NopMirror{}
	if cfg.Mirror.Type == "mmap" {
		mm := state.NewMmapMirror(cfg.Mirror.Path)
		if err := mm.Open(); err != nil {
			return nil, fmt.Errorf("bridge: register mirror: %w", err)
		}
		mirror = mm
	}

	store, err := state.New(regmap, initialValues(regmap, eng), mirror)
	if err != nil {
		mirror.Close()
		return nil, fmt.Errorf("bridge: %w", err)
	}

	m := metrics.New()
	server := tcp.NewServer(cfg.ListenAddress())
	server.IdleTimeout = cfg.Server.IdleTimeout
	server.Recorder = m

	return &Bridge{
		Store:          store,
		Loop:           updater.New(store, eng, cfg.UpdateInterval(), updater.WithRecorder(m)),
		Slave:          slave.NewSlave(store, m),
		Server:         server,
		Metrics:        m,
		regmap:         regmap,
		metricsAddress: cfg.Metrics.Address,
		mirror:         mirror,
	}, nil
}

// initialValues seeds the registers from the engine's state before its
// first step. An output the engine cannot report starts at zero.
func initialValues(m *registermap.Map, e engine.Engine) map[string]float64 {
	values := make(map[string]float64)
	for _, sig := range m.Filter(registermap.HoldingRegister, registermap.ReadOnly) {
		v, err := e.Output(sig.Binding)
		if err != nil {
			slog.Warn("No initial value from engine", "signal", sig.Name, "err", err)
			continue
		}
		values[sig.Name] = v
	}
	return values
}

// Listen binds the Modbus listener so a bind failure is reported before
// anything runs.
func (b *Bridge) Listen() error {
	return b.Server.Listen()
}

// SelfCheck reads every mapped signal back through the request dispatcher
// in process. It bypasses the metrics recorder.
func (b *Bridge) SelfCheck(ctx context.Context) error {
	client := transport.NewClient(local.NewClient(slave.NewSlave(b.Store, nil).Handle), 0)
	defer client.Close()

	for _, sig := range b.regmap.Signals(registermap.HoldingRegister) {
		regs, err := client.ReadHoldingRegisters(ctx, sig.Address, 1)
		if err != nil {
			return fmt.Errorf("bridge: self check %s: %w", sig.Name, err)
		}
		slog.Debug("Self check", "signal", sig.Name, "address", sig.Address, "value", regs[0])
	}
	for _, sig := range b.regmap.Signals(registermap.Coil) {
		coils, err := client.ReadCoils(ctx, sig.Address, 1)
		if err != nil {
			return fmt.Errorf("bridge: self check %s: %w", sig.Name, err)
		}
		slog.Debug("Self check", "signal", sig.Name, "address", sig.Address, "value", coils[0])
	}
	return nil
}

// Start checks the register map, then runs the update loop, the Modbus
// server and the optional metrics endpoint until ctx is done or one of
// them fails.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.SelfCheck(ctx); err != nil {
		return errors.Join(err, b.mirror.Close())
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.Loop.Run(ctx)
	})
	g.Go(func() error {
		return b.Server.Start(ctx, b.Slave.Handle)
	})
	if b.metricsAddress != "" {
		g.Go(func() error {
			return b.Metrics.Serve(ctx, b.metricsAddress)
		})
	}

	err := g.Wait()
	if cerr := b.mirror.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("bridge: close mirror: %w", cerr))
	}
	return err
}

// DumpImage writes every mapped signal from the register image at path,
// as left by a running or stopped bridge configured with an mmap mirror.
func DumpImage(cfg *config.Config, path string, w io.Writer) error {
	regmap, err := registerMap(cfg)
	if err != nil {
		return err
	}
	image, err := state.OpenImage(path)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer image.Close()

	for _, kind := range []registermap.Kind{registermap.HoldingRegister, registermap.Coil} {
		for _, sig := range regmap.Signals(kind) {
			raw := image.Value(kind, sig.Address)
			if _, err := fmt.Fprintf(w, "%-16s %-8s %5d %6d %g\n", sig.Name, kind, sig.Address, raw, sig.FromRegister(raw)); err != nil {
				return err
			}
		}
	}
	return nil
}
