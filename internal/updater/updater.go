// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package updater runs the fixed-period loop that drives the simulation
// engine from the coil commands and republishes its outputs as registers.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ffutop/thermal-bridge/internal/engine"
	"github.com/ffutop/thermal-bridge/internal/registermap"
	"github.com/ffutop/thermal-bridge/internal/state"
)

const (
	DefaultInterval = 100 * time.Millisecond
	summaryPeriod   = 10 * time.Second
)

// Cycle stages reported on engine faults.
const (
	StageInput  = "input"
	StageStep   = "step"
	StageOutput = "output"
)

// ErrEngine wraps every engine failure returned by Tick.
var ErrEngine = errors.New("updater: engine fault")

// Recorder receives per-cycle events. *metrics.Metrics implements it.
type Recorder interface {
	Cycle()
	EngineFault(stage string)
	Saturation(signal string)
	Register(signal string, value uint16)
}

type nopRecorder struct{}

func (nopRecorder) Cycle()                  {}
func (nopRecorder) EngineFault(string)      {}
func (nopRecorder) Saturation(string)       {}
func (nopRecorder) Register(string, uint16) {}

// Stats is a point-in-time copy of the loop counters.
type Stats struct {
	Cycles      uint64
	Faults      uint64
	Saturations uint64
	LastCycle   time.Time
}

// Loop owns the engine. Only the loop goroutine may call into it.
type Loop struct {
	store    *state.Store
	engine   engine.Engine
	interval time.Duration
	recorder Recorder

	outputs []registermap.Signal

	cycles      atomic.Uint64
	faults      atomic.Uint64
	saturations atomic.Uint64
	lastCycle   atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecorder forwards cycle events, e.g. to Prometheus.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) {
		if r != nil {
			l.recorder = r
		}
	}
}

// New creates a loop stepping e every interval. A non-positive interval
// selects DefaultInterval.
func New(store *state.Store, e engine.Engine, interval time.Duration, opts ...Option) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	l := &Loop{
		store:    store,
		engine:   e,
		interval: interval,
		recorder: nopRecorder{},
		outputs:  store.Map().Filter(registermap.HoldingRegister, registermap.ReadOnly),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the cycle period.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Run ticks until ctx is done. Engine faults are logged and retried on the
// next tick; they never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Update loop started", "interval", l.interval, "outputs", len(l.outputs))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	every := uint64(summaryPeriod / l.interval)
	if every == 0 {
		every = 1
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Update loop stopped", "cycles", l.cycles.Load(), "faults", l.faults.Load())
			return nil
		case <-ticker.C:
		}

		if err := l.Tick(); err != nil {
			// already logged with signal detail
			continue
		}
		if n := l.cycles.Load(); n%every == 0 {
			l.logSummary()
		}
	}
}

// Tick runs one cycle: snapshot actuators, drive the engine, publish outputs.
// On an engine fault the registers keep their previous values.
func (l *Loop) Tick() error {
	// 1. actuator snapshot under the store lock
	actuators := l.store.SnapshotActuators()

	// 2. engine inputs and step, lock released
	for _, a := range actuators {
		if err := l.engine.SetBoolInput(a.Signal.Binding, a.Value); err != nil {
			return l.fault(StageInput, a.Signal.Name, err)
		}
	}
	if err := l.engine.Step(l.interval.Seconds()); err != nil {
		return l.fault(StageStep, "", err)
	}

	// 3. read and scale outputs
	batch := make(map[uint16]uint16, len(l.outputs))
	values := make(map[string]uint16, len(l.outputs))
	for _, sig := range l.outputs {
		raw, err := l.engine.Output(sig.Binding)
		if err != nil {
			return l.fault(StageOutput, sig.Name, err)
		}
		v, sat := sig.ToRegister(raw)
		if sat != registermap.NotSaturated {
			l.saturations.Add(1)
			l.recorder.Saturation(sig.Name)
			slog.Warn("Output saturated register range", "signal", sig.Name, "raw", raw, "register", v, "high", sat == registermap.SaturatedHigh)
		}
		batch[sig.Address] = v
		values[sig.Name] = v
	}

	// 4. one atomic batch
	if err := l.store.Publish(batch); err != nil {
		return fmt.Errorf("updater: publish: %w", err)
	}

	l.cycles.Add(1)
	l.lastCycle.Store(time.Now().UnixNano())
	l.recorder.Cycle()
	for name, v := range values {
		l.recorder.Register(name, v)
	}
	return nil
}

// Stats returns the current counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Cycles:      l.cycles.Load(),
		Faults:      l.faults.Load(),
		Saturations: l.saturations.Load(),
	}
	if ns := l.lastCycle.Load(); ns != 0 {
		s.LastCycle = time.Unix(0, ns)
	}
	return s
}

func (l *Loop) fault(stage, signal string, err error) error {
	l.faults.Add(1)
	l.recorder.EngineFault(stage)
	slog.Error("Simulation engine fault, keeping previous values", "stage", stage, "signal", signal, "err", err)
	return fmt.Errorf("%w: %s %s: %w", ErrEngine, stage, signal, err)
}

func (l *Loop) logSummary() {
	args := []any{"cycles", l.cycles.Load(), "faults", l.faults.Load()}
	for _, sig := range l.outputs {
		regs, err := l.store.ReadHolding(sig.Address, 1)
		if err != nil {
			continue
		}
		args = append(args, sig.Name, sig.FromRegister(regs[0]))
	}
	for _, a := range l.store.SnapshotActuators() {
		args = append(args, a.Signal.Name, a.Value)
	}
	slog.Info("Simulation status", args...)
}
