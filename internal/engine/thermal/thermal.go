// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package thermal provides SimpleThermal: a lumped thermal mass with an
// on/off heater losing heat to a fixed ambient temperature.
//
//	C dT/dt = P*heater - k*(T - Tamb)
//
// integrated with explicit Euler steps.
package thermal

import (
	"fmt"
	"math"

	"github.com/ffutop/thermal-bridge/internal/engine"
)

// Component is the registry name.
const Component = "SimpleThermal"

// Signal names.
const (
	OutputTemperature  = "temperature"
	OutputHeaterStatus = "heaterStatus"
	InputHeaterOn      = "heaterOn"
)

// Params are the physical constants of the model.
type Params struct {
	AmbientK    float64 // K
	Capacity    float64 // J/K
	HeaterPower float64 // W
	Loss        float64 // W/K
	InitialK    float64 // K, defaults to AmbientK
}

// DefaultParams heat at about 2 K/s from ambient and settle 200 K above it.
var DefaultParams = Params{
	AmbientK:    250,
	Capacity:    1000,
	HeaterPower: 2000,
	Loss:        10,
}

func init() {
	engine.Register(Component, func(p map[string]float64) (engine.Engine, error) {
		params := DefaultParams
		if v, ok := p["ambient_k"]; ok {
			params.AmbientK = v
		}
		if v, ok := p["capacity"]; ok {
			params.Capacity = v
		}
		if v, ok := p["heater_power"]; ok {
			params.HeaterPower = v
		}
		if v, ok := p["loss"]; ok {
			params.Loss = v
		}
		if v, ok := p["initial_k"]; ok {
			params.InitialK = v
		}
		return New(params)
	})
}

// Model is the SimpleThermal engine.
type Model struct {
	params      Params
	temperature float64
	heaterOn    bool
	// heater status as seen by the last step
	heaterStatus bool
}

// New validates params and returns a model at its initial temperature.
func New(p Params) (*Model, error) {
	if p.Capacity <= 0 {
		return nil, fmt.Errorf("thermal: capacity must be positive, got %v", p.Capacity)
	}
	if p.Loss < 0 || p.HeaterPower < 0 {
		return nil, fmt.Errorf("thermal: loss and heater power must not be negative")
	}
	if p.InitialK == 0 {
		p.InitialK = p.AmbientK
	}
	return &Model{params: p, temperature: p.InitialK}, nil
}

// Step implements engine.Engine.
func (m *Model) Step(dt float64) error {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return fmt.Errorf("thermal: invalid step %v", dt)
	}
	var power float64
	if m.heaterOn {
		power = m.params.HeaterPower
	}
	dT := (power - m.params.Loss*(m.temperature-m.params.AmbientK)) / m.params.Capacity
	m.temperature += dT * dt
	m.heaterStatus = m.heaterOn
	return nil
}

// Output implements engine.Engine.
func (m *Model) Output(name string) (float64, error) {
	switch name {
	case OutputTemperature:
		return m.temperature, nil
	case OutputHeaterStatus:
		if m.heaterStatus {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: output %q", engine.ErrUnknownSignal, name)
	}
}

// SetBoolInput implements engine.Engine.
func (m *Model) SetBoolInput(name string, value bool) error {
	if name != InputHeaterOn {
		return fmt.Errorf("%w: input %q", engine.ErrUnknownSignal, name)
	}
	m.heaterOn = value
	return nil
}
