// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registermap

// Names of the default thermal signals.
const (
	Temperature   = "temperature"
	HeaterState   = "heater_state"
	HeaterControl = "heater_control"
)

// Addresses selects where the default signals are bound.
type Addresses struct {
	Temperature   uint16
	HeaterState   uint16
	HeaterControl uint16
}

// DefaultAddresses are 40001/40002 for the registers and coil 0.
var DefaultAddresses = Addresses{
	Temperature:   40001,
	HeaterState:   40002,
	HeaterControl: 0,
}

// Default builds the thermal map: temperature in K x 100, heater status
// 0/1 scaled to 0/100, and the heater command coil.
func Default(addrs Addresses) (*Map, error) {
	return New(
		Signal{
			Name:    Temperature,
			Binding: "temperature",
			Kind:    HoldingRegister,
			Address: addrs.Temperature,
			Scale:   100,
			Access:  ReadOnly,
		},
		Signal{
			Name:    HeaterState,
			Binding: "heaterStatus",
			Kind:    HoldingRegister,
			Address: addrs.HeaterState,
			Scale:   100,
			Access:  ReadOnly,
		},
		Signal{
			Name:    HeaterControl,
			Binding: "heaterOn",
			Kind:    Coil,
			Address: addrs.HeaterControl,
			Scale:   1,
			Access:  ReadWrite,
		},
	)
}
