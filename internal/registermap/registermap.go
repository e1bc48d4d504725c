// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package registermap binds Modbus addresses to named simulation signals.
package registermap

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrUnknownAddress = errors.New("registermap: unknown address")
	ErrUnknownSignal  = errors.New("registermap: unknown signal")
)

// Kind is the Modbus table a signal lives in.
type Kind int

const (
	HoldingRegister Kind = iota
	Coil
)

func (k Kind) String() string {
	switch k {
	case HoldingRegister:
		return "holding"
	case Coil:
		return "coil"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Access is the client-visible access mode of a signal.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

// Saturation reports whether a scaled value had to be clamped.
type Saturation int

const (
	NotSaturated Saturation = iota
	SaturatedLow
	SaturatedHigh
)

// Signal describes one address binding.
type Signal struct {
	Name    string // client-facing name, e.g. "temperature"
	Binding string // engine input/output name, e.g. "heaterOn"
	Kind    Kind
	Address uint16
	Scale   float64
	Offset  float64
	Access  Access
}

// ToRegister converts an engine value to its register representation:
// round(raw*scale + offset), clamped into [0, 65535].
func (s Signal) ToRegister(raw float64) (uint16, Saturation) {
	v := math.Round(raw*s.Scale + s.Offset)
	switch {
	case math.IsNaN(v), v < 0:
		return 0, SaturatedLow
	case v > math.MaxUint16:
		return math.MaxUint16, SaturatedHigh
	}
	return uint16(v), NotSaturated
}

// FromRegister converts a register value back to engine units.
func (s Signal) FromRegister(v uint16) float64 {
	return (float64(v) - s.Offset) / s.Scale
}

type key struct {
	kind    Kind
	address uint16
}

// Map is an immutable set of signal bindings. It is safe for concurrent use.
type Map struct {
	byAddr map[key]Signal
	byName map[string]Signal
	sorted map[Kind][]Signal
}

// New validates the signals and builds a Map.
func New(signals ...Signal) (*Map, error) {
	m := &Map{
		byAddr: make(map[key]Signal, len(signals)),
		byName: make(map[string]Signal, len(signals)),
		sorted: make(map[Kind][]Signal),
	}
	for _, s := range signals {
		if s.Name == "" {
			return nil, fmt.Errorf("registermap: signal at %s %d has no name", s.Kind, s.Address)
		}
		if s.Kind == HoldingRegister && s.Scale == 0 {
			return nil, fmt.Errorf("registermap: signal %q has zero scale", s.Name)
		}
		k := key{s.Kind, s.Address}
		if prev, ok := m.byAddr[k]; ok {
			return nil, fmt.Errorf("registermap: %s address %d bound to both %q and %q", s.Kind, s.Address, prev.Name, s.Name)
		}
		if _, ok := m.byName[s.Name]; ok {
			return nil, fmt.Errorf("registermap: duplicate signal name %q", s.Name)
		}
		if s.Binding == "" {
			s.Binding = s.Name
		}
		m.byAddr[k] = s
		m.byName[s.Name] = s
		m.sorted[s.Kind] = append(m.sorted[s.Kind], s)
	}
	for _, list := range m.sorted {
		sort.Slice(list, func(i, j int) bool { return list[i].Address < list[j].Address })
	}
	return m, nil
}

// Lookup returns the signal bound to (kind, address).
func (m *Map) Lookup(kind Kind, address uint16) (Signal, error) {
	s, ok := m.byAddr[key{kind, address}]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %s %d", ErrUnknownAddress, kind, address)
	}
	return s, nil
}

// ByName returns the signal with the given client-facing name.
func (m *Map) ByName(name string) (Signal, error) {
	s, ok := m.byName[name]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	return s, nil
}

// Contiguous checks that every address in [start, start+count) is bound.
func (m *Map) Contiguous(kind Kind, start, count uint16) error {
	if count == 0 {
		return fmt.Errorf("%w: empty range at %s %d", ErrUnknownAddress, kind, start)
	}
	for i := 0; i < int(count); i++ {
		addr := int(start) + i
		if addr > math.MaxUint16 {
			return fmt.Errorf("%w: %s %d", ErrUnknownAddress, kind, addr)
		}
		if _, ok := m.byAddr[key{kind, uint16(addr)}]; !ok {
			return fmt.Errorf("%w: %s %d", ErrUnknownAddress, kind, addr)
		}
	}
	return nil
}

// Signals returns the signals of one kind in address order.
func (m *Map) Signals(kind Kind) []Signal {
	return append([]Signal(nil), m.sorted[kind]...)
}

// Filter returns all signals of the given kind and access, in address order.
func (m *Map) Filter(kind Kind, access Access) []Signal {
	var out []Signal
	for _, s := range m.sorted[kind] {
		if s.Access == access {
			out = append(out, s)
		}
	}
	return out
}
