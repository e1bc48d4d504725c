// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package state holds the live register and coil values shared by the
// Modbus server and the update loop.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ffutop/thermal-bridge/internal/registermap"
)

var (
	ErrAddressRange   = errors.New("state: address range not mapped")
	ErrIllegalAddress = errors.New("state: address not mapped")
	ErrIllegalAccess  = errors.New("state: address is read-only")
)

// Store is the register/coil image. Every address bound in the register
// map has exactly one entry from construction on.
//
// All methods take the same mutex for the whole read or write batch, so a
// multi-register read never sees half of an update cycle.
type Store struct {
	mu sync.Mutex

	regmap  *registermap.Map
	holding map[uint16]uint16
	coils   map[uint16]bool
	mirror  Mirror
	batches uint64
}

// New creates a Store populated from the register map. initial holds
// start-up values in engine units keyed by signal name; unlisted signals
// start at zero / false.
func New(m *registermap.Map, initial map[string]float64, mirror Mirror) (*Store, error) {
	if mirror == nil {
		mirror = NopMirror{}
	}
	s := &Store{
		regmap:  m,
		holding: make(map[uint16]uint16),
		coils:   make(map[uint16]bool),
		mirror:  mirror,
	}

	for _, sig := range m.Signals(registermap.HoldingRegister) {
		v, sat := sig.ToRegister(initial[sig.Name])
		if sat != registermap.NotSaturated {
			return nil, fmt.Errorf("state: initial value %v for %q out of register range", initial[sig.Name], sig.Name)
		}
		s.holding[sig.Address] = v
		mirror.OnWrite(registermap.HoldingRegister, sig.Address, v)
	}
	for _, sig := range m.Signals(registermap.Coil) {
		on := initial[sig.Name] != 0
		s.coils[sig.Address] = on
		mirror.OnWrite(registermap.Coil, sig.Address, coilValue(on))
	}
	return s, nil
}

// ReadHolding returns count registers starting at address.
func (s *Store) ReadHolding(address, count uint16) ([]uint16, error) {
	if err := s.regmap.Contiguous(registermap.HoldingRegister, address, count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressRange, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]uint16, count)
	for i := range result {
		result[i] = s.holding[address+uint16(i)]
	}
	return result, nil
}

// ReadCoils returns count coils starting at address.
func (s *Store) ReadCoils(address, count uint16) ([]bool, error) {
	if err := s.regmap.Contiguous(registermap.Coil, address, count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressRange, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]bool, count)
	for i := range result {
		result[i] = s.coils[address+uint16(i)]
	}
	return result, nil
}

// WriteHolding is the client write path for a single register.
func (s *Store) WriteHolding(address, value uint16) error {
	if err := s.checkWritable(address); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.holding[address] = value
	s.mirror.OnWrite(registermap.HoldingRegister, address, value)
	return nil
}

// WriteHoldingRange writes consecutive registers as one batch. Nothing is
// written unless every address is mapped and writable.
func (s *Store) WriteHoldingRange(address uint16, values []uint16) error {
	if len(values) == 0 || int(address)+len(values) > maxAddress+1 {
		return fmt.Errorf("%w: holding %d+%d", ErrIllegalAddress, address, len(values))
	}
	for i := range values {
		if err := s.checkWritable(address + uint16(i)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range values {
		addr := address + uint16(i)
		s.holding[addr] = v
		s.mirror.OnWrite(registermap.HoldingRegister, addr, v)
	}
	return nil
}

func (s *Store) checkWritable(address uint16) error {
	sig, err := s.regmap.Lookup(registermap.HoldingRegister, address)
	if err != nil {
		return fmt.Errorf("%w: holding %d", ErrIllegalAddress, address)
	}
	if sig.Access != registermap.ReadWrite {
		return fmt.Errorf("%w: %q", ErrIllegalAccess, sig.Name)
	}
	return nil
}

// WriteCoil is the client write path for a single coil.
func (s *Store) WriteCoil(address uint16, value bool) error {
	sig, err := s.regmap.Lookup(registermap.Coil, address)
	if err != nil {
		return fmt.Errorf("%w: coil %d", ErrIllegalAddress, address)
	}
	if sig.Access != registermap.ReadWrite {
		return fmt.Errorf("%w: %q", ErrIllegalAccess, sig.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.coils[address] = value
	s.mirror.OnWrite(registermap.Coil, address, coilValue(value))
	return nil
}

// Actuator is the current command value of a read-write coil.
type Actuator struct {
	Signal registermap.Signal
	Value  bool
}

// SnapshotActuators copies every read-write coil under one lock.
func (s *Store) SnapshotActuators() []Actuator {
	signals := s.regmap.Filter(registermap.Coil, registermap.ReadWrite)
	out := make([]Actuator, len(signals))

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sig := range signals {
		out[i] = Actuator{Signal: sig, Value: s.coils[sig.Address]}
	}
	return out
}

// Publish applies one update-loop batch of register values atomically.
// This is the only way to change read-only registers. The batch is
// rejected as a whole if any address is not a mapped holding register.
func (s *Store) Publish(batch map[uint16]uint16) error {
	for addr := range batch {
		if _, err := s.regmap.Lookup(registermap.HoldingRegister, addr); err != nil {
			return fmt.Errorf("%w: holding %d", ErrIllegalAddress, addr)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, v := range batch {
		s.holding[addr] = v
		s.mirror.OnWrite(registermap.HoldingRegister, addr, v)
	}
	s.batches++
	return nil
}

// Batches returns the number of batches published so far.
func (s *Store) Batches() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

// Map returns the register map the store was built from.
func (s *Store) Map() *registermap.Map {
	return s.regmap
}

func coilValue(on bool) uint16 {
	if on {
		return 1
	}
	return 0
}
