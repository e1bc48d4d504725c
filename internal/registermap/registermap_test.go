// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package registermap

import (
	"errors"
	"math"
	"testing"
)

func TestDefault(t *testing.T) {
	m, err := Default(DefaultAddresses)
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	tests := []struct {
		name    string
		kind    Kind
		address uint16
		want    string
		wantErr bool
	}{
		{"Temperature", HoldingRegister, 40001, Temperature, false},
		{"HeaterState", HoldingRegister, 40002, HeaterState, false},
		{"HeaterControl", Coil, 0, HeaterControl, false},
		{"OnePastLast", HoldingRegister, 40003, "", true},
		{"CoilAddressAsRegister", HoldingRegister, 0, "", true},
		{"RegisterAddressAsCoil", Coil, 40001, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := m.Lookup(tt.kind, tt.address)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Lookup() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownAddress) {
					t.Errorf("Lookup() error = %v, want ErrUnknownAddress", err)
				}
				return
			}
			if s.Name != tt.want {
				t.Errorf("Lookup() = %q, want %q", s.Name, tt.want)
			}
		})
	}

	s, err := m.ByName(HeaterControl)
	if err != nil {
		t.Fatalf("ByName() error = %v", err)
	}
	if s.Binding != "heaterOn" || s.Access != ReadWrite {
		t.Errorf("heater control = %+v", s)
	}
	if _, err := m.ByName("pressure"); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("ByName(pressure) error = %v, want ErrUnknownSignal", err)
	}

	ro := m.Filter(HoldingRegister, ReadOnly)
	if len(ro) != 2 || ro[0].Address != 40001 || ro[1].Address != 40002 {
		t.Errorf("Filter(holding, read-only) = %+v", ro)
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		signals []Signal
	}{
		{"DuplicateAddress", []Signal{
			{Name: "a", Kind: HoldingRegister, Address: 1, Scale: 1},
			{Name: "b", Kind: HoldingRegister, Address: 1, Scale: 1},
		}},
		{"DuplicateName", []Signal{
			{Name: "a", Kind: HoldingRegister, Address: 1, Scale: 1},
			{Name: "a", Kind: Coil, Address: 1},
		}},
		{"ZeroScale", []Signal{
			{Name: "a", Kind: HoldingRegister, Address: 1},
		}},
		{"NoName", []Signal{
			{Kind: Coil, Address: 3},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.signals...); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	// Same address in different tables is fine.
	if _, err := New(
		Signal{Name: "a", Kind: HoldingRegister, Address: 1, Scale: 1},
		Signal{Name: "b", Kind: Coil, Address: 1},
	); err != nil {
		t.Errorf("New() error = %v", err)
	}
}

func TestContiguous(t *testing.T) {
	m, err := Default(DefaultAddresses)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		start   uint16
		count   uint16
		wantErr bool
	}{
		{"Both", 40001, 2, false},
		{"First", 40001, 1, false},
		{"Second", 40002, 1, false},
		{"OnePastLast", 40002, 2, true},
		{"BeforeFirst", 40000, 2, true},
		{"Zero", 40001, 0, true},
		{"WrapAround", 65535, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Contiguous(HoldingRegister, tt.start, tt.count)
			if (err != nil) != tt.wantErr {
				t.Errorf("Contiguous(%d, %d) error = %v, wantErr %v", tt.start, tt.count, err, tt.wantErr)
			}
		})
	}
}

func TestToRegister(t *testing.T) {
	temp := Signal{Name: "t", Kind: HoldingRegister, Scale: 100}
	offset := Signal{Name: "o", Kind: HoldingRegister, Scale: 10, Offset: 500}

	tests := []struct {
		name    string
		signal  Signal
		raw     float64
		want    uint16
		wantSat Saturation
	}{
		{"Ambient", temp, 250, 25000, NotSaturated},
		{"Rounding", temp, 273.15, 27315, NotSaturated},
		{"Top", temp, 655.35, 65535, NotSaturated},
		{"AboveRange", temp, 700, 65535, SaturatedHigh},
		{"Negative", temp, -1, 0, SaturatedLow},
		{"NaN", temp, math.NaN(), 0, SaturatedLow},
		{"Offset", offset, -20, 300, NotSaturated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sat := tt.signal.ToRegister(tt.raw)
			if got != tt.want || sat != tt.wantSat {
				t.Errorf("ToRegister(%v) = %d, %v; want %d, %v", tt.raw, got, sat, tt.want, tt.wantSat)
			}
		})
	}
}

func TestScaleRoundTrip(t *testing.T) {
	signals := []Signal{
		{Name: "temperature", Kind: HoldingRegister, Scale: 100},
		{Name: "offset", Kind: HoldingRegister, Scale: 10, Offset: 500},
		{Name: "unit", Kind: HoldingRegister, Scale: 1},
	}
	for _, s := range signals {
		lsb := 1 / s.Scale
		for raw := 0.0; raw*s.Scale+s.Offset <= math.MaxUint16; raw += 3.7 {
			v, sat := s.ToRegister(raw)
			if sat != NotSaturated {
				t.Fatalf("%s: %v saturated", s.Name, raw)
			}
			back := s.FromRegister(v)
			if math.Abs(back-raw) > lsb {
				t.Fatalf("%s: round trip %v -> %d -> %v exceeds one LSB", s.Name, raw, v, back)
			}
		}
	}
}
