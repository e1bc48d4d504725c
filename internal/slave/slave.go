// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package slave executes Modbus requests against the shared register store.
package slave

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/ffutop/thermal-bridge/internal/state"
	"github.com/ffutop/thermal-bridge/modbus"
)

// Recorder receives per-request events. *metrics.Metrics implements it.
type Recorder interface {
	Request(funcCode byte)
	Exception(funcCode, code byte)
}

type nopRecorder struct{}

func (nopRecorder) Request(byte)         {}
func (nopRecorder) Exception(byte, byte) {}

// Slave implements the Modbus protocol logic on top of a state.Store.
// The unit identifier is not inspected: the bridge answers every unit id.
type Slave struct {
	store    *state.Store
	recorder Recorder
}

// NewSlave creates a new Slave. recorder may be nil.
func NewSlave(store *state.Store, recorder Recorder) *Slave {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Slave{store: store, recorder: recorder}
}

// Handle adapts Process to transport.RequestHandler.
func (s *Slave) Handle(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return s.Process(pdu)
}

// Process executes the Modbus Function Code against the store.
func (s *Slave) Process(req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	s.recorder.Request(req.FunctionCode)

	var resp modbus.ProtocolDataUnit
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		resp = s.handleReadCoils(req)
	case modbus.FuncCodeReadHoldingRegisters:
		resp = s.handleReadHoldingRegisters(req)
	case modbus.FuncCodeWriteSingleCoil:
		resp = s.handleWriteSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		resp = s.handleWriteSingleRegister(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		resp = s.handleWriteMultipleRegisters(req)
	default:
		resp = s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
	return resp, nil
}

func (s *Slave) handleReadCoils(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadCoils {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	coils, err := s.store.ReadCoils(address, quantity)
	if err != nil {
		slog.Debug("Read coils rejected", "address", address, "quantity", quantity, "err", err)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	packed := packBits(coils)
	respData := make([]byte, 1+len(packed))
	respData[0] = byte(len(packed))
	copy(respData[1:], packed)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func (s *Slave) handleReadHoldingRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	regs, err := s.store.ReadHolding(address, quantity)
	if err != nil {
		slog.Debug("Read holding registers rejected", "address", address, "quantity", quantity, "err", err)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}

	respData := make([]byte, 1+2*len(regs))
	respData[0] = byte(2 * len(regs))
	for i, v := range regs {
		binary.BigEndian.PutUint16(respData[1+2*i:], v)
	}

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

func (s *Slave) handleWriteSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if value != modbus.CoilOn && value != modbus.CoilOff {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := s.store.WriteCoil(address, value == modbus.CoilOn); err != nil {
		slog.Debug("Write coil rejected", "address", address, "err", err)
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	slog.Debug("Coil written", "address", address, "on", value == modbus.CoilOn)

	return s.echo(req)
}

// No holding register is writable in the default map, so both register
// write functions normally end in Illegal Data Address.
func (s *Slave) handleWriteSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])

	if err := s.store.WriteHolding(address, value); err != nil {
		return s.writeRejected(req, address, err)
	}

	return s.echo(req)
}

func (s *Slave) handleWriteMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 5 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]

	if quantity < 1 || quantity > 123 {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if int(byteCount) != int(quantity)*2 || len(req.Data)-5 != int(byteCount) {
		return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	values := make([]uint16, quantity)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(req.Data[5+2*i:])
	}
	if err := s.store.WriteHoldingRange(address, values); err != nil {
		return s.writeRejected(req, address, err)
	}

	respData := make([]byte, 4)
	binary.BigEndian.PutUint16(respData[0:2], address)
	binary.BigEndian.PutUint16(respData[2:4], quantity)

	return modbus.ProtocolDataUnit{
		FunctionCode: req.FunctionCode,
		Data:         respData,
	}
}

// writeRejected maps both unmapped and read-only targets to Illegal Data
// Address.
func (s *Slave) writeRejected(req modbus.ProtocolDataUnit, address uint16, err error) modbus.ProtocolDataUnit {
	if errors.Is(err, state.ErrIllegalAccess) {
		slog.Debug("Write to read-only register rejected", "address", address, "err", err)
	} else {
		slog.Debug("Write to unmapped register rejected", "address", address, "err", err)
	}
	return s.exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataAddress)
}

func (s *Slave) echo(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	data := make([]byte, len(req.Data))
	copy(data, req.Data)
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: data}
}

func (s *Slave) exception(funcCode byte, code byte) modbus.ProtocolDataUnit {
	s.recorder.Exception(funcCode, code)
	return modbus.NewException(funcCode, code)
}

// packBits packs booleans LSB first, as Read Coils responses require.
func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
