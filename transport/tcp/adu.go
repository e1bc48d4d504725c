// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ffutop/thermal-bridge/modbus"
)

const (
	// transaction id, protocol id, length
	mbapHeaderSize = 6
	tcpMinSize     = 8
	tcpMaxSize     = 260

	// The MBAP length counts the unit id and the PDU.
	minLength = 2
	maxLength = tcpMaxSize - mbapHeaderSize

	modbusProtocolID = 0
)

var (
	ErrProtocolID  = errors.New("modbus: protocol id is not 0")
	ErrFrameLength = errors.New("modbus: invalid MBAP length")
)

type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// Decode parses a complete frame. The length field must match the bytes
// that follow it.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
		return
	}
	if len(raw) > tcpMaxSize {
		err = fmt.Errorf("modbus: request length '%v' must not be bigger than '%v'", len(raw), tcpMaxSize)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = binary.BigEndian.Uint16(raw[0:])
	adu.ProtocolID = binary.BigEndian.Uint16(raw[2:])
	adu.Length = binary.BigEndian.Uint16(raw[4:])
	if int(adu.Length) != len(raw)-mbapHeaderSize {
		return nil, fmt.Errorf("%w: header says '%v', frame carries '%v'", ErrFrameLength, adu.Length, len(raw)-mbapHeaderSize)
	}
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return
}

// ReadFrame reads exactly one frame from r. Any error leaves the stream
// out of sync, so callers must drop the connection.
func ReadFrame(r io.Reader) (*ApplicationDataUnit, error) {
	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	protocolID := binary.BigEndian.Uint16(header[2:])
	if protocolID != modbusProtocolID {
		return nil, fmt.Errorf("%w: got '%v'", ErrProtocolID, protocolID)
	}
	length := binary.BigEndian.Uint16(header[4:])
	if length < minLength || length > maxLength {
		return nil, fmt.Errorf("%w: '%v'", ErrFrameLength, length)
	}

	raw := make([]byte, mbapHeaderSize+int(length))
	copy(raw, header)
	if _, err := io.ReadFull(r, raw[mbapHeaderSize:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decode(raw)
}

// Encode fills in the length field from the PDU before serialising.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + tcpMinSize
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	adu.Length = uint16(length - mbapHeaderSize)
	raw = make([]byte, length)

	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], adu.Length)
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}

func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	// Transaction ID must match
	if resp.TransactionID != req.TransactionID {
		err = fmt.Errorf("modbus: response transaction id '%v' does not match request '%v'", resp.TransactionID, req.TransactionID)
		return
	}
	if resp.ProtocolID != req.ProtocolID {
		err = fmt.Errorf("modbus: response protocol id '%v' does not match request '%v'", resp.ProtocolID, req.ProtocolID)
		return
	}
	if resp.SlaveID != req.SlaveID {
		err = fmt.Errorf("modbus: response unit id '%v' does not match request '%v'", resp.SlaveID, req.SlaveID)
		return
	}
	if resp.Pdu.FunctionCode&^modbus.ExceptionFlag != req.Pdu.FunctionCode {
		err = fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.Pdu.FunctionCode, req.Pdu.FunctionCode)
		return
	}
	return
}
