// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ffutop/thermal-bridge/modbus"
)

// Client issues typed Modbus requests to one unit over any Downstream.
// Exception responses come back as *modbus.Error.
type Client struct {
	Downstream
	SlaveID byte
}

func NewClient(ds Downstream, slaveID byte) *Client {
	return &Client{
		Downstream: ds,
		SlaveID:    slaveID,
	}
}

func (c *Client) request(ctx context.Context, funcCode byte, data []byte) ([]byte, error) {
	resp, err := c.Send(ctx, c.SlaveID, modbus.ProtocolDataUnit{FunctionCode: funcCode, Data: data})
	if err != nil {
		return nil, err
	}
	if resp.IsException() {
		var code byte
		if len(resp.Data) > 0 {
			code = resp.Data[0]
		}
		return nil, &modbus.Error{FunctionCode: resp.FunctionCode, ExceptionCode: code}
	}
	if resp.FunctionCode != funcCode {
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v'", resp.FunctionCode, funcCode)
	}
	return resp.Data, nil
}

// ReadHoldingRegisters reads quantity registers starting at address.
func (c *Client) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]uint16, error) {
	data, err := c.request(ctx, modbus.FuncCodeReadHoldingRegisters, addressQuantity(address, quantity))
	if err != nil {
		return nil, err
	}
	if len(data) < 1 || int(data[0]) != len(data)-1 || int(data[0]) != 2*int(quantity) {
		return nil, fmt.Errorf("modbus: response byte count '%v' does not match quantity '%v'", len(data)-1, quantity)
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[1+2*i:])
	}
	return regs, nil
}

// ReadCoils reads quantity coils starting at address.
func (c *Client) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	data, err := c.request(ctx, modbus.FuncCodeReadCoils, addressQuantity(address, quantity))
	if err != nil {
		return nil, err
	}
	if len(data) < 1 || int(data[0]) != len(data)-1 || int(data[0]) != (int(quantity)+7)/8 {
		return nil, fmt.Errorf("modbus: response byte count '%v' does not match quantity '%v'", len(data)-1, quantity)
	}
	coils := make([]bool, quantity)
	for i := range coils {
		coils[i] = data[1+i/8]&(1<<uint(i%8)) != 0
	}
	return coils, nil
}

// WriteSingleCoil sets or clears the coil at address.
func (c *Client) WriteSingleCoil(ctx context.Context, address uint16, on bool) error {
	value := modbus.CoilOff
	if on {
		value = modbus.CoilOn
	}
	req := addressQuantity(address, value)
	data, err := c.request(ctx, modbus.FuncCodeWriteSingleCoil, req)
	if err != nil {
		return err
	}
	if !bytes.Equal(data, req) {
		return fmt.Errorf("modbus: write coil response '%x' does not echo request '%x'", data, req)
	}
	return nil
}

func addressQuantity(address, quantity uint16) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)
	return data
}
