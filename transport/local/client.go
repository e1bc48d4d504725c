// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package local

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ffutop/thermal-bridge/modbus"
	"github.com/ffutop/thermal-bridge/transport"
)

var ErrClosed = errors.New("local: client closed")

var _ transport.Downstream = (*Client)(nil)

// Client implements Downstream by calling a request handler in process,
// e.g. slave.Slave.Handle, without any framing.
type Client struct {
	handler transport.RequestHandler
	closed  atomic.Bool
}

// NewClient creates a new Local Client.
func NewClient(handler transport.RequestHandler) *Client {
	return &Client{handler: handler}
}

// Send processes the PDU locally.
func (c *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if c.closed.Load() {
		return modbus.ProtocolDataUnit{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	// the handler may keep the request data, so hand it a copy
	req := modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: append([]byte(nil), pdu.Data...)}
	return c.handler(ctx, slaveID, req)
}

// Connect is a no-op for a local handler.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close makes further Sends fail.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}
