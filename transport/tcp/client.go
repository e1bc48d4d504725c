// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/thermal-bridge/modbus"
	"github.com/ffutop/thermal-bridge/transport"
)

var _ transport.Downstream = (*Client)(nil)

const (
	tcpTimeout = 10 * time.Second
)

// Client implements transport.Downstream (Modbus TCP Client). It keeps one
// connection open and redials after a failed exchange.
type Client struct {
	Address string
	Timeout time.Duration

	transactionID uint32 // Atomic counter

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: tcpTimeout,
	}
}

// Connect dials the server if no connection is open.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	dialer := net.Dialer{Timeout: mb.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", mb.Address)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", mb.Address, err)
	}
	mb.conn = conn
	return nil
}

// Close closes the connection, if any.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closeConn()
}

func (mb *Client) closeConn() error {
	if mb.conn == nil {
		return nil
	}
	err := mb.conn.Close()
	mb.conn = nil
	return err
}

// Send sends a PDU to a Slave and returns the response PDU. An exception
// response is returned as is, with a nil error.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	tid := uint16(atomic.AddUint32(&mb.transactionID, 1))

	adu := &ApplicationDataUnit{
		TransactionID: tid,
		ProtocolID:    modbusProtocolID,
		SlaveID:       slaveID, // Unit Identifier
		Pdu:           pdu,
	}

	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to encode ADU: %w", err)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}

	respAdu, err := mb.sendAndRead(ctx, aduBytes)
	if err != nil {
		// the stream position is unknown now
		mb.closeConn()
		return modbus.ProtocolDataUnit{}, err
	}

	if err := adu.Verify(respAdu); err != nil {
		mb.closeConn()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}

	return respAdu.Pdu, nil
}

func (mb *Client) sendAndRead(ctx context.Context, aduRequest []byte) (*ApplicationDataUnit, error) {
	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := mb.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := mb.conn.Write(aduRequest); err != nil {
		return nil, err
	}

	resp, err := ReadFrame(mb.conn)
	if err != nil {
		return nil, err
	}
	slog.Debug("recv from modbus tcp slave", "fc", resp.Pdu.FunctionCode, "data", hex.EncodeToString(resp.Pdu.Data))
	return resp, nil
}
