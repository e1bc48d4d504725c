// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package tcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffutop/thermal-bridge/modbus"
	"github.com/ffutop/thermal-bridge/transport"
)

// echoHandler answers 0x03 with a fixed register and everything else with
// Illegal Function.
func echoHandler(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if pdu.FunctionCode == 0x03 {
		return modbus.ProtocolDataUnit{
			FunctionCode: 0x03,
			Data:         []byte{0x02, 0xAA, 0xBB}, // ByteCount + Data
		}, nil
	}
	return modbus.NewException(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
}

type connCounter struct {
	opened, closed atomic.Int32
}

func (c *connCounter) ConnectionOpened() { c.opened.Add(1) }
func (c *connCounter) ConnectionClosed() { c.closed.Add(1) }

func startServer(t *testing.T, s *Server, handler transport.RequestHandler) (string, context.CancelFunc, chan error) {
	t.Helper()
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ctx, handler)
	}()
	t.Cleanup(cancel)
	return s.Addr().String(), cancel, errChan
}

func frame(tid uint16, protocol uint16, unit byte, pdu []byte) []byte {
	adu := make([]byte, 7+len(pdu))
	binary.BigEndian.PutUint16(adu[0:], tid)
	binary.BigEndian.PutUint16(adu[2:], protocol)
	binary.BigEndian.PutUint16(adu[4:], uint16(1+len(pdu)))
	adu[6] = unit
	copy(adu[7:], pdu)
	return adu
}

func readResponse(t *testing.T, conn net.Conn) *ApplicationDataUnit {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	adu, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	return adu
}

// expectClosed asserts the server closed the connection without replying.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("got %d reply bytes % X, want none", n, buf[:n])
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("connection still open")
	}
	if err == nil {
		t.Fatal("Read() error = nil, want closed connection")
	}
}

func TestServer_Start_And_Handle(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	addr, _, _ := startServer(t, s, func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		if slaveID != 7 {
			t.Errorf("Handler expected slaveID 7, got %d", slaveID)
		}
		return echoHandler(ctx, slaveID, pdu)
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Read 1 reg at 1
	if _, err := conn.Write(frame(123, 0, 7, []byte{0x03, 0x00, 0x01, 0x00, 0x01})); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	resp := readResponse(t, conn)
	if resp.TransactionID != 123 || resp.ProtocolID != 0 || resp.SlaveID != 7 {
		t.Errorf("header = %+v, want tid 123, protocol 0, unit 7", resp)
	}
	if resp.Length != 5 {
		t.Errorf("Length = %d, want 5", resp.Length)
	}
	if resp.Pdu.FunctionCode != 0x03 || !bytes.Equal(resp.Pdu.Data, []byte{0x02, 0xAA, 0xBB}) {
		t.Errorf("pdu = %+v", resp.Pdu)
	}

	// An exception reply keeps the connection open.
	conn.Write(frame(124, 0, 7, []byte{0x2B}))
	resp = readResponse(t, conn)
	if resp.TransactionID != 124 || resp.Pdu.FunctionCode != 0xAB || !bytes.Equal(resp.Pdu.Data, []byte{0x01}) {
		t.Errorf("exception response = %+v", resp)
	}
}

func TestServer_Pipelined(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	addr, _, _ := startServer(t, s, echoHandler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Three requests in one write, answered in order.
	var batch []byte
	for tid := uint16(10); tid < 13; tid++ {
		batch = append(batch, frame(tid, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})...)
	}
	if _, err := conn.Write(batch); err != nil {
		t.Fatal(err)
	}
	for tid := uint16(10); tid < 13; tid++ {
		if resp := readResponse(t, conn); resp.TransactionID != tid {
			t.Fatalf("TransactionID = %d, want %d", resp.TransactionID, tid)
		}
	}
}

func TestServer_SplitFrame(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	addr, _, _ := startServer(t, s, echoHandler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := frame(77, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	conn.Write(req[:4])
	time.Sleep(20 * time.Millisecond)
	conn.Write(req[4:])
	if resp := readResponse(t, conn); resp.TransactionID != 77 {
		t.Errorf("TransactionID = %d, want 77", resp.TransactionID)
	}
}

func TestServer_MalformedFrameClosesConnection(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"BadProtocolID", frame(1, 1, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})},
		{"LengthTooSmall", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
		{"LengthTooLarge", []byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer("127.0.0.1:0")
			addr, _, _ := startServer(t, s, echoHandler)

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()

			conn.Write(tt.raw)
			expectClosed(t, conn)
		})
	}
}

func TestServer_TruncatedFrame(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	addr, _, _ := startServer(t, s, echoHandler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	req := frame(1, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})
	conn.Write(req[:len(req)-2])
	// half-close: the server sees EOF in the middle of a frame
	conn.(*net.TCPConn).CloseWrite()
	expectClosed(t, conn)
	conn.Close()
}

func TestServer_HandlerErrorReportsDeviceFailure(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	addr, _, _ := startServer(t, s, func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		return modbus.ProtocolDataUnit{}, errors.New("boom")
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write(frame(5, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	resp := readResponse(t, conn)
	if resp.Pdu.FunctionCode != 0x83 || !bytes.Equal(resp.Pdu.Data, []byte{0x04}) {
		t.Errorf("pdu = %+v, want 0x83 04", resp.Pdu)
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.IdleTimeout = 100 * time.Millisecond
	addr, _, _ := startServer(t, s, echoHandler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Active connection survives.
	conn.Write(frame(1, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	readResponse(t, conn)

	expectClosed(t, conn)
}

func TestServer_LifeCycle(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	rec := &connCounter{}
	s.Recorder = rec
	addr, cancel, errChan := startServer(t, s, echoHandler)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write(frame(1, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	readResponse(t, conn)

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	// Open connections are closed on shutdown.
	expectClosed(t, conn)
	if rec.opened.Load() != 1 || rec.closed.Load() != 1 {
		t.Errorf("opened = %d, closed = %d, want 1, 1", rec.opened.Load(), rec.closed.Load())
	}
}

// failingListener fails every Accept until closed.
type failingListener struct {
	calls atomic.Int32
	done  chan struct{}
	once  sync.Once
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.calls.Add(1)
	select {
	case <-l.done:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("accept: too many open files")
	}
}

func (l *failingListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServer_AcceptErrorBackoff(t *testing.T) {
	l := &failingListener{done: make(chan struct{})}
	s := NewServer("127.0.0.1:0")
	s.listener = l

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Start(ctx, echoHandler)
	}()

	// 5+10+20+40+80 ms of backoff leaves room for at most six attempts.
	time.Sleep(150 * time.Millisecond)
	if n := l.calls.Load(); n < 2 || n > 7 {
		t.Errorf("Accept called %d times in 150ms", n)
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return while backing off")
	}
}

func TestServer_BindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	s := NewServer(l.Addr().String())
	if err := s.Listen(); err == nil {
		s.Close()
		t.Fatal("Listen() on a bound port error = nil")
	}
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     []byte
		wantErr error
	}{
		{"Valid", frame(9, 0, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01}), nil},
		{"Empty", nil, io.EOF},
		{"ShortHeader", []byte{0x00, 0x01, 0x00}, io.ErrUnexpectedEOF},
		{"ShortBody", frame(9, 0, 1, []byte{0x01, 0x00, 0x00, 0x00, 0x01})[:9], io.ErrUnexpectedEOF},
		{"ProtocolID", frame(9, 2, 1, []byte{0x01}), ErrProtocolID},
		{"LengthOne", []byte{0, 9, 0, 0, 0, 1, 1}, ErrFrameLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adu, err := ReadFrame(bytes.NewReader(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadFrame() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (adu.TransactionID != 9 || adu.Pdu.FunctionCode != 0x01 || len(adu.Pdu.Data) != 4) {
				t.Errorf("adu = %+v", adu)
			}
		})
	}
}

func TestEncode_SetsLength(t *testing.T) {
	adu := &ApplicationDataUnit{TransactionID: 0x0102, SlaveID: 3, Pdu: modbus.ProtocolDataUnit{FunctionCode: 0x05, Data: []byte{0, 0, 0xFF, 0}}}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x06, 0x03, 0x05, 0x00, 0x00, 0xFF, 0x00}
	if !bytes.Equal(raw, want) {
		t.Errorf("Encode() = % X, want % X", raw, want)
	}

	adu.Pdu.Data = make([]byte, 253)
	if _, err := adu.Encode(); err == nil {
		t.Error("Encode() of oversized PDU error = nil")
	}
}
