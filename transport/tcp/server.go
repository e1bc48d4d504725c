// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ffutop/thermal-bridge/modbus"
	"github.com/ffutop/thermal-bridge/transport"
)

var _ transport.Upstream = (*Server)(nil)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// ConnRecorder is notified when client connections open and close.
type ConnRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Server implements a Modbus TCP Server.
type Server struct {
	Address string
	Handler transport.RequestHandler
	// IdleTimeout closes a connection that sends no complete request
	// within the interval. Zero disables it.
	IdleTimeout time.Duration
	Recorder    ConnRecorder

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address: address,
	}
}

// Listen binds the listener without accepting. Start calls it when needed;
// calling it first lets a bind failure surface before any goroutine starts.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start accepts connections until ctx is done, then closes every open
// connection and waits for their goroutines.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.Handler = handler
	if err := s.Listen(); err != nil {
		return err
	}
	listener := s.listener
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	defer s.wg.Wait()

	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if closed
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Back off on persistent failures such as EMFILE.
			if delay == 0 {
				delay = acceptBackoffMin
			} else {
				delay = min(2*delay, acceptBackoffMax)
			}
			slog.Error("Failed to accept connection", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close closes the listener and every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.closed = true
	return err
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	if s.Recorder != nil {
		s.Recorder.ConnectionOpened()
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	if s.Recorder != nil {
		s.Recorder.ConnectionClosed()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	slog.Info("New TCP client connected", "addr", conn.RemoteAddr())

	for {
		if s.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.IdleTimeout)); err != nil {
				slog.Error("Failed to set read deadline", "addr", conn.RemoteAddr(), "err", err)
				return
			}
		}

		adu, err := ReadFrame(conn)
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF):
				slog.Info("TCP client disconnected gracefully", "addr", conn.RemoteAddr())
			case errors.As(err, &netErr) && netErr.Timeout():
				slog.Info("Closing idle TCP client", "addr", conn.RemoteAddr(), "timeout", s.IdleTimeout)
			case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
				slog.Debug("TCP client closed on shutdown", "addr", conn.RemoteAddr())
			default:
				slog.Warn("Dropping TCP client on malformed frame", "addr", conn.RemoteAddr(), "err", err)
			}
			return
		}

		if s.Handler == nil {
			slog.Error("No handler defined for TCP server")
			return
		}

		respPdu, err := s.Handler(ctx, adu.SlaveID, adu.Pdu)
		if err != nil {
			slog.Error("Handler failed", "addr", conn.RemoteAddr(), "err", err)
			respPdu = modbus.NewException(adu.Pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
		}

		// Construct Response ADU
		respAdu := &ApplicationDataUnit{
			TransactionID: adu.TransactionID,
			ProtocolID:    adu.ProtocolID,
			SlaveID:       adu.SlaveID,
			Pdu:           respPdu,
		}

		respRaw, err := respAdu.Encode()
		if err != nil {
			slog.Error("Failed to encode TCP response", "err", err)
			return
		}

		if _, err = conn.Write(respRaw); err != nil {
			slog.Error("Failed to write response to connection", "addr", conn.RemoteAddr(), "err", err)
			return
		}
	}
}
