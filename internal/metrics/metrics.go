// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes bridge counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thermal_bridge"

// Metrics groups all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	exceptions  *prometheus.CounterVec
	connections prometheus.Gauge
	cycles      prometheus.Counter
	faults      *prometheus.CounterVec
	saturations *prometheus.CounterVec
	registers   *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Modbus requests processed, by function code.",
		}, []string{"function"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_total",
			Help:      "Modbus exception responses sent, by function and exception code.",
		}, []string{"function", "code"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open Modbus TCP client connections.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_cycles_total",
			Help:      "Completed simulation update cycles.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_faults_total",
			Help:      "Simulation engine failures, by cycle stage.",
		}, []string{"stage"}),
		saturations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "register_saturations_total",
			Help:      "Scaled outputs clamped into the register range, by signal.",
		}, []string{"signal"}),
		registers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "register_value",
			Help:      "Last published register value, by signal.",
		}, []string{"signal"}),
	}
	m.registry.MustRegister(m.requests, m.exceptions, m.connections, m.cycles, m.faults, m.saturations, m.registers)
	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Request(funcCode byte) {
	m.requests.WithLabelValues(fcLabel(funcCode)).Inc()
}

func (m *Metrics) Exception(funcCode, code byte) {
	m.exceptions.WithLabelValues(fcLabel(funcCode), strconv.Itoa(int(code))).Inc()
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) Cycle() { m.cycles.Inc() }

func (m *Metrics) EngineFault(stage string) {
	m.faults.WithLabelValues(stage).Inc()
}

func (m *Metrics) Saturation(signal string) {
	m.saturations.WithLabelValues(signal).Inc()
}

func (m *Metrics) Register(signal string, value uint16) {
	m.registers.WithLabelValues(signal).Set(float64(value))
}

// Serve exposes /metrics on address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("Metrics endpoint listening", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func fcLabel(funcCode byte) string {
	return fmt.Sprintf("0x%02X", funcCode)
}
