// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up optional tracing and metrics export for a run.
//
// Spans from the agent and llm packages go to a JSON trace file through
// the stdout exporter. Prometheus metrics registered with promauto are
// served on /metrics when an address is configured. Both are off by
// default so a plain run opens no files or ports beyond the project.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// MetricsPath is where the Prometheus handler is mounted.
const MetricsPath = "/metrics"

// Config controls telemetry behavior.
type Config struct {
	// ServiceName is the service.name resource attribute.
	ServiceName string

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string

	// TraceFile receives spans as JSON. Empty disables tracing.
	TraceFile string

	// MetricsAddr is the listen address for /metrics, e.g. ":9464".
	// Empty disables the endpoint.
	MetricsAddr string
}

// Telemetry owns the trace provider and metrics server of one process.
//
// Thread Safety: Shutdown may be called once from any goroutine.
type Telemetry struct {
	tp        *sdktrace.TracerProvider
	traceFile *os.File
	server    *http.Server
	listener  net.Listener
	serveErr  chan error
	logger    *slog.Logger
}

// Start initializes the configured exporters.
//
// Description:
//
//	With a TraceFile, installs a global TracerProvider that batches spans
//	into the file. With a MetricsAddr, binds the address and serves the
//	default Prometheus registry in the background. A zero Config returns
//	a Telemetry whose Shutdown does nothing.
//
// Inputs:
//
//	ctx - Unused beyond the exporter constructors; accepted for symmetry
//	      with Shutdown.
//	cfg - What to enable.
//	logger - Logger. Nil means slog.Default().
//
// Outputs:
//
//	*Telemetry - Call Shutdown when the run ends.
//	error - Trace file or listen failures.
func Start(ctx context.Context, cfg Config, logger *slog.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "isomira"
	}
	t := &Telemetry{logger: logger}

	if cfg.TraceFile != "" {
		if err := t.startTracing(ctx, cfg); err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
	}
	if cfg.MetricsAddr != "" {
		if err := t.startMetrics(cfg.MetricsAddr); err != nil {
			_ = t.Shutdown(ctx)
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return t, nil
}

func (t *Telemetry) startTracing(_ context.Context, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.TraceFile), 0750); err != nil {
		return fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f), stdouttrace.WithPrettyPrint())
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	t.traceFile = f
	t.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(t.tp)
	t.logger.Info("tracing enabled", slog.String("file", cfg.TraceFile))
	return nil
}

func (t *Telemetry) startMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.Handler())

	t.listener = ln
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	t.serveErr = make(chan error, 1)
	go func() {
		err := t.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		t.serveErr <- err
	}()
	t.logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (t *Telemetry) MetricsAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Shutdown flushes spans, closes the trace file, and stops the metrics
// server.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		if err := t.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
		if err := t.traceFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close trace file: %w", err))
		}
		t.tp = nil
	}
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
		}
		if err := <-t.serveErr; err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
		t.server = nil
	}
	return errors.Join(errs...)
}
