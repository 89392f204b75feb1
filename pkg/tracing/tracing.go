// Copyright 2024 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing wires OpenTelemetry spans around the Matrix
// Orchestrator's work, with a stdout exporter for local runs and an
// optional OTLP-over-gRPC exporter for shipping traces to a collector.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracer provider setup.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Enabled toggles tracing on at all; when false, Setup leaves the
	// global tracer provider untouched and returns a no-op Shutdown.
	Enabled bool
	// OTLPEndpoint, if set, ships spans to a collector instead of
	// stdout.
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRate is the fraction of traces sampled, in [0,1].
	SampleRate float64
}

// Shutdown flushes and releases the tracer provider installed by Setup.
type Shutdown func(ctx context.Context) error

var noopShutdown Shutdown = func(ctx context.Context) error { return nil }

// Setup installs a global tracer provider per cfg and returns a Shutdown
// to call on process exit.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: creating exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRate)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return tp.Shutdown(ctx)
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.OTLPEndpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// tracerName is the instrumentation scope name for every span this
// package starts.
const tracerName = "github.com/rdeps/crusader"

// StartSpan starts a child span named name under the tracer registered
// by Setup.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError records err on the span active in ctx, if any.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}

// Timer measures a named duration. StopWithAttrs adds it as an event on
// the span active in the timer's context and reports it to every
// callback added with RegisterObserver; the observe field is not read.
type Timer struct {
	ctx     context.Context
	name    string
	start   time.Time
	observe func(name string, d time.Duration, attrs []attribute.KeyValue)
}

// observers is the package-level list of callbacks added with
// RegisterObserver, so NewTimer call sites can report durations without
// importing a metrics package directly. No package in this module
// registers one.
var observers []func(name string, d time.Duration, attrs []attribute.KeyValue)

// RegisterObserver adds a callback invoked by every Timer.StopWithAttrs.
func RegisterObserver(f func(name string, d time.Duration, attrs []attribute.KeyValue)) {
	observers = append(observers, f)
}

// NewTimer starts timing name.
func NewTimer(ctx context.Context, name string) *Timer {
	return &Timer{ctx: ctx, name: name, start: time.Now()}
}

// StopWithAttrs stops the timer, adds an event to the active span, and
// reports the duration to every registered observer.
func (t *Timer) StopWithAttrs(attrs ...attribute.KeyValue) time.Duration {
	d := time.Since(t.start)
	span := trace.SpanFromContext(t.ctx)
	span.AddEvent(t.name, trace.WithAttributes(attrs...))
	for _, obs := range observers {
		obs(t.name, d, attrs)
	}
	return d
}
