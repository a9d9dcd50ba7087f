// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tracing builds the trace-exporter spans: one span per
// request/response cycle, named and sampled by CEL expressions the same way
// every other CEL-bearing policy in this gateway is configured, carrying
// request/response/LLM attributes and a time-to-first-token measurement for
// streaming responses.
//
// A Tracer wraps an OTel TracerProvider and a resolved span name/sampling
// configuration; spans are built retroactively with explicit start/end
// timestamps taken from snapshot.Snapshot.StartTime/FirstTokenTime rather
// than live-started, since the ext_proc protocol only tells this gateway a
// request happened after the fact, phase by phase. Any caller-supplied
// sdktrace.SpanExporter works (stdouttrace.New() is the default/dev wiring);
// otlp.go provides OTLP/gRPC and OTLP/HTTP exporters that ride a
// caller-supplied connection so export traffic goes through the gateway's
// own policy-aware client to the collector backend.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentgateway/agentgateway-go/internal/cel"
)

// Config configures one Tracer. SpanNameExpr and SamplingExpr are both
// optional: a nil SpanNameExpr falls back to "<method> <path>", a nil
// SamplingExpr samples every request.
type Config struct {
	ServiceName  string
	SpanNameExpr *cel.Program
	SamplingExpr *cel.Program
}

// Tracer owns the OTel TracerProvider backing every Stage built from it.
// Callers are responsible for calling Shutdown on process exit so buffered
// spans flush to the exporter.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	cfg      Config
}

// NewTracer builds a Tracer exporting finished spans through exporter. A
// batching processor is used so Stage.end (called on the hot response path)
// never blocks on the exporter's own I/O.
func NewTracer(exporter sdktrace.SpanExporter, cfg Config) (*Tracer, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "agentgateway"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(name),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		// Sampling is done explicitly by Stage evaluating cfg.SamplingExpr
		// against the CEL value graph, not by the SDK's own Sampler chain, so
		// that the same per-request CEL activation used everywhere else in
		// this gateway governs it.
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("github.com/agentgateway/agentgateway-go/internal/tracing"),
		cfg:      cfg,
	}, nil
}

// Shutdown flushes buffered spans and releases the exporter.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// NewStage builds a pipeline.Stage sharing this Tracer's TracerProvider.
func (t *Tracer) NewStage() *Stage {
	return &Stage{tracer: t}
}
