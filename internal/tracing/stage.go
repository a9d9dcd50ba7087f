// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/agentgateway/agentgateway-go/internal/cel"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Stage is the pipeline.Stage that starts a span on the request phase and
// ends it on the response phase of one ext_proc stream. Like
// internal/llm/gateway.Stage, one Stage instance is built per stream and its
// Evaluate method runs across all four phases, so it is safe to carry the
// live span and the sampling decision as fields between them.
type Stage struct {
	tracer *Tracer

	span    oteltrace.Span
	sampled bool
	started bool
}

// NewStage builds a Stage bound to tracer. Like internal/llm/gateway.
// NewStage, the caller constructs one Stage per ext_proc stream, sharing a
// single process-wide Tracer across every Stage instance.
func NewStage(tracer *Tracer) *Stage {
	return &Stage{tracer: tracer}
}

func (s *Stage) Name() string { return "tracing" }

func (s *Stage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	if snap.Response() != nil {
		s.end(snap)
		return pipeline.Continue(nil), nil
	}
	s.start(ctx, snap)
	return pipeline.Continue(nil), nil
}

func (s *Stage) start(ctx context.Context, snap *snapshot.Snapshot) {
	if s.started || !snap.RequestBodyComplete() {
		return
	}
	s.started = true

	vars := snap.CELVars()
	s.sampled = true
	if s.tracer.cfg.SamplingExpr != nil {
		if sampled, err := s.tracer.cfg.SamplingExpr.EvalBool(vars); err == nil {
			s.sampled = sampled
		}
	}
	if !s.sampled {
		return
	}

	name := spanName(snap, s.tracer.cfg.SpanNameExpr, vars)
	start := snap.StartTime()
	if start.IsZero() {
		start = time.Now()
	}

	req := snap.Request()
	_, span := s.tracer.tracer.Start(ctx, name, oteltrace.WithTimestamp(start), oteltrace.WithSpanKind(oteltrace.SpanKindServer))
	if req != nil {
		span.SetAttributes(
			attrHTTPRequestMethod.String(req.Method),
			attrURLPath.String(req.Path),
			attrURLScheme.String(req.Scheme),
		)
	}
	s.span = span
}

func (s *Stage) end(snap *snapshot.Snapshot) {
	if !s.sampled || s.span == nil {
		return
	}

	resp := snap.Response()
	if resp != nil {
		s.span.SetAttributes(attrHTTPResponseStatus.Int(resp.Status))
		if resp.Status >= 500 {
			s.span.SetStatus(codes.Error, "")
		}
	}
	if llm := snap.LLM(); llm != nil {
		if ft := snap.FirstTokenTime(); !ft.IsZero() && !snap.StartTime().IsZero() {
			s.span.SetAttributes(attrGenAITTFTMillis.Int64(ft.Sub(snap.StartTime()).Milliseconds()))
		}
	}

	end := time.Now()
	if resp != nil && resp.EndOfStream {
		s.span.End(oteltrace.WithTimestamp(end))
		s.span = nil
		return
	}
	// Not the final response chunk of a streaming reply: leave the span open
	// for the next response-phase Evaluate call to close.
}

// spanName resolves the span's display name: a configured CEL expression
// wins, falling back to "<method> <path>" for an unconfigured span name.
func spanName(snap *snapshot.Snapshot, expr *cel.Program, vars map[string]any) string {
	if expr != nil {
		if name, err := expr.EvalString(cel.Vars(vars)); err == nil && name != "" {
			return name
		}
	}
	req := snap.Request()
	if req == nil {
		return "request"
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	return strings.TrimSpace(method + " " + req.Path)
}
