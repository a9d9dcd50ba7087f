// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	collectortracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// OTLPGRPCExporter exports finished spans over OTLP/gRPC. The connection is
// caller-supplied so that export traffic rides the gateway's own
// policy-aware channel to the collector backend rather than a side channel
// with its own dialing/auth rules.
type OTLPGRPCExporter struct {
	client collectortracepb.TraceServiceClient
}

var _ sdktrace.SpanExporter = (*OTLPGRPCExporter)(nil)

func NewOTLPGRPCExporter(conn grpc.ClientConnInterface) *OTLPGRPCExporter {
	return &OTLPGRPCExporter{client: collectortracepb.NewTraceServiceClient(conn)}
}

func (e *OTLPGRPCExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	_, err := e.client.Export(ctx, &collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: toResourceSpans(spans),
	})
	return err
}

func (e *OTLPGRPCExporter) Shutdown(context.Context) error { return nil }

// OTLPHTTPExporter exports finished spans as a binary-protobuf POST to an
// OTLP/HTTP collector endpoint (".../v1/traces"). The http.Client is
// caller-supplied for the same policy-aware routing reason as the gRPC
// variant.
type OTLPHTTPExporter struct {
	client   *http.Client
	endpoint string
}

var _ sdktrace.SpanExporter = (*OTLPHTTPExporter)(nil)

func NewOTLPHTTPExporter(client *http.Client, endpoint string) *OTLPHTTPExporter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OTLPHTTPExporter{client: client, endpoint: endpoint}
}

func (e *OTLPHTTPExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}
	body, err := proto.Marshal(&collectortracepb.ExportTraceServiceRequest{
		ResourceSpans: toResourceSpans(spans),
	})
	if err != nil {
		return fmt.Errorf("marshal trace export: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("trace export failed with status %d", resp.StatusCode)
	}
	return nil
}

func (e *OTLPHTTPExporter) Shutdown(context.Context) error { return nil }

// toResourceSpans converts one exporter batch. Every span in a batch comes
// from the same TracerProvider, so a single resource/scope grouping is
// sufficient.
func toResourceSpans(spans []sdktrace.ReadOnlySpan) []*tracepb.ResourceSpans {
	scope := spans[0].InstrumentationScope()
	out := &tracepb.ResourceSpans{
		Resource: &resourcepb.Resource{
			Attributes: toKeyValues(spans[0].Resource().Attributes()),
		},
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{Name: scope.Name, Version: scope.Version},
		}},
	}
	for _, s := range spans {
		out.ScopeSpans[0].Spans = append(out.ScopeSpans[0].Spans, toSpan(s))
	}
	return []*tracepb.ResourceSpans{out}
}

func toSpan(s sdktrace.ReadOnlySpan) *tracepb.Span {
	sc := s.SpanContext()
	traceID := sc.TraceID()
	spanID := sc.SpanID()
	span := &tracepb.Span{
		TraceId:           traceID[:],
		SpanId:            spanID[:],
		Name:              s.Name(),
		Kind:              tracepb.Span_SpanKind(s.SpanKind()),
		StartTimeUnixNano: uint64(s.StartTime().UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime().UnixNano()),
		Attributes:        toKeyValues(s.Attributes()),
		Status:            toStatus(s.Status().Code, s.Status().Description),
	}
	if parent := s.Parent(); parent.HasSpanID() {
		parentID := parent.SpanID()
		span.ParentSpanId = parentID[:]
	}
	for _, ev := range s.Events() {
		span.Events = append(span.Events, &tracepb.Span_Event{
			Name:         ev.Name,
			TimeUnixNano: uint64(ev.Time.UnixNano()),
			Attributes:   toKeyValues(ev.Attributes),
		})
	}
	return span
}

func toStatus(code codes.Code, description string) *tracepb.Status {
	st := &tracepb.Status{Message: description}
	switch code {
	case codes.Ok:
		st.Code = tracepb.Status_STATUS_CODE_OK
	case codes.Error:
		st.Code = tracepb.Status_STATUS_CODE_ERROR
	default:
		st.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	return st
}

func toKeyValues(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, &commonpb.KeyValue{Key: string(kv.Key), Value: toAnyValue(kv.Value)})
	}
	return out
}

func toAnyValue(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}
