// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentgateway/agentgateway-go/internal/mcp"
)

// Instrument and attribute names for the MCP session layer.
const (
	mcpRequestDuration        = "mcp.request.duration"
	mcpMethodCount            = "mcp.method.count"
	mcpInitializationDuration = "mcp.initialization.duration"

	mcpAttributeMethodName = "mcp.method.name"
	mcpAttributeStatus     = "status"
	mcpAttributeErrorType  = "error.type"

	mcpStatusSuccess = "success"
	mcpStatusError   = "error"
)

var mcpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// MCP records the MCP session layer's method counters and request/
// initialization latencies through an OTel meter, satisfying mcp.Metrics.
type MCP struct {
	requestDuration        metric.Float64Histogram
	methodCount            metric.Float64Counter
	initializationDuration metric.Float64Histogram
}

var _ mcp.Metrics = (*MCP)(nil)

// NewMCP creates the MCP instrument set on meter.
func NewMCP(meter metric.Meter) *MCP {
	requestDuration, err := meter.Float64Histogram(mcpRequestDuration,
		metric.WithDescription("Duration of MCP requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(mcpDurationBuckets...))
	if err != nil {
		panic(err)
	}
	methodCount, err := meter.Float64Counter(mcpMethodCount,
		metric.WithDescription("Total number of MCP methods invoked"))
	if err != nil {
		panic(err)
	}
	initializationDuration, err := meter.Float64Histogram(mcpInitializationDuration,
		metric.WithDescription("Duration of MCP backend session initialization"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(mcpDurationBuckets...))
	if err != nil {
		panic(err)
	}
	return &MCP{
		requestDuration:        requestDuration,
		methodCount:            methodCount,
		initializationDuration: initializationDuration,
	}
}

func (m *MCP) RecordMethodCount(ctx context.Context, method string) {
	if method == "" {
		return
	}
	m.methodCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(mcpAttributeMethodName, method),
		attribute.String(mcpAttributeStatus, mcpStatusSuccess),
	))
}

func (m *MCP) RecordMethodErrorCount(ctx context.Context, method string) {
	if method == "" {
		return
	}
	m.methodCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(mcpAttributeMethodName, method),
		attribute.String(mcpAttributeStatus, mcpStatusError),
	))
}

func (m *MCP) RecordRequestDuration(ctx context.Context, start time.Time, method string) {
	m.requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String(mcpAttributeMethodName, method),
	))
}

func (m *MCP) RecordRequestErrorDuration(ctx context.Context, start time.Time, errType, method string) {
	m.requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String(mcpAttributeMethodName, method),
		attribute.String(mcpAttributeErrorType, errType),
	))
}

func (m *MCP) RecordInitializationDuration(ctx context.Context, start time.Time) {
	m.initializationDuration.Record(ctx, time.Since(start).Seconds())
}
