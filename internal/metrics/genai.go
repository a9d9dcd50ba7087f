// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics implements the access-log/pipeline metrics stage: a
// Prometheus registry of request-latency, token-usage and time-to-first-
// token histograms keyed by operation/provider/model, plus a structured
// per-exchange access-log line emitted once the response phase completes.
//
// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-metrics/
package metrics

import "github.com/prometheus/client_golang/prometheus"

// genAI holds the Prometheus vectors this gateway exports, named and
// bucketed the same way as gen_ai semantic-convention metrics elsewhere in
// the ecosystem.
type genAI struct {
	requestTotal      *prometheus.CounterVec
	tokenUsage        *prometheus.HistogramVec
	requestLatency    *prometheus.HistogramVec
	firstTokenLatency *prometheus.HistogramVec
}

func newGenAI(registry prometheus.Registerer) *genAI {
	m := &genAI{
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Number of proxied requests, by method, path, status and error kind.",
			},
			[]string{"method", "path", "status", "error_kind"},
		),
		tokenUsage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gen_ai_client_token_usage",
				Help:    "Number of tokens processed.",
				Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
			},
			[]string{"gen_ai_operation_name", "gen_ai_system", "gen_ai_token_type", "gen_ai_request_model"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gen_ai_server_request_duration_seconds",
				Help:    "Time spent processing a request end to end.",
				Buckets: []float64{0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48, 40.96},
			},
			[]string{"gen_ai_operation_name", "gen_ai_system", "gen_ai_request_model", "error_type"},
		),
		firstTokenLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gen_ai_server_time_to_first_token_seconds",
				Help:    "Time to receive the first token of a streaming response.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.04, 0.06, 0.08, 0.1, 0.25, 0.5, 0.75, 1.0, 2.5, 5.0},
			},
			[]string{"gen_ai_operation_name", "gen_ai_system", "gen_ai_request_model"},
		),
	}

	registry.MustRegister(m.requestTotal)
	registry.MustRegister(m.tokenUsage)
	registry.MustRegister(m.requestLatency)
	registry.MustRegister(m.firstTokenLatency)

	return m
}
