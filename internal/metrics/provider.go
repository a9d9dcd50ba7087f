// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"fmt"

	promregistry "github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Provider owns the OpenTelemetry metrics graph: a Meter for instrument
// creation and, when exporting to Prometheus, the registry the HTTP
// /metrics handler should serve.
type Provider interface {
	Meter() metric.Meter
	// Registry returns the Prometheus registry backing the meter, nil when
	// metrics are disabled.
	Registry() *promregistry.Registry
	Shutdown(context.Context) error
}

type providerImpl struct {
	meter    metric.Meter
	registry *promregistry.Registry
	shutdown func(context.Context) error
}

func (p *providerImpl) Meter() metric.Meter              { return p.meter }
func (p *providerImpl) Registry() *promregistry.Registry { return p.registry }
func (p *providerImpl) Shutdown(ctx context.Context) error {
	if p.shutdown != nil {
		return p.shutdown(ctx)
	}
	return nil
}

// NoopProvider is the disabled-metrics implementation.
type NoopProvider struct{}

func (NoopProvider) Meter() metric.Meter              { return noop.NewMeterProvider().Meter("noop") }
func (NoopProvider) Registry() *promregistry.Registry { return nil }
func (NoopProvider) Shutdown(context.Context) error   { return nil }

// NewProvider builds a Prometheus-backed OTel meter provider. The returned
// registry serves both the instruments created through Meter and anything
// registered on it directly (the genAI vectors in this package).
func NewProvider() (Provider, error) {
	registry := promregistry.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	return &providerImpl{
		meter:    mp.Meter("agentgateway"),
		registry: registry,
		shutdown: mp.Shutdown,
	}, nil
}
