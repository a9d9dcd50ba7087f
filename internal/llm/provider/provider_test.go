// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAIProviderStringAndParseRoundTrip(t *testing.T) {
	providers := []AIProvider{ProviderOpenAI, ProviderGemini, ProviderVertex, ProviderAnthropic, ProviderBedrock, ProviderAzureOpenAI}
	for _, p := range providers {
		parsed, err := ParseProvider(p.String())
		require.NoError(t, err)
		require.Equal(t, p, parsed)
	}
}

func TestParseProviderUnknown(t *testing.T) {
	_, err := ParseProvider("not-a-provider")
	require.Error(t, err)
}

func TestAIProviderStringUnknown(t *testing.T) {
	require.Equal(t, "unknown", AIProvider(99).String())
}

func TestRouteTypeString(t *testing.T) {
	require.Equal(t, "completions", RouteCompletions.String())
	require.Equal(t, "messages", RouteMessages.String())
	require.Equal(t, "responses", RouteResponses.String())
	require.Equal(t, "anthropic-token-count", RouteAnthropicTokenCount.String())
	require.Equal(t, "unknown", RouteType(99).String())
}

func TestRouteTypeStringAndParseRoundTrip(t *testing.T) {
	routes := []RouteType{RouteCompletions, RouteMessages, RouteResponses, RouteAnthropicTokenCount}
	for _, r := range routes {
		parsed, err := ParseRouteType(r.String())
		require.NoError(t, err)
		require.Equal(t, r, parsed)
	}
}

func TestParseRouteTypeUnknown(t *testing.T) {
	_, err := ParseRouteType("not-a-route")
	require.Error(t, err)
}
