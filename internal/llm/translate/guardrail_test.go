// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
)

func TestCompletionsToConverseGuardrailAndMetadata(t *testing.T) {
	tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
	tr.SetGuardrail("gr-1", "2")
	tr.SetBedrockMetadataHeader(`{"team":"ml","tier":3,"beta":true,"nested":{"dropped":1}}`)

	result, err := tr.TranslateRequest([]byte(`{"model":"m","user":"alice","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	var conv bedrock.ConverseRequest
	require.NoError(t, json.Unmarshal(result.Body, &conv))
	require.NotNil(t, conv.GuardrailConfig)
	require.Equal(t, "gr-1", conv.GuardrailConfig.GuardrailIdentifier)
	require.Equal(t, "2", conv.GuardrailConfig.GuardrailVersion)
	require.Equal(t, "enabled", conv.GuardrailConfig.Trace)

	require.Equal(t, map[string]string{
		"user_id": "alice",
		"team":    "ml",
		"tier":    "3",
		"beta":    "true",
	}, conv.RequestMetadata)
}

func TestCompletionsToConverseThinkingBudget(t *testing.T) {
	for _, tc := range []struct {
		effort string
		budget float64
	}{
		{"low", 1024},
		{"medium", 2048},
		{"high", 4096},
	} {
		tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
		result, err := tr.TranslateRequest([]byte(`{"model":"m","reasoning_effort":"` + tc.effort + `","messages":[{"role":"user","content":"hi"}]}`))
		require.NoError(t, err)
		var conv bedrock.ConverseRequest
		require.NoError(t, json.Unmarshal(result.Body, &conv))
		thinking, ok := conv.AdditionalModelRequestFields["thinking"].(map[string]any)
		require.True(t, ok, tc.effort)
		require.Equal(t, "enabled", thinking["type"])
		require.Equal(t, tc.budget, thinking["budget_tokens"])
	}

	// An explicit budget wins over reasoning_effort.
	tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
	result, err := tr.TranslateRequest([]byte(`{"model":"m","reasoning_effort":"low","thinking":{"type":"enabled","budget_tokens":9000},"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	var conv bedrock.ConverseRequest
	require.NoError(t, json.Unmarshal(result.Body, &conv))
	thinking := conv.AdditionalModelRequestFields["thinking"].(map[string]any)
	require.Equal(t, float64(9000), thinking["budget_tokens"])
}
