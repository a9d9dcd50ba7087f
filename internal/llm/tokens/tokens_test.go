// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

func TestNewEstimatorDefaultsToCl100kBase(t *testing.T) {
	e, err := NewEstimator("some-unknown-model")
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestNewEstimatorKnownModelPrefixes(t *testing.T) {
	_, err := NewEstimator("gpt-4o-mini")
	require.NoError(t, err)
	_, err = NewEstimator("o1-preview")
	require.NoError(t, err)
}

func TestEstimateTextCountsTokens(t *testing.T) {
	e, err := NewEstimator("gpt-4")
	require.NoError(t, err)
	n, err := e.EstimateText("hello world")
	require.NoError(t, err)
	require.Greater(t, n, 0)
}

func TestEstimateChatCompletionAddsOverheadAndPriming(t *testing.T) {
	e, err := NewEstimator("gpt-4")
	require.NoError(t, err)
	messages := []openai.ChatCompletionMessage{
		{Role: "user", Content: "hi"},
	}
	total, err := e.EstimateChatCompletion(messages)
	require.NoError(t, err)

	textOnly, err := e.EstimateText("hi")
	require.NoError(t, err)
	// per-message overhead (3+1) plus reply priming (3) on top of the bare
	// content token count.
	require.Equal(t, textOnly+perMessageOverhead+perRoleOverhead+replyPriming, total)
}

func TestEstimateChatCompletionFlattensMultipartContent(t *testing.T) {
	e, err := NewEstimator("gpt-4")
	require.NoError(t, err)
	messages := []openai.ChatCompletionMessage{
		{Role: "user", Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "part one"},
			map[string]interface{}{"type": "text", "text": " part two"},
		}},
	}
	total, err := e.EstimateChatCompletion(messages)
	require.NoError(t, err)
	require.Greater(t, total, replyPriming+perMessageOverhead+perRoleOverhead)
}

func TestAmendDelta(t *testing.T) {
	require.Equal(t, 70, AmendDelta(100, 120, 50))
	require.Equal(t, -20, AmendDelta(100, 80, 0))
	require.Equal(t, 0, AmendDelta(0, 0, 0))
}
