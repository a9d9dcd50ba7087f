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

// TestCompletionsToConverseTranslatesSystemAndUser covers the S1 scenario:
// a /v1/chat/completions body with a system message and a user turn
// rewritten into a Bedrock Converse request, system extracted into the
// top-level System field rather than a message turn.
func TestCompletionsToConverseTranslatesSystemAndUser(t *testing.T) {
	tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}],"stream":false}`)

	out, err := tr.TranslateRequest(body)
	require.NoError(t, err)
	require.Equal(t, "/model/claude-3-5-sonnet-20241022/converse", out.PathOverride)
	require.False(t, out.Streaming)

	var conv bedrock.ConverseRequest
	require.NoError(t, json.Unmarshal(out.Body, &conv))
	require.Len(t, conv.System, 1)
	require.Equal(t, "be terse", conv.System[0].Text)
	require.Len(t, conv.Messages, 1)
	require.Equal(t, "user", conv.Messages[0].Role)
	require.Equal(t, "hi", conv.Messages[0].Content[0].Text)
}

func TestCompletionsToConverseModelOverride(t *testing.T) {
	tr := newCompletionsToConverseTranslator("us.anthropic.claude-3-sonnet", bedrock.CacheConfig{})
	out, err := tr.TranslateRequest([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, "/model/us.anthropic.claude-3-sonnet/converse", out.PathOverride)
}

func TestCompletionsToConverseToolCallRoundTrip(t *testing.T) {
	tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[
		{"role":"user","content":"search for x"},
		{"role":"assistant","tool_calls":[{"id":"t1","type":"function","function":{"name":"search","arguments":"{\"q\":\"x\"}"}}]},
		{"role":"tool","tool_call_id":"t1","content":"result"}
	]}`)
	out, err := tr.TranslateRequest(body)
	require.NoError(t, err)

	var conv bedrock.ConverseRequest
	require.NoError(t, json.Unmarshal(out.Body, &conv))
	require.Len(t, conv.Messages, 3)
	require.NotNil(t, conv.Messages[1].Content[0].ToolUse)
	require.Equal(t, "search", conv.Messages[1].Content[0].ToolUse.Name)
	require.Equal(t, "user", conv.Messages[2].Role, "a tool message becomes a user-turn ToolResultBlock")
	require.NotNil(t, conv.Messages[2].Content[0].ToolResult)
	require.Equal(t, "t1", conv.Messages[2].Content[0].ToolResult.ToolUseID)
}

// TestCompletionsToConverseAppliesCacheConfig exercises the optional
// cache_system/cache_tools policy, gated on the selected model supporting
// Bedrock CachePoints at all.
func TestCompletionsToConverseAppliesCacheConfig(t *testing.T) {
	body := []byte(`{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}],"tools":[{"type":"function","function":{"name":"search","parameters":{}}}]}`)

	t.Run("claude model gets cache points", func(t *testing.T) {
		tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{CacheSystem: true, CacheTools: true})
		out, err := tr.TranslateRequest(body)
		require.NoError(t, err)
		var conv bedrock.ConverseRequest
		require.NoError(t, json.Unmarshal(out.Body, &conv))
		require.NotNil(t, conv.System[0].CachePoint)
		require.NotNil(t, conv.ToolConfig.Tools[0].CachePoint)
	})

	t.Run("ineligible model gets no cache points", func(t *testing.T) {
		ineligible := []byte(`{"model":"anthropic.claude-instant-v1","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`)
		tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{CacheSystem: true})
		out, err := tr.TranslateRequest(ineligible)
		require.NoError(t, err)
		var conv bedrock.ConverseRequest
		require.NoError(t, json.Unmarshal(out.Body, &conv))
		require.Nil(t, conv.System[0].CachePoint)
	})
}

// TestConverseResponseToCompletions covers S1's response leg: Anthropic's
// "end_turn" stop reason becomes OpenAI's "stop" finish reason.
func TestConverseResponseToCompletions(t *testing.T) {
	resp := &bedrock.ConverseResponse{
		Output: bedrock.ConverseOutput{Message: bedrock.Message{
			Role:    "assistant",
			Content: []bedrock.ContentBlock{{Text: "Hello!"}},
		}},
		StopReason: "end_turn",
		Usage:      bedrock.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
	out := converseResponseToCompletions(resp)
	require.Equal(t, "Hello!", out.Choices[0].Message.Content)
	require.Equal(t, "stop", out.Choices[0].FinishReason)
	require.Equal(t, 15, out.Usage.TotalTokens)
}

// TestConverseResponseToCompletionsToolUse covers the non-streaming half of
// the S2 tool-use scenario: a ToolUse content block becomes an OpenAI
// tool_calls entry with JSON-string arguments, and "tool_use" becomes
// "tool_calls".
func TestConverseResponseToCompletionsToolUse(t *testing.T) {
	resp := &bedrock.ConverseResponse{
		Output: bedrock.ConverseOutput{Message: bedrock.Message{
			Role: "assistant",
			Content: []bedrock.ContentBlock{{
				ToolUse: &bedrock.ToolUseBlock{ToolUseID: "t1", Name: "search", Input: map[string]any{"q": "x"}},
			}},
		}},
		StopReason: "tool_use",
	}
	out := converseResponseToCompletions(resp)
	require.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	require.Len(t, out.Choices[0].Message.ToolCalls, 1)
	require.Equal(t, "search", out.Choices[0].Message.ToolCalls[0].Function.Name)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Choices[0].Message.ToolCalls[0].Function.Arguments), &args))
	require.Equal(t, "x", args["q"])
}

func TestContentToTextFlattensMultimodalParts(t *testing.T) {
	require.Equal(t, "plain", contentToText("plain"))
	require.Equal(t, "ab", contentToText([]interface{}{
		map[string]interface{}{"type": "text", "text": "a"},
		map[string]interface{}{"type": "image_url"},
		map[string]interface{}{"type": "text", "text": "b"},
	}))
}
