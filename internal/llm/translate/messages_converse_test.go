// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/apischema/anthropic"
	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
)

func TestMessagesRequestToConverseSystemString(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-3-5-sonnet-20241022",
		System:    "be terse",
		Messages:  []anthropic.Message{{Role: anthropic.MessageRoleUser, Content: anthropic.MessageContent{Text: "hi"}}},
		MaxTokens: 256,
	}
	out := messagesRequestToConverse(req, nil)
	require.Len(t, out.System, 1)
	require.Equal(t, "be terse", out.System[0].Text)
	require.Nil(t, out.System[0].CachePoint)
	require.Equal(t, int32(256), *out.InferenceConfig.MaxTokens)
}

// TestMessagesRequestToConverseCacheControlBlocks covers the Messages->
// Converse cache-control contract: a block whose source cache_control is
// set gets a CachePoint after it, and a block without one does not, up to
// the 4-cache-point budget.
func TestMessagesRequestToConverseCacheControlBlocks(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 256,
		"system": [{"type":"text","text":"be terse","cache_control":{"type":"ephemeral"}}],
		"messages": [
			{"role":"user","content":[{"type":"text","text":"turn1","cache_control":{"type":"ephemeral"}}]},
			{"role":"assistant","content":[{"type":"text","text":"reply1"}]},
			{"role":"user","content":[{"type":"text","text":"turn2"}]}
		]
	}`)
	var req anthropic.MessagesRequest
	require.NoError(t, json.Unmarshal(body, &req))

	out := messagesRequestToConverse(&req, nil)
	require.NotNil(t, out.System[0].CachePoint, "system block with cache_control gets a CachePoint")
	require.NotNil(t, out.Messages[0].Content[0].CachePoint, "first user turn opted in via cache_control")
	require.Nil(t, out.Messages[1].Content[0].CachePoint)
	require.Nil(t, out.Messages[2].Content[0].CachePoint, "second user turn did not set cache_control")
}

func TestMessagesRequestToConverseSkipsCacheForIneligibleModel(t *testing.T) {
	body := []byte(`{
		"model": "anthropic.claude-instant-v1",
		"max_tokens": 256,
		"messages": [{"role":"user","content":[{"type":"text","text":"hi","cache_control":{"type":"ephemeral"}}]}]
	}`)
	var req anthropic.MessagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	out := messagesRequestToConverse(&req, nil)
	require.Nil(t, out.Messages[0].Content[0].CachePoint)
}

func TestMessagesRequestToConverseToolUseAndResult(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 256,
		"messages": [
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"search","input":{"q":"x"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"result text","is_error":false}]}
		]
	}`)
	var req anthropic.MessagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	out := messagesRequestToConverse(&req, nil)

	require.NotNil(t, out.Messages[0].Content[0].ToolUse)
	require.Equal(t, "search", out.Messages[0].Content[0].ToolUse.Name)
	require.NotNil(t, out.Messages[1].Content[0].ToolResult)
	require.Equal(t, "success", out.Messages[1].Content[0].ToolResult.Status)
}

func TestConverseResponseToMessagesTranslatesToolUse(t *testing.T) {
	resp := &bedrock.ConverseResponse{
		Output: bedrock.ConverseOutput{Message: bedrock.Message{
			Role: "assistant",
			Content: []bedrock.ContentBlock{
				{Text: "Let me check."},
				{ToolUse: &bedrock.ToolUseBlock{ToolUseID: "t1", Name: "search", Input: map[string]any{"q": "x"}}},
			},
		}},
		StopReason: "tool_use",
		Usage:      bedrock.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
	out := converseResponseToMessages(resp, "claude-3-5-sonnet-20241022")
	require.Equal(t, "tool_use", out.StopReason)
	require.Len(t, out.Content, 2)
	require.Equal(t, "text", out.Content[0].Type)
	require.Equal(t, "tool_use", out.Content[1].Type)
	require.Equal(t, "search", out.Content[1].Name)
}
