// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/agentgateway/agentgateway-go/internal/apischema/gcp"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

func TestCompletionsToGeminiRequest(t *testing.T) {
	tr := newCompletionsToGeminiTranslator("")
	body := []byte(`{
		"model": "gemini-2.0-flash",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
			{"role": "user", "content": "again"}
		],
		"temperature": 0.2,
		"max_tokens": 128,
		"tools": [{"type": "function", "function": {"name": "search", "parameters": {"type": "object"}}}],
		"tool_choice": "required"
	}`)

	result, err := tr.TranslateRequest(body)
	require.NoError(t, err)
	require.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", result.PathOverride)

	var req gcp.GenerateContentRequest
	require.NoError(t, json.Unmarshal(result.Body, &req))
	require.NotNil(t, req.SystemInstruction)
	require.Equal(t, "be terse", req.SystemInstruction.Parts[0].Text)
	require.Len(t, req.Contents, 3)
	require.Equal(t, genai.RoleUser, req.Contents[0].Role)
	require.Equal(t, genai.RoleModel, req.Contents[1].Role)
	require.Equal(t, genai.RoleUser, req.Contents[2].Role)
	require.NotNil(t, req.GenerationConfig)
	require.Equal(t, int32(128), req.GenerationConfig.MaxOutputTokens)
	require.Len(t, req.Tools, 1)
	require.Equal(t, "search", req.Tools[0].FunctionDeclarations[0].Name)
	require.Equal(t, genai.FunctionCallingConfigModeAny, req.ToolConfig.FunctionCallingConfig.Mode)
}

func TestCompletionsToGeminiStreamingPath(t *testing.T) {
	tr := newCompletionsToGeminiTranslator("")
	result, err := tr.TranslateRequest([]byte(`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	require.NoError(t, err)
	require.True(t, result.Streaming)
	require.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent?alt=sse", result.PathOverride)
}

func TestGeminiResponseToCompletions(t *testing.T) {
	tr := newCompletionsToGeminiTranslator("")
	_, err := tr.TranslateRequest([]byte(`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	respBody := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"text": "hello"}]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 4, "candidatesTokenCount": 2, "totalTokenCount": 6}
	}`)
	out, usage, err := tr.TranslateResponseBody(nil, respBody, true)
	require.NoError(t, err)
	require.Equal(t, uint32(4), usage.InputTokens)
	require.Equal(t, uint32(6), usage.TotalTokens)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hello", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestGeminiResponseToCompletionsFunctionCall(t *testing.T) {
	tr := newCompletionsToGeminiTranslator("")
	_, err := tr.TranslateRequest([]byte(`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	respBody := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "search", "args": {"q": "x"}}}]},
			"finishReason": "STOP"
		}]
	}`)
	out, _, err := tr.TranslateResponseBody(nil, respBody, true)
	require.NoError(t, err)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Choices[0].Message.ToolCalls, 1)
	require.Equal(t, "search", resp.Choices[0].Message.ToolCalls[0].Function.Name)
	require.JSONEq(t, `{"q":"x"}`, resp.Choices[0].Message.ToolCalls[0].Function.Arguments)
	require.Equal(t, "tool_calls", resp.Choices[0].FinishReason)
}

func TestGeminiStreamToCompletions(t *testing.T) {
	tr := newCompletionsToGeminiTranslator("")
	_, err := tr.TranslateRequest([]byte(`{"model":"gemini-2.0-flash","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	require.NoError(t, err)

	stream := "" +
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"hel"}]}}]}` + "\n\n" +
		`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":2,"totalTokenCount":5}}` + "\n\n"

	out, usage, err := tr.TranslateResponseBody(nil, []byte(stream), true)
	require.NoError(t, err)
	require.Equal(t, uint32(5), usage.TotalTokens)

	chunks := decodeSSEChunks(t, out)
	var text string
	var finish string
	for _, c := range chunks {
		if len(c.Choices) > 0 {
			text += c.Choices[0].Delta.Content
			if c.Choices[0].FinishReason != nil {
				finish = *c.Choices[0].FinishReason
			}
		}
	}
	require.Equal(t, "hello", text)
	require.Equal(t, "stop", finish)
	require.NotNil(t, chunks[len(chunks)-1].Usage)
	require.Equal(t, 5, chunks[len(chunks)-1].Usage.TotalTokens)
}
