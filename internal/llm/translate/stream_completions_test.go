// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// encodeConverseStreamFrame encodes one AWS event-stream frame carrying
// payload under the ":event-type" header bedrock.StreamDecoder reads, the
// same framing a real Bedrock ConverseStream response uses.
func encodeConverseStreamFrame(t *testing.T, eventType bedrock.EventType, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	var buf bytes.Buffer
	enc := eventstream.NewEncoder()
	require.NoError(t, enc.Encode(&buf, eventstream.Message{
		Headers: eventstream.Headers{{Name: ":event-type", Value: eventstream.StringValue(string(eventType))}},
		Payload: body,
	}))
	return buf.Bytes()
}

// decodeSSEChunks splits a buffer of "data: {...}\n\n" frames (and a
// trailing "data: [DONE]\n\n") into their JSON payloads, skipping [DONE].
func decodeSSEChunks(t *testing.T, raw []byte) []openai.ChatCompletionResponseChunk {
	t.Helper()
	var chunks []openai.ChatCompletionResponseChunk
	for _, frame := range strings.Split(string(raw), "\n\n") {
		frame = strings.TrimPrefix(frame, "data: ")
		if frame == "" || frame == "[DONE]" {
			continue
		}
		var c openai.ChatCompletionResponseChunk
		require.NoError(t, json.Unmarshal([]byte(frame), &c))
		chunks = append(chunks, c)
	}
	return chunks
}

// TestBedrockStreamToCompletionsToolUse implements spec scenario S2: a
// Bedrock ConverseStream tool-use exchange translated into OpenAI chat
// completion chunks, tool-call arguments streamed incrementally and a
// final usage chunk emitted from the Metadata frame.
func TestBedrockStreamToCompletionsToolUse(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventMessageStart, bedrock.MessageStartEvent{Role: "assistant"}))
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventContentBlockStart, bedrock.ContentBlockStartEvent{
		ContentBlockIndex: 0,
		Start:             bedrock.ContentBlockStart{ToolUse: &bedrock.ToolUseBlockStart{ToolUseID: "t1", Name: "search"}},
	}))
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventContentBlockDelta, bedrock.ContentBlockDeltaEvent{
		ContentBlockIndex: 0,
		Delta:             bedrock.ContentBlockDelta{ToolUse: &bedrock.ToolUseBlockDelta{Input: `{"q":"x"`}},
	}))
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventContentBlockDelta, bedrock.ContentBlockDeltaEvent{
		ContentBlockIndex: 0,
		Delta:             bedrock.ContentBlockDelta{ToolUse: &bedrock.ToolUseBlockDelta{Input: `}`}},
	}))
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventContentBlockStop, bedrock.ContentBlockStopEvent{ContentBlockIndex: 0}))
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventMessageStop, bedrock.MessageStopEvent{StopReason: "tool_use"}))
	raw.Write(encodeConverseStreamFrame(t, bedrock.EventMetadata, bedrock.MetadataEvent{
		Usage: bedrock.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}))

	tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
	tr.stream = true
	out, usage, err := tr.translateStreamChunk(raw.Bytes(), true)
	require.NoError(t, err)
	require.Equal(t, uint32(15), usage.TotalTokens)

	chunks := decodeSSEChunks(t, out)
	require.Len(t, chunks, 6)

	require.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)

	require.Len(t, chunks[1].Choices[0].Delta.ToolCalls, 1)
	require.Equal(t, "t1", chunks[1].Choices[0].Delta.ToolCalls[0].ID)
	require.Equal(t, "search", chunks[1].Choices[0].Delta.ToolCalls[0].Function.Name)

	require.Equal(t, `{"q":"x"`, chunks[2].Choices[0].Delta.ToolCalls[0].Function.Arguments)
	require.Equal(t, `}`, chunks[3].Choices[0].Delta.ToolCalls[0].Function.Arguments)

	require.NotNil(t, chunks[4].Choices[0].FinishReason)
	require.Equal(t, "tool_calls", *chunks[4].Choices[0].FinishReason)

	require.NotNil(t, chunks[5].Usage)
	require.Equal(t, 10, chunks[5].Usage.PromptTokens)
	require.Equal(t, 5, chunks[5].Usage.CompletionTokens)
	require.Equal(t, 15, chunks[5].Usage.TotalTokens)

	require.True(t, strings.HasSuffix(string(out), "data: [DONE]\n\n"))
}

// TestBedrockStreamToCompletionsFedInChunks verifies the decoder tolerates
// the event-stream frames arriving split across multiple TranslateResponseBody
// calls, buffering a partial frame until the rest arrives.
func TestBedrockStreamToCompletionsFedInChunks(t *testing.T) {
	frame := encodeConverseStreamFrame(t, bedrock.EventMessageStart, bedrock.MessageStartEvent{Role: "assistant"})
	tr := newCompletionsToConverseTranslator("", bedrock.CacheConfig{})
	tr.stream = true

	out1, _, err := tr.translateStreamChunk(frame[:len(frame)/2], false)
	require.NoError(t, err)
	require.Empty(t, out1)

	out2, _, err := tr.translateStreamChunk(frame[len(frame)/2:], false)
	require.NoError(t, err)
	chunks := decodeSSEChunks(t, out2)
	require.Len(t, chunks, 1)
	require.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
}
