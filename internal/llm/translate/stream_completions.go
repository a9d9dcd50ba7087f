// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// translateStreamChunk decodes as many complete ConverseStream event-stream
// frames as are available in the accumulated buffer and re-emits each as an
// OpenAI-style "data: {...}\n\n" SSE frame, decoding AWS's binary
// event-stream framing rather than re-parsing SSE.
func (t *completionsToConverseTranslator) translateStreamChunk(chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	t.streamBuf = append(t.streamBuf, chunk...)
	if t.toolAcc == nil {
		t.toolAcc = bedrock.NewToolUseAccumulator()
	}
	var out bytes.Buffer
	var usage TokenUsage
	for {
		r := bytes.NewReader(t.streamBuf)
		dec := bedrock.NewStreamDecoder(r)
		ev, err := dec.Next()
		if err != nil {
			break // insufficient bytes for a full frame yet; wait for more
		}
		consumed := len(t.streamBuf) - r.Len()
		t.streamBuf = t.streamBuf[consumed:]

		sse, u, emitErr := t.completionsSSEForEvent(ev)
		if emitErr != nil {
			return nil, TokenUsage{}, emitErr
		}
		out.Write(sse)
		if u != (TokenUsage{}) {
			usage = u
		}
	}
	if endOfStream {
		out.WriteString("data: [DONE]\n\n")
	}
	return out.Bytes(), usage, nil
}

func (t *completionsToConverseTranslator) completionsSSEForEvent(ev *bedrock.Event) ([]byte, TokenUsage, error) {
	switch ev.Type {
	case bedrock.EventMessageStart:
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta: openai.ChatCompletionDelta{Role: ev.MessageStart.Role},
		}), TokenUsage{}, nil

	case bedrock.EventContentBlockStart:
		t.toolAcc.Start(ev.ContentBlockStart)
		if ev.ContentBlockStart.Start.ToolUse == nil {
			return nil, TokenUsage{}, nil
		}
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta: openai.ChatCompletionDelta{ToolCalls: []openai.ToolCall{{
				ID:   ev.ContentBlockStart.Start.ToolUse.ToolUseID,
				Type: "function",
				Function: openai.FunctionCall{
					Name: ev.ContentBlockStart.Start.ToolUse.Name,
				},
			}}},
		}), TokenUsage{}, nil

	case bedrock.EventContentBlockDelta:
		t.toolAcc.Delta(ev.ContentBlockDelta)
		if ev.ContentBlockDelta.Delta.ToolUse != nil {
			return t.sseChunk(openai.ChatCompletionChunkChoice{
				Delta: openai.ChatCompletionDelta{ToolCalls: []openai.ToolCall{{
					Function: openai.FunctionCall{Arguments: ev.ContentBlockDelta.Delta.ToolUse.Input},
				}}},
			}), TokenUsage{}, nil
		}
		if rc := ev.ContentBlockDelta.Delta.ReasoningContent; rc != nil {
			if rc.Text == "" {
				return nil, TokenUsage{}, nil
			}
			return t.sseChunk(openai.ChatCompletionChunkChoice{
				Delta: openai.ChatCompletionDelta{ReasoningContent: rc.Text},
			}), TokenUsage{}, nil
		}
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta: openai.ChatCompletionDelta{Content: ev.ContentBlockDelta.Delta.Text},
		}), TokenUsage{}, nil

	case bedrock.EventContentBlockStop:
		t.toolAcc.Finish(ev.ContentBlockStop.ContentBlockIndex)
		return nil, TokenUsage{}, nil

	case bedrock.EventMessageStop:
		reason := finishReasonFromBedrock(ev.MessageStop.StopReason)
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta:        openai.ChatCompletionDelta{},
			FinishReason: &reason,
		}), TokenUsage{}, nil

	case bedrock.EventMetadata:
		usage := TokenUsage{
			InputTokens:  uint32(ev.Metadata.Usage.InputTokens),
			OutputTokens: uint32(ev.Metadata.Usage.OutputTokens),
			TotalTokens:  uint32(ev.Metadata.Usage.TotalTokens),
		}
		chunk := openai.ChatCompletionResponseChunk{
			ID:     t.chunkID,
			Object: "chat.completion.chunk",
			Model:  t.model,
			Usage:  &openai.Usage{PromptTokens: ev.Metadata.Usage.InputTokens, CompletionTokens: ev.Metadata.Usage.OutputTokens, TotalTokens: ev.Metadata.Usage.TotalTokens},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return nil, TokenUsage{}, fmt.Errorf("converse->completions stream: encode usage chunk: %w", err)
		}
		return append(append([]byte("data: "), b...), []byte("\n\n")...), usage, nil

	default:
		return nil, TokenUsage{}, nil
	}
}

func (t *completionsToConverseTranslator) sseChunk(choice openai.ChatCompletionChunkChoice) []byte {
	chunk := openai.ChatCompletionResponseChunk{
		ID:      t.chunkID,
		Object:  "chat.completion.chunk",
		Model:   t.model,
		Choices: []openai.ChatCompletionChunkChoice{choice},
	}
	b, err := json.Marshal(chunk)
	if err != nil {
		return nil
	}
	var out bytes.Buffer
	out.WriteString("data: ")
	out.Write(b)
	out.WriteString("\n\n")
	return out.Bytes()
}
