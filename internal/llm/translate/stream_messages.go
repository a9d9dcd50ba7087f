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
)

// translateStreamChunk re-emits ConverseStream events as Anthropic
// Messages API SSE events, mirroring stream_completions.go's frame-at-a-
// time decode loop but targeting the Messages event vocabulary
// (message_start/content_block_start/delta/stop/message_delta/message_stop)
// instead of OpenAI's chat.completion.chunk shape.
func (t *messagesToConverseTranslator) translateStreamChunk(chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
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
			break
		}
		consumed := len(t.streamBuf) - r.Len()
		t.streamBuf = t.streamBuf[consumed:]

		sse, u, emitErr := t.messagesSSEForEvent(ev)
		if emitErr != nil {
			return nil, TokenUsage{}, emitErr
		}
		out.Write(sse)
		if u != (TokenUsage{}) {
			usage = u
		}
	}
	return out.Bytes(), usage, nil
}

func sseEvent(eventName string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("messages stream: encode %s event: %w", eventName, err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "event: %s\ndata: %s\n\n", eventName, b)
	return out.Bytes(), nil
}

func (t *messagesToConverseTranslator) messagesSSEForEvent(ev *bedrock.Event) ([]byte, TokenUsage, error) {
	switch ev.Type {
	case bedrock.EventMessageStart:
		b, err := sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      t.msgID,
				"type":    "message",
				"role":    ev.MessageStart.Role,
				"model":   t.model,
				"content": []any{},
			},
		})
		return b, TokenUsage{}, err

	case bedrock.EventContentBlockStart:
		t.toolAcc.Start(ev.ContentBlockStart)
		t.markSeen(ev.ContentBlockStart.ContentBlockIndex)
		block := map[string]any{"type": "text", "text": ""}
		if tu := ev.ContentBlockStart.Start.ToolUse; tu != nil {
			block = map[string]any{"type": "tool_use", "id": tu.ToolUseID, "name": tu.Name, "input": map[string]any{}}
		}
		b, err := sseEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": ev.ContentBlockStart.ContentBlockIndex, "content_block": block,
		})
		return b, TokenUsage{}, err

	case bedrock.EventContentBlockDelta:
		t.toolAcc.Delta(ev.ContentBlockDelta)
		var out []byte
		// Text and thinking blocks arrive without a ContentBlockStart;
		// synthesize one the first time an index is seen.
		if idx := ev.ContentBlockDelta.ContentBlockIndex; !t.seen(idx) {
			t.markSeen(idx)
			block := map[string]any{"type": "text", "text": ""}
			if ev.ContentBlockDelta.Delta.ReasoningContent != nil {
				block = map[string]any{"type": "thinking", "thinking": ""}
			}
			b, err := sseEvent("content_block_start", map[string]any{
				"type": "content_block_start", "index": idx, "content_block": block,
			})
			if err != nil {
				return nil, TokenUsage{}, err
			}
			out = append(out, b...)
		}
		var delta map[string]any
		switch {
		case ev.ContentBlockDelta.Delta.ToolUse != nil:
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.ContentBlockDelta.Delta.ToolUse.Input}
		case ev.ContentBlockDelta.Delta.ReasoningContent != nil:
			rc := ev.ContentBlockDelta.Delta.ReasoningContent
			if rc.Signature != "" {
				delta = map[string]any{"type": "signature_delta", "signature": rc.Signature}
			} else {
				delta = map[string]any{"type": "thinking_delta", "thinking": rc.Text}
			}
		default:
			delta = map[string]any{"type": "text_delta", "text": ev.ContentBlockDelta.Delta.Text}
		}
		b, err := sseEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": ev.ContentBlockDelta.ContentBlockIndex, "delta": delta,
		})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		return append(out, b...), TokenUsage{}, nil

	case bedrock.EventContentBlockStop:
		t.toolAcc.Finish(ev.ContentBlockStop.ContentBlockIndex)
		b, err := sseEvent("content_block_stop", map[string]any{
			"type": "content_block_stop", "index": ev.ContentBlockStop.ContentBlockIndex,
		})
		return b, TokenUsage{}, err

	case bedrock.EventMessageStop:
		// Deferred: message_delta carries the usage that only arrives with
		// the Metadata frame.
		t.stopReason = ev.MessageStop.StopReason
		return nil, TokenUsage{}, nil

	case bedrock.EventMetadata:
		usage := TokenUsage{
			InputTokens:  uint32(ev.Metadata.Usage.InputTokens),
			OutputTokens: uint32(ev.Metadata.Usage.OutputTokens),
			TotalTokens:  uint32(ev.Metadata.Usage.TotalTokens),
		}
		b, err := sseEvent("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": anthropicStopReason(t.stopReason)},
			"usage": map[string]any{
				"input_tokens":  ev.Metadata.Usage.InputTokens,
				"output_tokens": ev.Metadata.Usage.OutputTokens,
			},
		})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		stop, err := sseEvent("message_stop", map[string]any{"type": "message_stop"})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		return append(b, stop...), usage, nil

	default:
		return nil, TokenUsage{}, nil
	}
}

func (t *messagesToConverseTranslator) seen(idx int) bool {
	_, ok := t.seenBlocks[idx]
	return ok
}

func (t *messagesToConverseTranslator) markSeen(idx int) {
	if t.seenBlocks == nil {
		t.seenBlocks = make(map[int]struct{})
	}
	t.seenBlocks[idx] = struct{}{}
}
