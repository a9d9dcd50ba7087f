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

// translateStreamChunk re-emits ConverseStream events as the Responses
// API's typed SSE events, following the same frame-at-a-time decode loop as
// the completions and messages streaming translators. Every emitted event
// carries a monotonically increasing sequence_number; the terminal event is
// deferred until the Metadata frame so it can carry both the stop-reason-
// derived status and the final usage totals.
func (t *responsesToConverseTranslator) translateStreamChunk(chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
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

		sse, u, emitErr := t.responsesSSEForEvent(ev)
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

func (t *responsesToConverseTranslator) responsesSSEForEvent(ev *bedrock.Event) ([]byte, TokenUsage, error) {
	switch ev.Type {
	case bedrock.EventMessageStart:
		created, err := t.responsesEvent(&openai.ResponseStreamEvent{
			Type: "response.created",
			Response: &openai.ResponseResponse{
				ID:     t.respID,
				Object: "response",
				Model:  t.model,
				Status: "in_progress",
				Output: []openai.ResponseOutputItem{},
			},
		})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		t.messageItemID = t.respID + "-msg"
		added, err := t.outputItemEvent("response.output_item.added", &openai.ResponseOutputItem{
			Type:   "message",
			ID:     t.messageItemID,
			Role:   ev.MessageStart.Role,
			Status: "in_progress",
		})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		return append(created, added...), TokenUsage{}, nil

	case bedrock.EventContentBlockStart:
		t.toolAcc.Start(ev.ContentBlockStart)
		tu := ev.ContentBlockStart.Start.ToolUse
		if tu == nil {
			return nil, TokenUsage{}, nil
		}
		itemID := "fc-" + tu.ToolUseID
		t.toolItemIDs[ev.ContentBlockStart.ContentBlockIndex] = itemID
		t.toolOutputIndex[ev.ContentBlockStart.ContentBlockIndex] = t.outputIndex
		b, err := t.outputItemEvent("response.output_item.added", &openai.ResponseOutputItem{
			Type:   "function_call",
			ID:     itemID,
			CallID: tu.ToolUseID,
			Name:   tu.Name,
			Status: "in_progress",
		})
		return b, TokenUsage{}, err

	case bedrock.EventContentBlockDelta:
		t.toolAcc.Delta(ev.ContentBlockDelta)
		if tu := ev.ContentBlockDelta.Delta.ToolUse; tu != nil {
			b, err := t.responsesEvent(&openai.ResponseStreamEvent{
				Type:   "response.function_call_arguments.delta",
				ItemID: t.toolItemIDs[ev.ContentBlockDelta.ContentBlockIndex],
				Delta:  tu.Input,
			})
			return b, TokenUsage{}, err
		}
		if ev.ContentBlockDelta.Delta.Text == "" {
			return nil, TokenUsage{}, nil
		}
		b, err := t.responsesEvent(&openai.ResponseStreamEvent{
			Type:   "response.output_text.delta",
			ItemID: t.messageItemID,
			Delta:  ev.ContentBlockDelta.Delta.Text,
		})
		return b, TokenUsage{}, err

	case bedrock.EventContentBlockStop:
		idx := ev.ContentBlockStop.ContentBlockIndex
		tool := t.toolAcc.Finish(idx)
		if tool == nil {
			return nil, TokenUsage{}, nil
		}
		args, _ := json.Marshal(tool.Input)
		itemID := t.toolItemIDs[idx]
		done, err := t.responsesEvent(&openai.ResponseStreamEvent{
			Type:      "response.function_call_arguments.done",
			ItemID:    itemID,
			Arguments: string(args),
		})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		item := &openai.ResponseOutputItem{
			Type:      "function_call",
			ID:        itemID,
			CallID:    tool.ToolUseID,
			Name:      tool.Name,
			Arguments: string(args),
			Status:    "completed",
		}
		t.doneToolItems = append(t.doneToolItems, *item)
		doneIdx := t.toolOutputIndex[idx]
		itemDone, err := t.responsesEvent(&openai.ResponseStreamEvent{
			Type:        "response.output_item.done",
			Item:        item,
			OutputIndex: &doneIdx,
		})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		return append(done, itemDone...), TokenUsage{}, nil

	case bedrock.EventMessageStop:
		// Deferred: the terminal event needs the usage totals that only
		// arrive with the Metadata frame.
		t.stopReason = ev.MessageStop.StopReason
		return nil, TokenUsage{}, nil

	case bedrock.EventMetadata:
		usage := TokenUsage{
			InputTokens:  uint32(ev.Metadata.Usage.InputTokens),
			OutputTokens: uint32(ev.Metadata.Usage.OutputTokens),
			TotalTokens:  uint32(ev.Metadata.Usage.TotalTokens),
		}
		resp := &openai.ResponseResponse{
			ID:     t.respID,
			Object: "response",
			Model:  t.model,
			Output: t.doneToolItems,
			Usage: &openai.ResponseUsage{
				InputTokens:  ev.Metadata.Usage.InputTokens,
				OutputTokens: ev.Metadata.Usage.OutputTokens,
				TotalTokens:  ev.Metadata.Usage.TotalTokens,
			},
		}
		eventType := "response.completed"
		switch t.stopReason {
		case "max_tokens":
			eventType = "response.incomplete"
			resp.Status = "incomplete"
			resp.IncompleteDetails = &openai.ResponseIncompleteDetails{Reason: "max_tokens"}
		case "content_filtered", "guardrail_intervened":
			eventType = "response.failed"
			resp.Status = "failed"
			resp.Error = &openai.ResponseError{Code: "content_filter", Message: "content filtered"}
		default:
			resp.Status = "completed"
		}
		b, err := t.responsesEvent(&openai.ResponseStreamEvent{Type: eventType, Response: resp})
		if err != nil {
			return nil, TokenUsage{}, err
		}
		return b, usage, nil

	default:
		return nil, TokenUsage{}, nil
	}
}

func (t *responsesToConverseTranslator) outputItemEvent(eventType string, item *openai.ResponseOutputItem) ([]byte, error) {
	idx := t.outputIndex
	t.outputIndex++
	return t.responsesEvent(&openai.ResponseStreamEvent{
		Type:        eventType,
		Item:        item,
		OutputIndex: &idx,
	})
}

// responsesEvent stamps the next sequence number and renders one SSE frame.
func (t *responsesToConverseTranslator) responsesEvent(ev *openai.ResponseStreamEvent) ([]byte, error) {
	ev.SequenceNumber = t.seq
	t.seq++
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("responses stream: encode %s event: %w", ev.Type, err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "event: %s\ndata: %s\n\n", ev.Type, b)
	return out.Bytes(), nil
}
