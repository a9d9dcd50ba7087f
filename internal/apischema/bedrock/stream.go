// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package bedrock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// EventType is the ":event-type" header value on each ConverseStream frame.
type EventType string

const (
	EventMessageStart      EventType = "messageStart"
	EventContentBlockStart EventType = "contentBlockStart"
	EventContentBlockDelta EventType = "contentBlockDelta"
	EventContentBlockStop  EventType = "contentBlockStop"
	EventMessageStop       EventType = "messageStop"
	EventMetadata          EventType = "metadata"
)

// Event is a decoded ConverseStream frame: Type selects which of the
// pointer fields is non-nil.
type Event struct {
	Type EventType

	MessageStart      *MessageStartEvent
	ContentBlockStart *ContentBlockStartEvent
	ContentBlockDelta *ContentBlockDeltaEvent
	ContentBlockStop  *ContentBlockStopEvent
	MessageStop       *MessageStopEvent
	Metadata          *MetadataEvent
}

// StreamDecoder reads Bedrock's application/vnd.amazon.eventstream framing
// off an HTTP response body and decodes each frame's JSON payload per its
// ":event-type" header.
type StreamDecoder struct {
	dec *eventstream.Decoder
	r   io.Reader
	buf []byte
}

func NewStreamDecoder(r io.Reader) *StreamDecoder {
	return &StreamDecoder{dec: eventstream.NewDecoder(), r: r}
}

// Next returns the next decoded event, or io.EOF once the stream closes.
func (d *StreamDecoder) Next() (*Event, error) {
	msg, err := d.dec.Decode(d.r, nil)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("bedrock stream: decode frame: %w", err)
	}
	var eventType EventType
	for _, h := range msg.Headers {
		if h.Name == ":event-type" {
			eventType = EventType(h.Value.String())
			break
		}
	}
	if eventType == "" {
		return nil, fmt.Errorf("bedrock stream: frame missing :event-type header")
	}

	ev := &Event{Type: eventType}
	payload := bytes.NewReader(msg.Payload)
	var decodeErr error
	switch eventType {
	case EventMessageStart:
		ev.MessageStart = &MessageStartEvent{}
		decodeErr = json.NewDecoder(payload).Decode(ev.MessageStart)
	case EventContentBlockStart:
		ev.ContentBlockStart = &ContentBlockStartEvent{}
		decodeErr = json.NewDecoder(payload).Decode(ev.ContentBlockStart)
	case EventContentBlockDelta:
		ev.ContentBlockDelta = &ContentBlockDeltaEvent{}
		decodeErr = json.NewDecoder(payload).Decode(ev.ContentBlockDelta)
	case EventContentBlockStop:
		ev.ContentBlockStop = &ContentBlockStopEvent{}
		decodeErr = json.NewDecoder(payload).Decode(ev.ContentBlockStop)
	case EventMessageStop:
		ev.MessageStop = &MessageStopEvent{}
		decodeErr = json.NewDecoder(payload).Decode(ev.MessageStop)
	case EventMetadata:
		ev.Metadata = &MetadataEvent{}
		decodeErr = json.NewDecoder(payload).Decode(ev.Metadata)
	default:
		// Forward-compatible: an event type we don't recognize (e.g. a
		// future "contentBlockStart.reasoningContent" variant) is surfaced
		// with no populated field rather than erroring the whole stream.
		return ev, nil
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("bedrock stream: decode %s payload: %w", eventType, decodeErr)
	}
	return ev, nil
}

// ToolUseAccumulator reassembles the fragmented tool-input JSON a
// ConverseStream delivers as a sequence of ContentBlockDelta.ToolUse.Input
// string chunks, keyed by ContentBlockIndex, finalizing into a ToolUseBlock
// once the matching ContentBlockStop arrives.
type ToolUseAccumulator struct {
	pending map[int]*pendingToolUse
}

type pendingToolUse struct {
	id, name string
	input    bytes.Buffer
}

func NewToolUseAccumulator() *ToolUseAccumulator {
	return &ToolUseAccumulator{pending: make(map[int]*pendingToolUse)}
}

func (a *ToolUseAccumulator) Start(ev *ContentBlockStartEvent) {
	if ev.Start.ToolUse == nil {
		return
	}
	a.pending[ev.ContentBlockIndex] = &pendingToolUse{
		id:   ev.Start.ToolUse.ToolUseID,
		name: ev.Start.ToolUse.Name,
	}
}

func (a *ToolUseAccumulator) Delta(ev *ContentBlockDeltaEvent) {
	if ev.Delta.ToolUse == nil {
		return
	}
	p, ok := a.pending[ev.ContentBlockIndex]
	if !ok {
		return
	}
	p.input.WriteString(ev.Delta.ToolUse.Input)
}

// Finish returns the completed ToolUseBlock for index, or nil if that index
// was never a tool-use block (e.g. it was a plain text block).
func (a *ToolUseAccumulator) Finish(index int) *ToolUseBlock {
	p, ok := a.pending[index]
	if !ok {
		return nil
	}
	delete(a.pending, index)
	var input any
	if p.input.Len() > 0 {
		if err := json.Unmarshal(p.input.Bytes(), &input); err != nil {
			input = p.input.String()
		}
	}
	return &ToolUseBlock{ToolUseID: p.id, Name: p.name, Input: input}
}
