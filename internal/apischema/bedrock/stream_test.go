// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package bedrock

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/stretchr/testify/require"
)

func encodeFrame(t *testing.T, eventType EventType, payload any) []byte {
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

func TestStreamDecoderDecodesEventSequence(t *testing.T) {
	var raw bytes.Buffer
	raw.Write(encodeFrame(t, EventMessageStart, MessageStartEvent{Role: "assistant"}))
	raw.Write(encodeFrame(t, EventContentBlockDelta, ContentBlockDeltaEvent{
		ContentBlockIndex: 0,
		Delta:             ContentBlockDelta{Text: "hi"},
	}))
	raw.Write(encodeFrame(t, EventMessageStop, MessageStopEvent{StopReason: "end_turn"}))
	raw.Write(encodeFrame(t, EventMetadata, MetadataEvent{
		Usage: TokenUsage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3},
	}))

	dec := NewStreamDecoder(bytes.NewReader(raw.Bytes()))

	ev, err := dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventMessageStart, ev.Type)
	require.Equal(t, "assistant", ev.MessageStart.Role)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventContentBlockDelta, ev.Type)
	require.Equal(t, "hi", ev.ContentBlockDelta.Delta.Text)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventMessageStop, ev.Type)
	require.Equal(t, "end_turn", ev.MessageStop.StopReason)

	ev, err = dec.Next()
	require.NoError(t, err)
	require.Equal(t, EventMetadata, ev.Type)
	require.Equal(t, 3, ev.Metadata.Usage.TotalTokens)

	_, err = dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamDecoderPartialFrame(t *testing.T) {
	frame := encodeFrame(t, EventMessageStart, MessageStartEvent{Role: "assistant"})
	// Only half of the frame available: Next must fail rather than return
	// a corrupt event.
	dec := NewStreamDecoder(bytes.NewReader(frame[:len(frame)/2]))
	_, err := dec.Next()
	require.Error(t, err)
}

func TestToolUseAccumulatorReassemblesFragmentedJSON(t *testing.T) {
	acc := NewToolUseAccumulator()
	acc.Start(&ContentBlockStartEvent{
		ContentBlockIndex: 0,
		Start:             ContentBlockStart{ToolUse: &ToolUseBlockStart{ToolUseID: "t1", Name: "search"}},
	})
	acc.Delta(&ContentBlockDeltaEvent{ContentBlockIndex: 0, Delta: ContentBlockDelta{ToolUse: &ToolUseBlockDelta{Input: `{"q":`}}})
	acc.Delta(&ContentBlockDeltaEvent{ContentBlockIndex: 0, Delta: ContentBlockDelta{ToolUse: &ToolUseBlockDelta{Input: `"x"}`}}})

	tool := acc.Finish(0)
	require.NotNil(t, tool)
	require.Equal(t, "t1", tool.ToolUseID)
	require.Equal(t, "search", tool.Name)
	require.Equal(t, map[string]any{"q": "x"}, tool.Input)

	// A text block index never registered as a tool use finishes to nil.
	require.Nil(t, acc.Finish(1))
}
