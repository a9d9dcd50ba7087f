// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/agentgateway/agentgateway-go/internal/apischema/anthropic"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// defaultAnthropicMaxTokens fills the Messages API's required max_tokens
// field when the completions caller didn't set one.
const defaultAnthropicMaxTokens = 4096

// completionsToMessagesTranslator translates OpenAI /chat/completions
// requests and responses to/from the Anthropic Messages API, for routing a
// completions-shaped client to an Anthropic-native backend.
type completionsToMessagesTranslator struct {
	modelOverride string
	stream        bool
	streamBuf     []byte
	chunkID       string
	model         string

	// Streaming state: tool-call index per Anthropic content block, and the
	// usage halves that arrive on different events (input on message_start,
	// output on message_delta).
	toolIndexByBlock map[int]int
	nextToolIndex    int
	inputTokens      int
	outputTokens     int
}

func newCompletionsToMessagesTranslator(modelOverride string) *completionsToMessagesTranslator {
	return &completionsToMessagesTranslator{
		modelOverride:    modelOverride,
		toolIndexByBlock: make(map[int]int),
	}
}

func (t *completionsToMessagesTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestTranslation{}, fmt.Errorf("completions->messages: decode request: %w", err)
	}
	if t.modelOverride != "" {
		req.Model = t.modelOverride
	}
	t.stream = req.Stream
	t.model = req.Model
	t.chunkID = "chatcmpl-" + uuid.NewString()

	out := anthropic.MessagesRequest{
		Model:     req.Model,
		MaxTokens: defaultAnthropicMaxTokens,
		Stream:    req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	} else if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	}
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	switch stop := req.Stop.(type) {
	case string:
		out.StopSequences = []string{stop}
	case []interface{}:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				out.StopSequences = append(out.StopSequences, str)
			}
		}
	}

	var systemParts []string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentToText(msg.Content))
		case "user":
			text := contentToText(msg.Content)
			if text == "" {
				continue
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    anthropic.MessageRole("user"),
				Content: anthropic.MessageContent{Array: []anthropic.MessageContentArrayElement{{Type: "text", Text: text}}},
			})
		case "assistant":
			var blocks []anthropic.MessageContentArrayElement
			if text := contentToText(msg.Content); text != "" {
				blocks = append(blocks, anthropic.MessageContentArrayElement{Type: "text", Text: text})
			}
			for _, call := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.MessageContentArrayElement{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, anthropic.Message{
				Role:    anthropic.MessageRole("assistant"),
				Content: anthropic.MessageContent{Array: blocks},
			})
		case "tool":
			out.Messages = append(out.Messages, anthropic.Message{
				Role: anthropic.MessageRole("user"),
				Content: anthropic.MessageContent{Array: []anthropic.MessageContentArrayElement{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   contentToText(msg.Content),
				}}},
			})
		}
	}
	if len(systemParts) > 0 {
		out.System = strings.Join(systemParts, "\n")
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropic.Tool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = completionsToolChoiceToAnthropic(req.ToolChoice)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return RequestTranslation{}, fmt.Errorf("completions->messages: encode request: %w", err)
	}
	// The Messages path itself is the provider default; no override needed.
	return RequestTranslation{Body: encoded, Streaming: req.Stream, ContentLength: len(encoded)}, nil
}

func completionsToolChoiceToAnthropic(toolChoice interface{}) interface{} {
	switch tc := toolChoice.(type) {
	case string:
		switch tc {
		case "auto":
			return map[string]string{"type": "auto"}
		case "required":
			return map[string]string{"type": "any"}
		case "none":
			return map[string]string{"type": "none"}
		}
		return nil
	case map[string]interface{}:
		if fn, ok := tc["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return map[string]string{"type": "tool", "name": name}
			}
		}
		return nil
	default:
		return nil
	}
}

func (t *completionsToMessagesTranslator) TranslateResponseHeaders(map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *completionsToMessagesTranslator) TranslateResponseBody(headers map[string]string, chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	if t.stream {
		return t.translateMessagesStreamChunk(chunk, endOfStream)
	}
	var resp anthropic.MessagesResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("messages->completions: decode response: %w", err)
	}
	out := messagesResponseToCompletions(&resp)
	b, err := json.Marshal(out)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("messages->completions: encode response: %w", err)
	}
	usage := TokenUsage{
		InputTokens:  uint32(resp.Usage.InputTokens),
		OutputTokens: uint32(resp.Usage.OutputTokens),
		TotalTokens:  uint32(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}
	return b, usage, nil
}

func messagesResponseToCompletions(resp *anthropic.MessagesResponse) *openai.ChatCompletionResponse {
	var text strings.Builder
	var toolCalls []openai.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: openai.FunctionCall{Name: block.Name, Arguments: string(args)},
			})
		}
	}
	return &openai.ChatCompletionResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: finishReasonFromAnthropic(resp.StopReason, len(toolCalls) > 0),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func finishReasonFromAnthropic(stopReason string, hasToolCalls bool) string {
	switch stopReason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "refusal":
		return "content_filter"
	default:
		if hasToolCalls {
			return "tool_calls"
		}
		return "stop"
	}
}

// translateMessagesStreamChunk re-emits Anthropic Messages SSE events as
// OpenAI chat.completion.chunk SSE frames. Unlike the Bedrock translators
// this decodes text SSE framing: events are separated by a blank line, with
// the payload on the "data:" line.
func (t *completionsToMessagesTranslator) translateMessagesStreamChunk(chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	t.streamBuf = append(t.streamBuf, chunk...)
	var out bytes.Buffer
	var usage TokenUsage
	for {
		idx := bytes.Index(t.streamBuf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		frame := t.streamBuf[:idx]
		t.streamBuf = t.streamBuf[idx+2:]

		data := sseDataPayload(frame)
		if len(data) == 0 {
			continue
		}
		sse, u, err := t.completionsSSEForMessagesEvent(data)
		if err != nil {
			return nil, TokenUsage{}, err
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

// sseDataPayload extracts the data-line payload of one SSE frame.
func sseDataPayload(frame []byte) []byte {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(rest)
		}
	}
	return nil
}

func (t *completionsToMessagesTranslator) completionsSSEForMessagesEvent(data []byte) ([]byte, TokenUsage, error) {
	switch gjson.GetBytes(data, "type").String() {
	case "message_start":
		t.inputTokens = int(gjson.GetBytes(data, "message.usage.input_tokens").Int())
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta: openai.ChatCompletionDelta{Role: "assistant"},
		}), TokenUsage{}, nil

	case "content_block_start":
		block := gjson.GetBytes(data, "content_block")
		if block.Get("type").String() != "tool_use" {
			return nil, TokenUsage{}, nil
		}
		blockIdx := int(gjson.GetBytes(data, "index").Int())
		toolIdx := t.nextToolIndex
		t.nextToolIndex++
		t.toolIndexByBlock[blockIdx] = toolIdx
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta: openai.ChatCompletionDelta{ToolCalls: []openai.ToolCall{{
				ID:       block.Get("id").String(),
				Type:     "function",
				Function: openai.FunctionCall{Name: block.Get("name").String()},
			}}},
		}), TokenUsage{}, nil

	case "content_block_delta":
		delta := gjson.GetBytes(data, "delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return t.sseChunk(openai.ChatCompletionChunkChoice{
				Delta: openai.ChatCompletionDelta{Content: delta.Get("text").String()},
			}), TokenUsage{}, nil
		case "input_json_delta":
			return t.sseChunk(openai.ChatCompletionChunkChoice{
				Delta: openai.ChatCompletionDelta{ToolCalls: []openai.ToolCall{{
					Function: openai.FunctionCall{Arguments: delta.Get("partial_json").String()},
				}}},
			}), TokenUsage{}, nil
		default:
			return nil, TokenUsage{}, nil
		}

	case "message_delta":
		t.outputTokens = int(gjson.GetBytes(data, "usage.output_tokens").Int())
		reason := finishReasonFromAnthropic(gjson.GetBytes(data, "delta.stop_reason").String(), t.nextToolIndex > 0)
		return t.sseChunk(openai.ChatCompletionChunkChoice{
			Delta:        openai.ChatCompletionDelta{},
			FinishReason: &reason,
		}), TokenUsage{}, nil

	case "message_stop":
		usage := TokenUsage{
			InputTokens:  uint32(t.inputTokens),
			OutputTokens: uint32(t.outputTokens),
			TotalTokens:  uint32(t.inputTokens + t.outputTokens),
		}
		chunk := openai.ChatCompletionResponseChunk{
			ID:     t.chunkID,
			Object: "chat.completion.chunk",
			Model:  t.model,
			Usage: &openai.Usage{
				PromptTokens:     t.inputTokens,
				CompletionTokens: t.outputTokens,
				TotalTokens:      t.inputTokens + t.outputTokens,
			},
		}
		b, err := json.Marshal(chunk)
		if err != nil {
			return nil, TokenUsage{}, fmt.Errorf("messages->completions stream: encode usage chunk: %w", err)
		}
		return append(append([]byte("data: "), b...), []byte("\n\n")...), usage, nil

	default: // ping and other event types need no client-side counterpart
		return nil, TokenUsage{}, nil
	}
}

func (t *completionsToMessagesTranslator) sseChunk(choice openai.ChatCompletionChunkChoice) []byte {
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
