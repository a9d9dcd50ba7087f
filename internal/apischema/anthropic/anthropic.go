// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic contains Anthropic Messages API wire types, hand-rolled
// rather than wrapping anthropic-sdk-go: the gateway only ever marshals/
// unmarshals these as JSON bodies passed through Envoy, never drives the
// SDK's own HTTP client.
package anthropic

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessageRole is the role of a Messages API turn.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessagesRequest represents a request to the Anthropic Messages API.
// https://docs.anthropic.com/en/api/messages
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	System        interface{}     `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    interface{}     `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Metadata      interface{}     `json:"metadata,omitempty"`
}

// ThinkingConfig enables extended thinking with a token budget:
// {"type":"enabled","budget_tokens":N}.
type ThinkingConfig struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one turn of a Messages conversation.
type Message struct {
	Role    MessageRole    `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or an array of content blocks;
// Anthropic's API accepts both shapes for a message's "content" field.
type MessageContent struct {
	Text  string
	Array []MessageContentArrayElement
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("anthropic: empty message content")
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(data, &c.Text)
	case '[':
		return json.Unmarshal(data, &c.Array)
	default:
		return fmt.Errorf("anthropic: message content must be a string or array, got %q", trimmed)
	}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Array != nil {
		return json.Marshal(c.Array)
	}
	return json.Marshal(c.Text)
}

// MessageContentArrayElement is one content block within a message's array
// form: text, image, tool_use, or tool_result, distinguished by Type.
type MessageContentArrayElement struct {
	Type      string      `json:"type,omitempty"`
	Text      string      `json:"text,omitempty"`
	Source    interface{} `json:"source,omitempty"`
	ID        string      `json:"id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Input     any         `json:"input,omitempty"`
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`
	Thinking  string      `json:"thinking,omitempty"`
	Signature string      `json:"signature,omitempty"`
	// CacheControl marks this block as a Bedrock/Anthropic prompt-cache
	// breakpoint, e.g. {"type":"ephemeral"}. Only its presence matters to
	// this gateway's Converse translation; the breakpoint type itself is
	// opaque and forwarded as-is when passed through to native Anthropic.
	CacheControl interface{} `json:"cache_control,omitempty"`
}

// Tool describes a tool the model may call.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

// ErrorResponse is the Messages API's error envelope, returned with a
// non-2xx status instead of a MessagesResponse body.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// ErrorBody is the nested error payload of ErrorResponse.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Usage is Anthropic's token usage block.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	TotalTokens              int `json:"total_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// MessagesContentBlock is one content block of a non-streaming
// MessagesResponse.
type MessagesContentBlock struct {
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// MessagesResponse is the non-streaming Messages API response.
type MessagesResponse struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Model        string                 `json:"model"`
	Content      []MessagesContentBlock `json:"content"`
	StopReason   string                 `json:"stop_reason,omitempty"`
	StopSequence *string                `json:"stop_sequence,omitempty"`
	Usage        Usage                  `json:"usage"`
}

// MessagesStreamEvent is one decoded Messages API SSE event. Type selects
// which of the nested pointer fields, if any, is populated: only
// message_start and message_delta carry data this gateway needs to read
// (model/role/usage); the remaining event types (content_block_start/delta/
// stop, message_stop) only need Type to detect stream boundaries during
// token accounting, so their payloads aren't separately decoded.
type MessagesStreamEvent struct {
	Type         string
	MessageStart *MessagesStreamEventMessageStart
	MessageDelta *MessagesStreamEventMessageDelta
}

func (e *MessagesStreamEvent) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("anthropic: decode stream event: %w", err)
	}
	if probe.Type == "" {
		return fmt.Errorf("anthropic: stream event missing type field")
	}
	e.Type = probe.Type
	switch probe.Type {
	case "message_start":
		var full struct {
			Message MessagesStreamEventMessageStart `json:"message"`
		}
		if err := json.Unmarshal(data, &full); err != nil {
			return fmt.Errorf("anthropic: decode message_start event: %w", err)
		}
		e.MessageStart = &full.Message
	case "message_delta":
		var full MessagesStreamEventMessageDelta
		if err := json.Unmarshal(data, &full); err != nil {
			return fmt.Errorf("anthropic: decode message_delta event: %w", err)
		}
		e.MessageDelta = &full
	}
	return nil
}

type MessagesStreamEventMessageStart struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Role         string                 `json:"role"`
	Model        string                 `json:"model"`
	StopSequence *string                `json:"stop_sequence"`
	Usage        *Usage                 `json:"usage"`
	Content      []MessagesContentBlock `json:"content"`
	StopReason   *string                `json:"stop_reason"`
}

type MessagesStreamEventMessageDelta struct {
	Delta MessagesStreamEventMessageDeltaDelta `json:"delta"`
	Usage Usage                                `json:"usage"`
}

type MessagesStreamEventMessageDeltaDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}
