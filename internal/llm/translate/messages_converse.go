// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/agentgateway/agentgateway-go/internal/apischema/anthropic"
	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
)

// messagesToConverseTranslator translates Anthropic Messages API requests
// and responses to/from AWS Bedrock Converse, the native successor to
// wrapping Anthropic-shaped bodies for Bedrock's older InvokeModel API --
// Converse is what Bedrock now recommends for all model families.
type messagesToConverseTranslator struct {
	modelOverride string
	stream        bool
	streamBuf     []byte
	toolAcc       *bedrock.ToolUseAccumulator
	msgID         string
	model         string
	stopReason    string
	seenBlocks    map[int]struct{}
	betas         []string
}

// SetAnthropicBeta implements BetaHeaderCarrier: the caller hands over the
// request's anthropic-beta header values (comma-separated, multi-value)
// for forwarding as additionalModelRequestFields.anthropic_beta.
func (t *messagesToConverseTranslator) SetAnthropicBeta(values []string) {
	var betas []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				betas = append(betas, part)
			}
		}
	}
	t.betas = betas
}

func newMessagesToConverseTranslator(modelOverride string) *messagesToConverseTranslator {
	return &messagesToConverseTranslator{modelOverride: modelOverride}
}

func (t *messagesToConverseTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	var req anthropic.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestTranslation{}, fmt.Errorf("messages->converse: decode request: %w", err)
	}
	if t.modelOverride != "" {
		req.Model = t.modelOverride
	}
	t.stream = req.Stream
	t.model = req.Model
	t.msgID = fmt.Sprintf("msg_%d%06d", time.Now().UnixMilli(), rand.IntN(1_000_000))

	conv := messagesRequestToConverse(&req, t.betas)
	out, err := json.Marshal(conv)
	if err != nil {
		return RequestTranslation{}, fmt.Errorf("messages->converse: encode request: %w", err)
	}

	path := fmt.Sprintf("/model/%s/converse", req.Model)
	if req.Stream {
		path = fmt.Sprintf("/model/%s/converse-stream", req.Model)
	}
	return RequestTranslation{Body: out, PathOverride: path, Streaming: req.Stream, ContentLength: len(out)}, nil
}

// messagesRequestToConverse translates an Anthropic Messages request into a
// Bedrock Converse request, including the per-block CachePoint markers the
// source body carries via cache_control: Messages callers opt individual
// blocks into caching explicitly (unlike the Completions path's
// policy-driven cache_system/cache_messages/cache_tools), so this
// translator reads that signal straight off the source blocks rather than
// from a separate CacheConfig.
func messagesRequestToConverse(req *anthropic.MessagesRequest, betas []string) *bedrock.ConverseRequest {
	out := &bedrock.ConverseRequest{
		InferenceConfig: &bedrock.InferenceConfig{
			StopSequences: req.StopSequences,
		},
	}
	if req.MaxTokens > 0 {
		v := int32(req.MaxTokens)
		out.InferenceConfig.MaxTokens = &v
	}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		out.InferenceConfig.Temperature = &v
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		out.InferenceConfig.TopP = &v
	}
	if req.TopK != nil {
		v := int32(*req.TopK)
		out.InferenceConfig.TopK = &v
	}
	thinkingEnabled := req.Thinking != nil && req.Thinking.Type == "enabled"
	if thinkingEnabled {
		// Bedrock rejects sampling overrides alongside extended thinking.
		out.InferenceConfig.Temperature = nil
		out.InferenceConfig.TopP = nil
		out.InferenceConfig.TopK = nil
		out.AdditionalModelRequestFields = map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": req.Thinking.BudgetTokens},
		}
	}
	if len(betas) > 0 {
		if out.AdditionalModelRequestFields == nil {
			out.AdditionalModelRequestFields = map[string]any{}
		}
		out.AdditionalModelRequestFields["anthropic_beta"] = betas
	}

	var systemCacheFlags []bool
	switch sys := req.System.(type) {
	case string:
		if sys != "" {
			out.System = []bedrock.SystemContentBlock{{Text: sys}}
			systemCacheFlags = []bool{false}
		}
	case []interface{}:
		for _, block := range sys {
			if m, ok := block.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					out.System = append(out.System, bedrock.SystemContentBlock{Text: text})
					_, hasCache := m["cache_control"]
					systemCacheFlags = append(systemCacheFlags, hasCache)
				}
			}
		}
	}

	var messageCacheFlags [][]bool
	for _, m := range req.Messages {
		msg := bedrock.Message{Role: string(m.Role)}
		var flags []bool
		if m.Content.Text != "" {
			msg.Content = append(msg.Content, bedrock.ContentBlock{Text: m.Content.Text})
			flags = append(flags, false)
		}
		for _, block := range m.Content.Array {
			switch block.Type {
			case "text":
				msg.Content = append(msg.Content, bedrock.ContentBlock{Text: block.Text})
			case "tool_use":
				msg.Content = append(msg.Content, bedrock.ContentBlock{ToolUse: &bedrock.ToolUseBlock{
					ToolUseID: block.ID, Name: block.Name, Input: block.Input,
				}})
			case "tool_result":
				msg.Content = append(msg.Content, bedrock.ContentBlock{ToolResult: &bedrock.ToolResultBlock{
					ToolUseID: block.ToolUseID,
					Content:   []bedrock.ToolResultContentBlock{{Text: fmt.Sprint(block.Content)}},
					Status:    toolResultStatus(block.IsError),
				}})
			case "image":
				img := anthropicImageToConverse(block.Source)
				if img == nil {
					continue
				}
				msg.Content = append(msg.Content, bedrock.ContentBlock{Image: img})
			case "thinking":
				msg.Content = append(msg.Content, bedrock.ContentBlock{ReasoningContent: &bedrock.ReasoningContentBlock{
					ReasoningText: &bedrock.ReasoningText{Text: block.Thinking, Signature: block.Signature},
				}})
			default:
				continue
			}
			flags = append(flags, block.CacheControl != nil)
		}
		out.Messages = append(out.Messages, msg)
		messageCacheFlags = append(messageCacheFlags, flags)
	}

	if len(req.Tools) > 0 {
		out.ToolConfig = &bedrock.ToolConfig{}
		for _, tool := range req.Tools {
			out.ToolConfig.Tools = append(out.ToolConfig.Tools, bedrock.Tool{ToolSpec: &bedrock.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: bedrock.ToolInputSchema{JSON: tool.InputSchema},
			}})
		}
		out.ToolConfig.ToolChoice = anthropicToolChoiceToConverse(req.ToolChoice)
		if thinkingEnabled {
			// Extended thinking requires a forced tool choice; auto/none
			// are upgraded to any, a named tool is kept.
			if out.ToolConfig.ToolChoice == nil || out.ToolConfig.ToolChoice.Tool == nil {
				out.ToolConfig.ToolChoice = &bedrock.ToolChoice{Any: &struct{}{}}
			}
		}
	}

	if bedrock.ModelSupportsCache(req.Model) {
		bedrock.ApplyCacheControlBlocks(out, 4, systemCacheFlags, messageCacheFlags)
	}

	return out
}

// anthropicImageToConverse maps an Anthropic base64 image source onto a
// Converse image block: {"type":"base64","media_type":"image/png","data":..}
// becomes {format:"png", source.bytes:<decoded>}. Non-base64 sources have
// no Converse representation.
func anthropicImageToConverse(source interface{}) *bedrock.ImageBlock {
	m, ok := source.(map[string]interface{})
	if !ok {
		return nil
	}
	if srcType, _ := m["type"].(string); srcType != "base64" {
		return nil
	}
	mediaType, _ := m["media_type"].(string)
	data, _ := m["data"].(string)
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil
	}
	return &bedrock.ImageBlock{
		Format: strings.TrimPrefix(mediaType, "image/"),
		Source: bedrock.ImageSource{Bytes: decoded},
	}
}

func anthropicToolChoiceToConverse(toolChoice interface{}) *bedrock.ToolChoice {
	m, ok := toolChoice.(map[string]interface{})
	if !ok {
		return nil
	}
	switch t, _ := m["type"].(string); t {
	case "auto":
		return &bedrock.ToolChoice{Auto: &struct{}{}}
	case "any":
		return &bedrock.ToolChoice{Any: &struct{}{}}
	case "tool":
		if name, _ := m["name"].(string); name != "" {
			return &bedrock.ToolChoice{Tool: &bedrock.SpecificToolChoice{Name: name}}
		}
	}
	return nil
}

func toolResultStatus(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

func (t *messagesToConverseTranslator) TranslateResponseHeaders(map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *messagesToConverseTranslator) TranslateResponseBody(headers map[string]string, chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	if t.stream {
		return t.translateStreamChunk(chunk, endOfStream)
	}
	var resp bedrock.ConverseResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("converse->messages: decode response: %w", err)
	}
	out := converseResponseToMessages(&resp, t.model)
	out.ID = t.msgID
	b, err := json.Marshal(out)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("converse->messages: encode response: %w", err)
	}
	usage := TokenUsage{
		InputTokens:  uint32(resp.Usage.InputTokens),
		OutputTokens: uint32(resp.Usage.OutputTokens),
		TotalTokens:  uint32(resp.Usage.TotalTokens),
	}
	return b, usage, nil
}

func converseResponseToMessages(resp *bedrock.ConverseResponse, model string) *anthropic.MessagesResponse {
	var blocks []anthropic.MessagesContentBlock
	for _, block := range resp.Output.Message.Content {
		if block.Text != "" {
			blocks = append(blocks, anthropic.MessagesContentBlock{Type: "text", Text: block.Text})
		}
		if block.ToolUse != nil {
			blocks = append(blocks, anthropic.MessagesContentBlock{
				Type: "tool_use", ID: block.ToolUse.ToolUseID, Name: block.ToolUse.Name, Input: block.ToolUse.Input,
			})
		}
		if rc := block.ReasoningContent; rc != nil && rc.ReasoningText != nil {
			blocks = append(blocks, anthropic.MessagesContentBlock{
				Type: "thinking", Thinking: rc.ReasoningText.Text, Signature: rc.ReasoningText.Signature,
			})
		}
		// ToolResult and CachePoint blocks never appear in a response turn.
	}
	return &anthropic.MessagesResponse{
		Type:       "message",
		Role:       resp.Output.Message.Role,
		Model:      model,
		Content:    blocks,
		StopReason: anthropicStopReason(resp.StopReason),
		Usage: anthropic.Usage{
			InputTokens:              resp.Usage.InputTokens,
			OutputTokens:             resp.Usage.OutputTokens,
			TotalTokens:              resp.Usage.TotalTokens,
			CacheCreationInputTokens: resp.Usage.CacheWriteInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
}

func anthropicStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "end_turn"
	case "max_tokens":
		return "max_tokens"
	case "tool_use":
		return "tool_use"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return reason
	}
}
