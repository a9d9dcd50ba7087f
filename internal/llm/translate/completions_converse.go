// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// completionsToConverseTranslator translates OpenAI /chat/completions
// requests and responses to/from AWS Bedrock Converse.
type completionsToConverseTranslator struct {
	modelOverride string
	cacheCfg      bedrock.CacheConfig
	stream        bool
	streamBuf     []byte
	toolAcc       *bedrock.ToolUseAccumulator
	chunkID       string
	model         string

	guardrailID      string
	guardrailVersion string
	metadataHeader   string
}

func newCompletionsToConverseTranslator(modelOverride string, cacheCfg bedrock.CacheConfig) *completionsToConverseTranslator {
	return &completionsToConverseTranslator{modelOverride: modelOverride, cacheCfg: cacheCfg}
}

// SetGuardrail implements GuardrailCarrier.
func (t *completionsToConverseTranslator) SetGuardrail(identifier, version string) {
	t.guardrailID, t.guardrailVersion = identifier, version
}

// SetBedrockMetadataHeader implements BedrockMetadataCarrier.
func (t *completionsToConverseTranslator) SetBedrockMetadataHeader(value string) {
	t.metadataHeader = value
}

func (t *completionsToConverseTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestTranslation{}, fmt.Errorf("completions->converse: decode request: %w", err)
	}
	if t.modelOverride != "" {
		req.Model = t.modelOverride
	}
	t.stream = req.Stream
	t.model = req.Model
	t.chunkID = "chatcmpl-" + uuid.NewString()

	conv, err := completionsRequestToConverse(&req)
	if err != nil {
		return RequestTranslation{}, err
	}
	if (t.cacheCfg.CacheSystem || t.cacheCfg.CacheTools || t.cacheCfg.CacheMessages) && bedrock.ModelSupportsCache(req.Model) {
		bedrock.ApplyCache(conv, t.cacheCfg)
	}
	if t.guardrailID != "" {
		conv.GuardrailConfig = &bedrock.GuardrailConfig{
			GuardrailIdentifier: t.guardrailID,
			GuardrailVersion:    t.guardrailVersion,
			Trace:               "enabled",
		}
	}
	if md := bedrockRequestMetadata(req.User, t.metadataHeader); len(md) > 0 {
		conv.RequestMetadata = md
	}
	out, err := json.Marshal(conv)
	if err != nil {
		return RequestTranslation{}, fmt.Errorf("completions->converse: encode request: %w", err)
	}

	path := fmt.Sprintf("/model/%s/converse", req.Model)
	if req.Stream {
		path = fmt.Sprintf("/model/%s/converse-stream", req.Model)
	}
	return RequestTranslation{Body: out, PathOverride: path, Streaming: req.Stream, ContentLength: len(out)}, nil
}

func completionsRequestToConverse(req *openai.ChatCompletionRequest) (*bedrock.ConverseRequest, error) {
	out := &bedrock.ConverseRequest{InferenceConfig: &bedrock.InferenceConfig{}}
	if req.MaxTokens != nil {
		v := int32(*req.MaxTokens)
		out.InferenceConfig.MaxTokens = &v
	}
	if req.MaxCompletionTokens != nil {
		v := int32(*req.MaxCompletionTokens)
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
	if budget := thinkingBudgetTokens(req); budget > 0 {
		out.AdditionalModelRequestFields = map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		}
	}
	switch stop := req.Stop.(type) {
	case string:
		out.InferenceConfig.StopSequences = []string{stop}
	case []interface{}:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				out.InferenceConfig.StopSequences = append(out.InferenceConfig.StopSequences, str)
			}
		}
	}

	var systemTexts []string
	for _, m := range req.Messages {
		if m.Role == "system" || m.Role == "developer" {
			systemTexts = append(systemTexts, contentToText(m.Content))
			continue
		}
		role := m.Role
		if role == "tool" {
			// A tool result message becomes a user-turn ToolResultBlock.
			out.Messages = append(out.Messages, bedrock.Message{
				Role: "user",
				Content: []bedrock.ContentBlock{{
					ToolResult: &bedrock.ToolResultBlock{
						ToolUseID: m.ToolCallID,
						Content:   []bedrock.ToolResultContentBlock{{Text: contentToText(m.Content)}},
					},
				}},
			})
			continue
		}
		msg := bedrock.Message{Role: role}
		if text := contentToText(m.Content); text != "" {
			msg.Content = append(msg.Content, bedrock.ContentBlock{Text: text})
		}
		for _, tc := range m.ToolCalls {
			var input any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			msg.Content = append(msg.Content, bedrock.ContentBlock{
				ToolUse: &bedrock.ToolUseBlock{ToolUseID: tc.ID, Name: tc.Function.Name, Input: input},
			})
		}
		// Empty messages have no Converse representation.
		if len(msg.Content) == 0 {
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	if len(systemTexts) > 0 {
		out.System = []bedrock.SystemContentBlock{{Text: strings.Join(systemTexts, "\n")}}
	}

	if len(req.Tools) > 0 {
		out.ToolConfig = &bedrock.ToolConfig{}
		for _, tool := range req.Tools {
			out.ToolConfig.Tools = append(out.ToolConfig.Tools, bedrock.Tool{ToolSpec: &bedrock.ToolSpec{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				InputSchema: bedrock.ToolInputSchema{JSON: tool.Function.Parameters},
			}})
		}
		switch tc := req.ToolChoice.(type) {
		case string:
			switch tc {
			case "auto":
				out.ToolConfig.ToolChoice = &bedrock.ToolChoice{Auto: &struct{}{}}
			case "required":
				out.ToolConfig.ToolChoice = &bedrock.ToolChoice{Any: &struct{}{}}
			}
			// "none" has no Converse config field.
		case map[string]interface{}:
			if fn, ok := tc["function"].(map[string]interface{}); ok {
				if name, ok := fn["name"].(string); ok && name != "" {
					out.ToolConfig.ToolChoice = &bedrock.ToolChoice{Tool: &bedrock.SpecificToolChoice{Name: name}}
				}
			}
		}
	}

	return out, nil
}

// contentToText flattens either a plain string Content or an array of
// multi-modal content parts down to its text, since Bedrock Converse text
// blocks and OpenAI text parts both carry a "text" string field.
func contentToText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var b strings.Builder
		for _, part := range v {
			m, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return b.String()
	default:
		return ""
	}
}

func (t *completionsToConverseTranslator) TranslateResponseHeaders(map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *completionsToConverseTranslator) TranslateResponseBody(headers map[string]string, chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	if t.stream {
		return t.translateStreamChunk(chunk, endOfStream)
	}
	var resp bedrock.ConverseResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("converse->completions: decode response: %w", err)
	}
	out := converseResponseToCompletions(&resp)
	b, err := json.Marshal(out)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("converse->completions: encode response: %w", err)
	}
	usage := TokenUsage{
		InputTokens:  uint32(resp.Usage.InputTokens),
		OutputTokens: uint32(resp.Usage.OutputTokens),
		TotalTokens:  uint32(resp.Usage.TotalTokens),
	}
	return b, usage, nil
}

// bedrockRequestMetadata builds Converse requestMetadata from the caller's
// user field plus the x-bedrock-metadata header, a flat JSON object of
// which only primitive values are taken.
func bedrockRequestMetadata(user, metadataHeader string) map[string]string {
	md := map[string]string{}
	if user != "" {
		md["user_id"] = user
	}
	if metadataHeader != "" {
		parsed := gjson.Parse(metadataHeader)
		if parsed.IsObject() {
			parsed.ForEach(func(key, value gjson.Result) bool {
				switch value.Type {
				case gjson.String, gjson.Number, gjson.True, gjson.False:
					md[key.String()] = value.String()
				}
				return true
			})
		}
	}
	return md
}

// thinkingBudgetTokens resolves the extended-thinking token budget: an
// explicit thinking config wins, else reasoning_effort maps onto the
// 1024/2048/4096 ladder. Zero disables thinking.
func thinkingBudgetTokens(req *openai.ChatCompletionRequest) int {
	if req.Thinking != nil && req.Thinking.Type == "enabled" && req.Thinking.BudgetTokens > 0 {
		return req.Thinking.BudgetTokens
	}
	switch req.ReasoningEffort {
	case "minimal", "low":
		return 1024
	case "medium":
		return 2048
	case "high":
		return 4096
	default:
		return 0
	}
}

func converseResponseToCompletions(resp *bedrock.ConverseResponse) *openai.ChatCompletionResponse {
	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []openai.ToolCall
	for _, block := range resp.Output.Message.Content {
		if block.Text != "" {
			text.WriteString(block.Text)
		}
		if block.ReasoningContent != nil && block.ReasoningContent.ReasoningText != nil {
			reasoning.WriteString(block.ReasoningContent.ReasoningText.Text)
		}
		if block.ToolUse != nil {
			args, _ := json.Marshal(block.ToolUse.Input)
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ToolUse.ToolUseID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.ToolUse.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return &openai.ChatCompletionResponse{
		Object: "chat.completion",
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:             resp.Output.Message.Role,
				Content:          text.String(),
				ReasoningContent: reasoning.String(),
				ToolCalls:        toolCalls,
			},
			FinishReason: finishReasonFromBedrock(resp.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func finishReasonFromBedrock(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "content_filtered":
		return "content_filter"
	default:
		return reason
	}
}
