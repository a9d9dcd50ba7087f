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

	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
)

// responsesToConverseTranslator translates OpenAI /responses requests and
// responses to/from AWS Bedrock Converse, with Converse as the upstream
// target instead of a passthrough.
type responsesToConverseTranslator struct {
	modelOverride string
	stream        bool
	streamBuf     []byte
	toolAcc       *bedrock.ToolUseAccumulator
	respID        string
	model         string

	// Streaming state: sequence numbering, stop reason deferred until the
	// Metadata frame, and the per-content-block item bookkeeping the typed
	// Responses events key on.
	seq             int64
	outputIndex     int
	stopReason      string
	messageItemID   string
	toolItemIDs     map[int]string
	toolOutputIndex map[int]int
	doneToolItems   []openai.ResponseOutputItem
}

func newResponsesToConverseTranslator(modelOverride string) *responsesToConverseTranslator {
	return &responsesToConverseTranslator{
		modelOverride:   modelOverride,
		toolItemIDs:     make(map[int]string),
		toolOutputIndex: make(map[int]int),
	}
}

func (t *responsesToConverseTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	var req openai.ResponseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestTranslation{}, fmt.Errorf("responses->converse: decode request: %w", err)
	}
	if t.modelOverride != "" {
		req.Model = t.modelOverride
	}
	t.stream = req.Stream
	t.model = req.Model
	t.respID = "resp_" + uuid.NewString()

	out := &bedrock.ConverseRequest{InferenceConfig: &bedrock.InferenceConfig{}}
	maxTokens := int32(4096)
	if req.MaxOutputTokens != nil {
		maxTokens = int32(*req.MaxOutputTokens)
	}
	out.InferenceConfig.MaxTokens = &maxTokens
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		out.InferenceConfig.Temperature = &v
	}
	if req.TopP != nil {
		v := float32(*req.TopP)
		out.InferenceConfig.TopP = &v
	}
	messages, systemTexts, err := responsesInputToConverseMessages(req.Input)
	if err != nil {
		return RequestTranslation{}, err
	}
	if req.Instructions != "" {
		systemTexts = append([]string{req.Instructions}, systemTexts...)
	}
	if len(systemTexts) > 0 {
		out.System = []bedrock.SystemContentBlock{{Text: strings.Join(systemTexts, "\n")}}
	}
	out.Messages = messages
	if len(req.Tools) > 0 {
		out.ToolConfig = &bedrock.ToolConfig{}
		for _, tool := range req.Tools {
			out.ToolConfig.Tools = append(out.ToolConfig.Tools, bedrock.Tool{ToolSpec: &bedrock.ToolSpec{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				InputSchema: bedrock.ToolInputSchema{JSON: tool.Function.Parameters},
			}})
		}
		out.ToolConfig.ToolChoice = responsesToolChoiceToConverse(req.ToolChoice)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return RequestTranslation{}, fmt.Errorf("responses->converse: encode request: %w", err)
	}
	path := fmt.Sprintf("/model/%s/converse", req.Model)
	if req.Stream {
		path = fmt.Sprintf("/model/%s/converse-stream", req.Model)
	}
	return RequestTranslation{Body: encoded, PathOverride: path, Streaming: req.Stream, ContentLength: len(encoded)}, nil
}

// responsesInputToConverseMessages normalizes the Responses API's flexible
// Input field (a plain string or an array of typed input items) down to
// Converse messages plus the system texts collected from system/developer
// role items. Image inputs are rejected: their URLs/file ids are not
// resolvable at this layer, so dropping them would silently corrupt the
// conversation. Other item types with no Converse equivalent
// (file_search_call, computer_call, ...) are dropped.
func responsesInputToConverseMessages(input interface{}) ([]bedrock.Message, []string, error) {
	switch v := input.(type) {
	case string:
		return []bedrock.Message{{Role: "user", Content: []bedrock.ContentBlock{{Text: v}}}}, nil, nil
	case []interface{}:
		var out []bedrock.Message
		var systemTexts []string
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch itemType, _ := m["type"].(string); itemType {
			case "function_call":
				name, _ := m["name"].(string)
				callID, _ := m["call_id"].(string)
				argsStr, _ := m["arguments"].(string)
				var args any
				if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
					// Invalid tool arguments cannot be represented; skip the item.
					continue
				}
				out = append(out, bedrock.Message{Role: "assistant", Content: []bedrock.ContentBlock{{
					ToolUse: &bedrock.ToolUseBlock{ToolUseID: callID, Name: name, Input: args},
				}}})
			case "function_call_output":
				callID, _ := m["call_id"].(string)
				output, _ := m["output"].(string)
				out = append(out, bedrock.Message{Role: "user", Content: []bedrock.ContentBlock{{
					ToolResult: &bedrock.ToolResultBlock{
						ToolUseID: callID,
						Content:   []bedrock.ToolResultContentBlock{{Text: output}},
						Status:    "success",
					},
				}}})
			case "", "message":
				role, _ := m["role"].(string)
				if role == "" {
					continue
				}
				text, err := responsesItemContentText(m["content"])
				if err != nil {
					return nil, nil, err
				}
				if role == "system" || role == "developer" {
					systemTexts = append(systemTexts, text)
					continue
				}
				out = append(out, bedrock.Message{Role: role, Content: []bedrock.ContentBlock{{Text: text}}})
			}
		}
		return out, systemTexts, nil
	default:
		return nil, nil, nil
	}
}

func responsesItemContentText(content interface{}) (string, error) {
	switch c := content.(type) {
	case string:
		return c, nil
	case []interface{}:
		var b strings.Builder
		for _, part := range c {
			pm, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if partType, _ := pm["type"].(string); partType == "input_image" {
				return "", gwerrors.New(gwerrors.KindUnsupportedContent, "image inputs are not supported for this backend")
			}
			if text, ok := pm["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return b.String(), nil
	default:
		return "", nil
	}
}

// responsesToolChoiceToConverse maps the Responses tool_choice field.
// Hosted-tool choices have no Converse equivalent and are skipped.
func responsesToolChoiceToConverse(toolChoice interface{}) *bedrock.ToolChoice {
	switch tc := toolChoice.(type) {
	case string:
		switch tc {
		case "auto":
			return &bedrock.ToolChoice{Auto: &struct{}{}}
		case "required":
			return &bedrock.ToolChoice{Any: &struct{}{}}
		}
		return nil
	case map[string]interface{}:
		if t, _ := tc["type"].(string); t == "function" {
			if name, _ := tc["name"].(string); name != "" {
				return &bedrock.ToolChoice{Tool: &bedrock.SpecificToolChoice{Name: name}}
			}
		}
		return nil
	default:
		return nil
	}
}

func (t *responsesToConverseTranslator) TranslateResponseHeaders(map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *responsesToConverseTranslator) TranslateResponseBody(headers map[string]string, chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	if t.stream {
		return t.translateStreamChunk(chunk, endOfStream)
	}
	var resp bedrock.ConverseResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("converse->responses: decode response: %w", err)
	}
	out := converseResponseToResponses(&resp, t.model, t.respID)
	b, err := json.Marshal(out)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("converse->responses: encode response: %w", err)
	}
	usage := TokenUsage{
		InputTokens:  uint32(resp.Usage.InputTokens),
		OutputTokens: uint32(resp.Usage.OutputTokens),
		TotalTokens:  uint32(resp.Usage.TotalTokens),
	}
	return b, usage, nil
}

func converseResponseToResponses(resp *bedrock.ConverseResponse, model, respID string) *openai.ResponseResponse {
	var parts []openai.ResponseContentPart
	var functionCalls []openai.ResponseOutputItem
	for _, block := range resp.Output.Message.Content {
		if block.Text != "" {
			parts = append(parts, openai.ResponseContentPart{Type: "output_text", Text: block.Text})
		}
		if block.ToolUse != nil {
			args, _ := json.Marshal(block.ToolUse.Input)
			functionCalls = append(functionCalls, openai.ResponseOutputItem{
				Type:      "function_call",
				ID:        "fc-" + block.ToolUse.ToolUseID,
				CallID:    block.ToolUse.ToolUseID,
				Name:      block.ToolUse.Name,
				Arguments: string(args),
				Status:    "completed",
			})
		}
	}
	out := &openai.ResponseResponse{
		ID:     respID,
		Object: "response",
		Model:  model,
		Usage: &openai.ResponseUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	switch resp.StopReason {
	case "max_tokens":
		out.Status = "incomplete"
		out.IncompleteDetails = &openai.ResponseIncompleteDetails{Reason: "max_tokens"}
	case "content_filtered", "guardrail_intervened":
		out.Status = "failed"
		out.Error = &openai.ResponseError{Code: "content_filter", Message: "content filtered"}
	default:
		out.Status = "completed"
	}
	if len(parts) > 0 {
		out.Output = append(out.Output, openai.ResponseOutputItem{
			Type:    "message",
			ID:      respID + "-msg",
			Role:    resp.Output.Message.Role,
			Content: parts,
			Status:  "completed",
		})
	}
	out.Output = append(out.Output, functionCalls...)
	return out
}
