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
	"google.golang.org/genai"

	"github.com/agentgateway/agentgateway-go/internal/apischema/gcp"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// completionsToGeminiTranslator translates OpenAI /chat/completions
// requests and responses to/from the Gemini generateContent API, used for
// both the Gemini Developer API and Vertex AI (same wire format, different
// host/auth).
type completionsToGeminiTranslator struct {
	modelOverride string
	stream        bool
	streamBuf     []byte
	chunkID       string
	model         string
	sentRole      bool
}

func newCompletionsToGeminiTranslator(modelOverride string) *completionsToGeminiTranslator {
	return &completionsToGeminiTranslator{modelOverride: modelOverride}
}

func (t *completionsToGeminiTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return RequestTranslation{}, fmt.Errorf("completions->gemini: decode request: %w", err)
	}
	if t.modelOverride != "" {
		req.Model = t.modelOverride
	}
	t.stream = req.Stream
	t.model = req.Model
	t.chunkID = "chatcmpl-" + uuid.NewString()

	contents, systemInstruction, err := completionsMessagesToGeminiContents(req.Messages)
	if err != nil {
		return RequestTranslation{}, err
	}
	out := gcp.GenerateContentRequest{
		Contents:          contents,
		SystemInstruction: systemInstruction,
		GenerationConfig:  completionsToGeminiGenerationConfig(&req),
	}
	if tools := completionsToolsToGeminiTools(req.Tools); tools != nil {
		out.Tools = tools
		out.ToolConfig = completionsToolChoiceToGeminiToolConfig(req.ToolChoice)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return RequestTranslation{}, fmt.Errorf("completions->gemini: encode request: %w", err)
	}
	method := "generateContent"
	if req.Stream {
		method = "streamGenerateContent?alt=sse"
	}
	path := fmt.Sprintf("/v1beta/models/%s:%s", req.Model, method)
	return RequestTranslation{Body: encoded, PathOverride: path, Streaming: req.Stream, ContentLength: len(encoded)}, nil
}

// completionsMessagesToGeminiContents maps the messages array onto Gemini
// contents plus an optional systemInstruction. Consecutive user/tool
// messages merge into one user content; assistant messages map to the
// model role. Non-text parts are dropped.
func completionsMessagesToGeminiContents(messages []openai.ChatCompletionMessage) ([]genai.Content, *genai.Content, error) {
	var contents []genai.Content
	var systemInstruction *genai.Content
	knownToolCalls := make(map[string]string)
	var pending []*genai.Part

	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			if text := contentToText(msg.Content); text != "" {
				if systemInstruction == nil {
					systemInstruction = &genai.Content{}
				}
				systemInstruction.Parts = append(systemInstruction.Parts, &genai.Part{Text: text})
			}
		case "user":
			if text := contentToText(msg.Content); text != "" {
				pending = append(pending, &genai.Part{Text: text})
			}
		case "tool":
			name := knownToolCalls[msg.ToolCallID]
			pending = append(pending, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     name,
				Response: map[string]any{"output": contentToText(msg.Content)},
			}})
		case "assistant":
			if len(pending) > 0 {
				contents = append(contents, genai.Content{Role: genai.RoleUser, Parts: pending})
				pending = nil
			}
			var parts []*genai.Part
			if text := contentToText(msg.Content); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, call := range msg.ToolCalls {
				args := map[string]any{}
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					args = map[string]any{}
				}
				knownToolCalls[call.ID] = call.Function.Name
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Function.Name,
					Args: args,
				}})
			}
			contents = append(contents, genai.Content{Role: genai.RoleModel, Parts: parts})
		default:
			return nil, nil, fmt.Errorf("completions->gemini: invalid role %q", msg.Role)
		}
	}
	if len(pending) > 0 {
		contents = append(contents, genai.Content{Role: genai.RoleUser, Parts: pending})
	}
	return contents, systemInstruction, nil
}

func completionsToGeminiGenerationConfig(req *openai.ChatCompletionRequest) *genai.GenerationConfig {
	gc := &genai.GenerationConfig{}
	if req.Temperature != nil {
		f := float32(*req.Temperature)
		gc.Temperature = &f
	}
	if req.TopP != nil {
		f := float32(*req.TopP)
		gc.TopP = &f
	}
	if req.MaxTokens != nil {
		gc.MaxOutputTokens = int32(*req.MaxTokens)
	} else if req.MaxCompletionTokens != nil {
		gc.MaxOutputTokens = int32(*req.MaxCompletionTokens)
	}
	if req.N != nil {
		gc.CandidateCount = int32(*req.N)
	}
	switch stop := req.Stop.(type) {
	case string:
		gc.StopSequences = []string{stop}
	case []interface{}:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				gc.StopSequences = append(gc.StopSequences, str)
			}
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		gc.ResponseMIMEType = "application/json"
	}
	return gc
}

func completionsToolsToGeminiTools(tools []openai.Tool) []genai.Tool {
	var decls []*genai.FunctionDeclaration
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tool.Function.Name,
			Description:          tool.Function.Description,
			ParametersJsonSchema: tool.Function.Parameters,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []genai.Tool{{FunctionDeclarations: decls}}
}

func completionsToolChoiceToGeminiToolConfig(toolChoice interface{}) *genai.ToolConfig {
	switch tc := toolChoice.(type) {
	case string:
		switch tc {
		case "auto":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}}
		case "none":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeNone}}
		case "required":
			return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAny}}
		}
		return nil
	case map[string]interface{}:
		if fn, ok := tc["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode:                 genai.FunctionCallingConfigModeAny,
					AllowedFunctionNames: []string{name},
				}}
			}
		}
		return nil
	default:
		return nil
	}
}

func (t *completionsToGeminiTranslator) TranslateResponseHeaders(map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *completionsToGeminiTranslator) TranslateResponseBody(headers map[string]string, chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
	if t.stream {
		return t.translateGeminiStreamChunk(chunk, endOfStream)
	}
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, TokenUsage{}, fmt.Errorf("gemini->completions: decode response: %w", err)
	}
	out := &openai.ChatCompletionResponse{
		ID:      t.chunkID,
		Object:  "chat.completion",
		Model:   t.model,
		Choices: geminiCandidatesToChoices(resp.Candidates),
		Usage:   geminiUsageToOpenAI(resp.UsageMetadata),
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("gemini->completions: encode response: %w", err)
	}
	usage := TokenUsage{
		InputTokens:  uint32(out.Usage.PromptTokens),
		OutputTokens: uint32(out.Usage.CompletionTokens),
		TotalTokens:  uint32(out.Usage.TotalTokens),
	}
	return b, usage, nil
}

func geminiCandidatesToChoices(candidates []*genai.Candidate) []openai.ChatCompletionChoice {
	choices := make([]openai.ChatCompletionChoice, 0, len(candidates))
	for idx, candidate := range candidates {
		if candidate == nil {
			continue
		}
		var text strings.Builder
		var toolCalls []openai.ToolCall
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				text.WriteString(part.Text)
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					id := part.FunctionCall.ID
					if id == "" {
						id = "call-" + uuid.NewString()
					}
					toolCalls = append(toolCalls, openai.ToolCall{
						ID:       id,
						Type:     "function",
						Function: openai.FunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)},
					})
				}
			}
		}
		choices = append(choices, openai.ChatCompletionChoice{
			Index: idx,
			Message: openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   text.String(),
				ToolCalls: toolCalls,
			},
			FinishReason: geminiFinishReasonToOpenAI(candidate.FinishReason, len(toolCalls) > 0),
		})
	}
	return choices
}

func geminiFinishReasonToOpenAI(reason genai.FinishReason, hasToolCalls bool) string {
	switch reason {
	case genai.FinishReasonStop:
		if hasToolCalls {
			return "tool_calls"
		}
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case "":
		// Intermediate streaming chunks carry no finish reason.
		return ""
	default:
		return "content_filter"
	}
}

func geminiUsageToOpenAI(metadata *genai.GenerateContentResponseUsageMetadata) openai.Usage {
	if metadata == nil {
		return openai.Usage{}
	}
	return openai.Usage{
		PromptTokens:     int(metadata.PromptTokenCount),
		CompletionTokens: int(metadata.CandidatesTokenCount) + int(metadata.ThoughtsTokenCount),
		TotalTokens:      int(metadata.TotalTokenCount),
	}
}

// translateGeminiStreamChunk re-emits streamGenerateContent's SSE frames
// (each data payload a complete GenerateContentResponse) as OpenAI
// chat.completion.chunk frames.
func (t *completionsToGeminiTranslator) translateGeminiStreamChunk(chunk []byte, endOfStream bool) ([]byte, TokenUsage, error) {
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
		var resp genai.GenerateContentResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, TokenUsage{}, fmt.Errorf("gemini->completions stream: decode frame: %w", err)
		}
		sse, u := t.completionsChunkForGeminiResponse(&resp)
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

func (t *completionsToGeminiTranslator) completionsChunkForGeminiResponse(resp *genai.GenerateContentResponse) ([]byte, TokenUsage) {
	var out bytes.Buffer
	var usage TokenUsage
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		delta := openai.ChatCompletionDelta{}
		if !t.sentRole {
			delta.Role = "assistant"
			t.sentRole = true
		}
		var toolCalls []openai.ToolCall
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			delta.Content += part.Text
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				id := part.FunctionCall.ID
				if id == "" {
					id = "call-" + uuid.NewString()
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:       id,
					Type:     "function",
					Function: openai.FunctionCall{Name: part.FunctionCall.Name, Arguments: string(args)},
				})
			}
		}
		delta.ToolCalls = toolCalls
		choice := openai.ChatCompletionChunkChoice{Delta: delta}
		if reason := geminiFinishReasonToOpenAI(candidate.FinishReason, len(toolCalls) > 0); reason != "" {
			choice.FinishReason = &reason
		}
		chunk := openai.ChatCompletionResponseChunk{
			ID:      t.chunkID,
			Object:  "chat.completion.chunk",
			Model:   t.model,
			Choices: []openai.ChatCompletionChunkChoice{choice},
		}
		if b, err := json.Marshal(chunk); err == nil {
			out.WriteString("data: ")
			out.Write(b)
			out.WriteString("\n\n")
		}
	}
	if resp.UsageMetadata != nil {
		u := geminiUsageToOpenAI(resp.UsageMetadata)
		usage = TokenUsage{
			InputTokens:  uint32(u.PromptTokens),
			OutputTokens: uint32(u.CompletionTokens),
			TotalTokens:  uint32(u.TotalTokens),
		}
		chunk := openai.ChatCompletionResponseChunk{
			ID:     t.chunkID,
			Object: "chat.completion.chunk",
			Model:  t.model,
			Usage:  &u,
		}
		if b, err := json.Marshal(chunk); err == nil {
			out.WriteString("data: ")
			out.Write(b)
			out.WriteString("\n\n")
		}
	}
	return out.Bytes(), usage
}
