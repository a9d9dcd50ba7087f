// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package bedrock defines the AWS Bedrock Converse/ConverseStream wire
// types, widened to the shape AWS's public Converse API reference
// documents, plus prompt-caching, guardrail and request-metadata fields.
// See DESIGN.md's "missing-source grounding workarounds" entry.
package bedrock

// ConverseRequest is the Bedrock runtime Converse/ConverseStream request
// body.
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_Converse.html
type ConverseRequest struct {
	Messages                     []Message            `json:"messages,omitempty"`
	System                       []SystemContentBlock `json:"system,omitempty"`
	InferenceConfig              *InferenceConfig     `json:"inferenceConfig,omitempty"`
	ToolConfig                   *ToolConfig          `json:"toolConfig,omitempty"`
	GuardrailConfig              *GuardrailConfig     `json:"guardrailConfig,omitempty"`
	AdditionalModelRequestFields map[string]any       `json:"additionalModelRequestFields,omitempty"`
	RequestMetadata              map[string]string    `json:"requestMetadata,omitempty"`
}

// Message is one turn of a Converse conversation.
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_Message.html
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// SystemContentBlock is one element of the top-level "system" prompt array.
type SystemContentBlock struct {
	Text       string      `json:"text,omitempty"`
	CachePoint *CachePoint `json:"cachePoint,omitempty"`
}

// ContentBlock is a tagged union; exactly one field should be set, mirroring
// the discriminated-union shape of AWS's ContentBlock type.
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_ContentBlock.html
type ContentBlock struct {
	Text             string                 `json:"text,omitempty"`
	Image            *ImageBlock            `json:"image,omitempty"`
	ToolUse          *ToolUseBlock          `json:"toolUse,omitempty"`
	ToolResult       *ToolResultBlock       `json:"toolResult,omitempty"`
	ReasoningContent *ReasoningContentBlock `json:"reasoningContent,omitempty"`
	CachePoint       *CachePoint            `json:"cachePoint,omitempty"`
}

// ReasoningContentBlock carries a model's chain-of-thought: either the
// structured text+signature form or provider-redacted bytes.
type ReasoningContentBlock struct {
	ReasoningText   *ReasoningText `json:"reasoningText,omitempty"`
	RedactedContent []byte         `json:"redactedContent,omitempty"`
}

type ReasoningText struct {
	Text      string `json:"text,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ImageBlock carries inline image bytes (base64 is handled by the JSON
// encoding of Bytes via Go's []byte <-> base64 string marshaling).
type ImageBlock struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Bytes []byte `json:"bytes,omitempty"`
}

// ToolUseBlock is a model-emitted tool invocation.
type ToolUseBlock struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     any    `json:"input"`
}

// ToolResultBlock carries a tool's result back to the model.
type ToolResultBlock struct {
	ToolUseID string                   `json:"toolUseId"`
	Content   []ToolResultContentBlock `json:"content"`
	Status    string                   `json:"status,omitempty"` // "success" | "error"
}

type ToolResultContentBlock struct {
	Text string `json:"text,omitempty"`
	JSON any    `json:"json,omitempty"`
}

// CachePoint marks a prompt-caching boundary. Only "default" is defined
// today. Prompt-caching support (cache_system / cache_messages /
// cache_tools, max 4 cache points per request, second-to-last-user-message
// placement for cache_messages) is implemented in cache.go.
type CachePoint struct {
	Type string `json:"type"`
}

// InferenceConfig holds the common sampling parameters.
type InferenceConfig struct {
	MaxTokens     *int32   `json:"maxTokens,omitempty"`
	Temperature   *float32 `json:"temperature,omitempty"`
	TopP          *float32 `json:"topP,omitempty"`
	TopK          *int32   `json:"topK,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// ToolConfig describes the tools made available to the model.
type ToolConfig struct {
	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice *ToolChoice `json:"toolChoice,omitempty"`
}

type Tool struct {
	ToolSpec   *ToolSpec   `json:"toolSpec,omitempty"`
	CachePoint *CachePoint `json:"cachePoint,omitempty"`
}

type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

type ToolInputSchema struct {
	JSON any `json:"json,omitempty"`
}

// ToolChoice selects "auto", "any", or a specific named tool.
type ToolChoice struct {
	Auto *struct{}           `json:"auto,omitempty"`
	Any  *struct{}           `json:"any,omitempty"`
	Tool *SpecificToolChoice `json:"tool,omitempty"`
}

type SpecificToolChoice struct {
	Name string `json:"name"`
}

// GuardrailConfig attaches a Bedrock Guardrail to the request.
type GuardrailConfig struct {
	GuardrailIdentifier string `json:"guardrailIdentifier"`
	GuardrailVersion    string `json:"guardrailVersion"`
	Trace               string `json:"trace,omitempty"`
}

// ConverseErrorResponse is Bedrock's error body shape for both Converse and
// ConverseStream failures: one human-readable message, with the AWS error
// class (ValidationException, ThrottlingException, ...) carried out of band
// in the x-amzn-errortype response header rather than in the body itself.
type ConverseErrorResponse struct {
	Message string `json:"message"`
}

// ConverseResponse is the non-streaming Converse response.
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_Converse.html#API_runtime_Converse_ResponseSyntax
type ConverseResponse struct {
	Output     ConverseOutput   `json:"output"`
	StopReason string           `json:"stopReason"`
	Usage      TokenUsage       `json:"usage"`
	Metrics    *ConverseMetrics `json:"metrics,omitempty"`
}

type ConverseOutput struct {
	Message Message `json:"message"`
}

// TokenUsage is Bedrock's usage block, including the cache-read/write token
// counts prompt caching adds.
// https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_TokenUsage.html
type TokenUsage struct {
	InputTokens           int `json:"inputTokens"`
	OutputTokens          int `json:"outputTokens"`
	TotalTokens           int `json:"totalTokens"`
	CacheReadInputTokens  int `json:"cacheReadInputTokens,omitempty"`
	CacheWriteInputTokens int `json:"cacheWriteInputTokens,omitempty"`
}

type ConverseMetrics struct {
	LatencyMs int64 `json:"latencyMs"`
}

// --- ConverseStream event types, framed over AWS's vnd.amazon.eventstream
// binary envelope (see stream.go). Exactly one field is populated per event,
// selected by the eventstream frame's ":event-type" header. ---

type MessageStartEvent struct {
	Role string `json:"role"`
}

type ContentBlockStartEvent struct {
	ContentBlockIndex int               `json:"contentBlockIndex"`
	Start             ContentBlockStart `json:"start"`
}

type ContentBlockStart struct {
	ToolUse *ToolUseBlockStart `json:"toolUse,omitempty"`
}

type ToolUseBlockStart struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
}

type ContentBlockDeltaEvent struct {
	ContentBlockIndex int               `json:"contentBlockIndex"`
	Delta             ContentBlockDelta `json:"delta"`
}

type ContentBlockDelta struct {
	Text             string                 `json:"text,omitempty"`
	ToolUse          *ToolUseBlockDelta     `json:"toolUse,omitempty"`
	ReasoningContent *ReasoningContentDelta `json:"reasoningContent,omitempty"`
}

// ReasoningContentDelta streams one fragment of a reasoning block: text,
// the closing signature, or redacted bytes.
type ReasoningContentDelta struct {
	Text            string `json:"text,omitempty"`
	Signature       string `json:"signature,omitempty"`
	RedactedContent []byte `json:"redactedContent,omitempty"`
}

// ToolUseBlockDelta carries a fragment of the tool input JSON, appended to
// the per-block buffer keyed by ContentBlockIndex until ContentBlockStop.
type ToolUseBlockDelta struct {
	Input string `json:"input"`
}

type ContentBlockStopEvent struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
}

type MessageStopEvent struct {
	StopReason string `json:"stopReason"`
}

// MetadataEvent arrives last and carries the usage totals deferred until
// the full response has streamed.
type MetadataEvent struct {
	Usage   TokenUsage       `json:"usage"`
	Metrics *ConverseMetrics `json:"metrics,omitempty"`
}
