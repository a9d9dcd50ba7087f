// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translate implements the format-translation matrix between the
// client-facing wire formats (OpenAI Completions, Anthropic Messages,
// OpenAI Responses) and every upstream AIProvider's native wire format.
// The translators emit Bedrock Converse ("<format>_converse.go"), Gemini
// generateContent (completions_gemini.go), Anthropic Messages
// (completions_messages.go) and the Bedrock CountTokens wrapper
// (tokencount_bedrock.go); pairs whose formats already match pass through
// unchanged.
//
// Translators return plain byte slices rather than the envoy-ext_proc
// HeaderMutation/BodyMutation shape: internal/extprocbridge already owns
// the Envoy-facing mutation types, not the translators themselves, so this
// package has no dependency on Envoy's wire protocol.
package translate

import (
	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
)

// TokenUsage is kept as a small local type, independent of any Envoy or
// ext_proc wire type, so this package has no dependency on the bridge
// packages that call it.
type TokenUsage struct {
	InputTokens  uint32
	OutputTokens uint32
	TotalTokens  uint32
}

// RequestTranslation is the result of translating a client request body
// into the upstream wire format.
type RequestTranslation struct {
	Body          []byte
	PathOverride  string
	Streaming     bool
	ContentLength int
}

// Translator converts between one client-facing format and one upstream
// provider's wire format. Implementations are constructed per request and
// are not safe for concurrent use across requests.
type Translator interface {
	// TranslateRequest rewrites a client request body into the upstream
	// format, returning the path to route to (provider-specific, e.g. a
	// Bedrock "/model/<id>/converse" path) and whether this is a streaming
	// request.
	TranslateRequest(body []byte) (RequestTranslation, error)

	// TranslateResponseHeaders rewrites upstream response headers into the
	// client-facing format's expected headers.
	TranslateResponseHeaders(headers map[string]string) (map[string]string, error)

	// TranslateResponseBody translates one chunk of the upstream response
	// body (the entire body for non-streaming responses, or one SSE/
	// event-stream frame at a time for streaming ones) into the
	// client-facing format, returning token usage once known.
	TranslateResponseBody(headers map[string]string, chunk []byte, endOfStream bool) (
		translated []byte, usage TokenUsage, err error,
	)
}

// BetaHeaderCarrier is implemented by translators that forward the
// request's anthropic-beta header values into the upstream body
// (additionalModelRequestFields.anthropic_beta for Bedrock Converse).
type BetaHeaderCarrier interface {
	SetAnthropicBeta(values []string)
}

// GuardrailCarrier is implemented by translators that attach a
// provider-configured Bedrock Guardrail to the outbound request.
type GuardrailCarrier interface {
	SetGuardrail(identifier, version string)
}

// BedrockMetadataCarrier is implemented by translators that merge the
// request's x-bedrock-metadata header (a flat JSON object; only primitive
// values are taken) into Converse requestMetadata.
type BedrockMetadataCarrier interface {
	SetBedrockMetadataHeader(value string)
}

// Pair identifies a (client format, upstream provider) translation; used to
// select a Translator via NewTranslator.
type Pair struct {
	Route    string // "completions" | "messages" | "responses"
	Provider string // "bedrock" | "openai" | "anthropic" | ...
}

// NewTranslator constructs the Translator for a given client format and
// upstream provider. Providers whose wire format equals the client format
// (OpenAI-to-OpenAI, Anthropic-to-Anthropic) use passthroughTranslator.
// cacheCfg is the AI policy's optional prompt-caching config; it is only
// consulted by the completions->Converse path (the Messages->Converse path
// instead honors per-block cache_control markers the caller's own body
// already carries) and only when the selected model supports Bedrock
// CachePoints at all.
func NewTranslator(pair Pair, modelOverride string, cacheCfg bedrock.CacheConfig) (Translator, error) {
	switch pair.Route {
	case "completions":
		switch pair.Provider {
		case "bedrock":
			return newCompletionsToConverseTranslator(modelOverride, cacheCfg), nil
		case "anthropic":
			return newCompletionsToMessagesTranslator(modelOverride), nil
		case "gemini", "vertex":
			return newCompletionsToGeminiTranslator(modelOverride), nil
		case "openai", "azure-openai":
			return &passthroughTranslator{modelOverride: modelOverride}, nil
		}
	case "messages":
		switch pair.Provider {
		case "bedrock":
			return newMessagesToConverseTranslator(modelOverride), nil
		case "anthropic":
			return &passthroughTranslator{modelOverride: modelOverride}, nil
		}
	case "responses":
		switch pair.Provider {
		case "bedrock":
			return newResponsesToConverseTranslator(modelOverride), nil
		case "openai":
			return &passthroughTranslator{modelOverride: modelOverride}, nil
		}
	case "anthropic-token-count":
		if pair.Provider == "bedrock" {
			return newTokenCountToBedrockTranslator(modelOverride), nil
		}
		if pair.Provider == "anthropic" {
			return &passthroughTranslator{modelOverride: modelOverride}, nil
		}
	case "embeddings":
		// Embeddings are passthrough-only for OpenAI-shaped backends.
		if pair.Provider == "openai" || pair.Provider == "azure-openai" {
			return &passthroughTranslator{modelOverride: modelOverride}, nil
		}
	}
	return nil, gwerrors.New(gwerrors.KindUnsupportedConversion, "no translator for %s -> %s", pair.Route, pair.Provider)
}

// passthroughTranslator handles provider families whose native wire format
// already matches the client-facing format (e.g. an OpenAI-compatible
// vLLM/Azure OpenAI backend receiving an OpenAI Completions request): the
// only rewrite needed is an optional model-name override.
type passthroughTranslator struct {
	modelOverride string
	stream        bool
}

func (t *passthroughTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	newBody := body
	if t.modelOverride != "" {
		var err error
		newBody, err = setJSONField(body, "model", t.modelOverride)
		if err != nil {
			return RequestTranslation{}, err
		}
	}
	t.stream = jsonBoolField(body, "stream")
	return RequestTranslation{Body: newBody, Streaming: t.stream, ContentLength: len(newBody)}, nil
}

func (t *passthroughTranslator) TranslateResponseHeaders(headers map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *passthroughTranslator) TranslateResponseBody(_ map[string]string, chunk []byte, _ bool) ([]byte, TokenUsage, error) {
	return chunk, TokenUsage{}, nil
}
