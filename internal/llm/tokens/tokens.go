// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokens implements BPE-based request-time token estimation and
// the post-response rate-limit amendment delta, feeding the
// input_tokens/output_tokens/total_tokens values the CEL cost expressions
// reference as first-class values.
package tokens

import (
	"context"
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// perMessageOverhead and perReplyPriming implement the token-counting
// formula: 3 + 1 (role) + bpe(content) per message, plus a trailing 3 for
// the assistant reply priming.
const (
	perMessageOverhead = 3
	perRoleOverhead    = 1
	replyPriming       = 3
)

// codecByModel maps a model name prefix to the BPE codec OpenAI's
// tokenizers use for it. Unknown models default to Cl100kBase.
var codecByModel = map[string]tokenizer.Encoding{
	"gpt-4o":  tokenizer.Cl100kBase,
	"gpt-4":   tokenizer.Cl100kBase,
	"gpt-3.5": tokenizer.Cl100kBase,
	"o1":      tokenizer.O200kBase,
	"o3":      tokenizer.O200kBase,
	"gpt-5":   tokenizer.O200kBase,
}

// supportedCodecs is the set of chat-capable BPEs this estimator accepts;
// any other codec (e.g. a legacy completion-only BPE) is rejected per the
// spec's tokenize=true UnsupportedModel edge case.
var supportedCodecs = map[tokenizer.Encoding]bool{
	tokenizer.Cl100kBase: true,
	tokenizer.O200kBase:  true,
}

// Preload warms the BPE tokenizer for codec in a background task, since
// initial load is roughly 200ms; called the first time a tokenizing
// provider is seen for a given codec.
func Preload(ctx context.Context, codec tokenizer.Encoding) {
	go func() {
		_, _ = tokenizer.Get(codec)
	}()
}

// PreloadForModel warms the BPE selected for model; callers that know their
// tokenizing models up front (backend registry construction) use this so
// the first request doesn't pay the load cost.
func PreloadForModel(ctx context.Context, model string) {
	Preload(ctx, codecForModel(model))
}

func codecForModel(model string) tokenizer.Encoding {
	for prefix, codec := range codecByModel {
		if strings.HasPrefix(model, prefix) {
			return codec
		}
	}
	return tokenizer.Cl100kBase
}

// Estimator counts tokens for a single request using the BPE selected for
// its model.
type Estimator struct {
	codec tokenizer.Encoding
}

// NewEstimator selects a BPE for model, defaulting to Cl100kBase when the
// model is unrecognized, and rejects tokenizers that aren't one of the two
// chat-capable BPEs OpenAI's current model families use.
func NewEstimator(model string) (*Estimator, error) {
	codec := codecForModel(model)
	if !supportedCodecs[codec] {
		return nil, fmt.Errorf("tokens: unsupported tokenizer codec %v for model %q", codec, model)
	}
	return &Estimator{codec: codec}, nil
}

// EstimateChatCompletion counts input tokens for a /chat/completions
// request: per-message overhead (3 + 1 role token) plus the BPE count of
// each message's flattened text content, plus a trailing 3-token reply
// priming.
func (e *Estimator) EstimateChatCompletion(messages []openai.ChatCompletionMessage) (int, error) {
	enc, err := tokenizer.Get(e.codec)
	if err != nil {
		return 0, fmt.Errorf("tokens: load codec: %w", err)
	}
	total := replyPriming
	for _, m := range messages {
		total += perMessageOverhead + perRoleOverhead
		text := flattenContent(m.Content)
		ids, _, err := enc.Encode(text)
		if err != nil {
			return 0, fmt.Errorf("tokens: encode message: %w", err)
		}
		total += len(ids)
	}
	return total, nil
}

// EstimateText counts tokens in a single string, used for non-chat
// estimation paths (e.g. a Messages API system prompt or Responses input).
func (e *Estimator) EstimateText(text string) (int, error) {
	enc, err := tokenizer.Get(e.codec)
	if err != nil {
		return 0, fmt.Errorf("tokens: load codec: %w", err)
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("tokens: encode text: %w", err)
	}
	return len(ids), nil
}

func flattenContent(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var b strings.Builder
		for _, part := range v {
			if m, ok := part.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// AmendDelta computes the rate-limit credit/debit to apply once the real
// upstream usage is known: (actual_input - estimated_input) + actual_output.
// A positive result debits additional tokens from the bucket (the estimate
// undercounted, or output consumed capacity that was never pre-debited); a
// negative result credits tokens back (the estimate overcounted).
func AmendDelta(estimatedInput, actualInput, actualOutput int) int {
	return (actualInput - estimatedInput) + actualOutput
}
