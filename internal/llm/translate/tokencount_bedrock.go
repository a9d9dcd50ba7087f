// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// tokenCountToBedrockTranslator serves Anthropic /v1/messages/count_tokens
// against Bedrock's CountTokens API: the Anthropic-shaped body is wrapped
// base64-encoded into an InvokeModel input, with max_tokens pinned to 1 and
// a default anthropic_version stamped in when the caller didn't send one.
type tokenCountToBedrockTranslator struct {
	modelOverride string
	model         string
}

func newTokenCountToBedrockTranslator(modelOverride string) *tokenCountToBedrockTranslator {
	return &tokenCountToBedrockTranslator{modelOverride: modelOverride}
}

func (t *tokenCountToBedrockTranslator) TranslateRequest(body []byte) (RequestTranslation, error) {
	model := gjson.GetBytes(body, "model").String()
	if t.modelOverride != "" {
		model = t.modelOverride
	}
	t.model = model

	inner := body
	var err error
	if inner, err = sjson.SetBytes(inner, "model", model); err != nil {
		return RequestTranslation{}, fmt.Errorf("count_tokens->bedrock: set model: %w", err)
	}
	if inner, err = sjson.SetBytes(inner, "max_tokens", 1); err != nil {
		return RequestTranslation{}, fmt.Errorf("count_tokens->bedrock: set max_tokens: %w", err)
	}
	if !gjson.GetBytes(inner, "anthropic_version").Exists() {
		if inner, err = sjson.SetBytes(inner, "anthropic_version", "2023-06-01"); err != nil {
			return RequestTranslation{}, fmt.Errorf("count_tokens->bedrock: set anthropic_version: %w", err)
		}
	}

	wrapped, err := json.Marshal(map[string]any{
		"input": map[string]any{
			"invokeModel": map[string]any{
				"body": base64.StdEncoding.EncodeToString(inner),
			},
		},
	})
	if err != nil {
		return RequestTranslation{}, fmt.Errorf("count_tokens->bedrock: encode request: %w", err)
	}
	return RequestTranslation{
		Body:          wrapped,
		PathOverride:  fmt.Sprintf("/model/%s/count-tokens", model),
		ContentLength: len(wrapped),
	}, nil
}

func (t *tokenCountToBedrockTranslator) TranslateResponseHeaders(map[string]string) (map[string]string, error) {
	return nil, nil
}

func (t *tokenCountToBedrockTranslator) TranslateResponseBody(_ map[string]string, chunk []byte, _ bool) ([]byte, TokenUsage, error) {
	inputTokens := gjson.GetBytes(chunk, "inputTokens").Int()
	out, err := json.Marshal(map[string]any{"input_tokens": inputTokens})
	if err != nil {
		return nil, TokenUsage{}, fmt.Errorf("bedrock->count_tokens: encode response: %w", err)
	}
	return out, TokenUsage{InputTokens: uint32(inputTokens)}, nil
}
