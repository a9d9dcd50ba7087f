// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gcp holds the raw generateContent wire shape for the Gemini API
// and Vertex AI. The genai SDK's own types cover the nested structures
// (contents, tools, generation config) but its client wraps the top-level
// request; proxying needs the plain request envelope to marshal directly.
package gcp

import "google.golang.org/genai"

// GenerateContentRequest is the request body of
// models/{model}:generateContent and :streamGenerateContent.
type GenerateContentRequest struct {
	Contents          []genai.Content         `json:"contents"`
	Tools             []genai.Tool            `json:"tools,omitempty"`
	ToolConfig        *genai.ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
}
