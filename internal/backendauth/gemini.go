// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"context"
	"fmt"
	"strings"
)

// GeminiAPIKeyAuthConfig configures the Gemini Developer API's
// query-parameter key auth (distinct from GCPAuthConfig's Vertex AI OAuth2
// flow).
type GeminiAPIKeyAuthConfig struct {
	Key string
}

type geminiAPIKeyHandler struct{ apiKey string }

func newGeminiAPIKeyHandler(cfg *GeminiAPIKeyAuthConfig) (Handler, error) {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		return nil, fmt.Errorf("gemini api key auth: key is required")
	}
	return &geminiAPIKeyHandler{apiKey: key}, nil
}

// Do appends "key=<api-key>" to the request URL's query string, the format
// the Gemini API requires (https://ai.google.dev/gemini-api/docs/api-key).
func (g *geminiAPIKeyHandler) Do(_ context.Context, req *Request) error {
	sep := "?"
	if strings.Contains(req.URL, "?") {
		sep = "&"
	}
	req.URL = fmt.Sprintf("%s%skey=%s", req.URL, sep, g.apiKey)
	return nil
}
