// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package provider

import "strings"

// SetupRequest applies this provider's default upstream host and path (for
// the routes whose path is fixed rather than produced by a
// llm/translate.Translator) and stamps any headers every request to this
// provider must carry, such as Anthropic's x-api-key/anthropic-version
// pair: host/path defaults first, then provider-mandatory headers.
//
// pathOverride is the path a translate.Translator already produced (e.g. a
// Bedrock Converse path); when non-empty it wins over this provider's
// default path for route. host is empty for providers whose endpoint is
// backend-specific (Bedrock's region, Vertex's project/location, Azure
// OpenAI's resource) -- callers fall back to NamedAIProvider.Endpoint there.
func (p AIProvider) SetupRequest(headers map[string]string, route RouteType, pathOverride string) (host, path string) {
	path = pathOverride
	switch p {
	case ProviderOpenAI:
		host = "api.openai.com"
		if path == "" {
			path = openAIPath(route)
		}
	case ProviderAnthropic:
		host = "api.anthropic.com"
		if path == "" {
			path = anthropicPath(route)
		}
		setAnthropicRequiredHeaders(headers)
	case ProviderGemini:
		host = "generativelanguage.googleapis.com"
	case ProviderBedrock, ProviderVertex, ProviderAzureOpenAI:
		// Host is backend-specific, supplied by the NamedAIProvider's
		// Endpoint; only the path (when a translator produced one) is
		// rewritten here.
	}
	return host, path
}

func openAIPath(route RouteType) string {
	switch route {
	case RouteResponses:
		return "/v1/responses"
	case RouteEmbeddings:
		return "/v1/embeddings"
	default:
		return "/v1/chat/completions"
	}
}

func anthropicPath(route RouteType) string {
	if route == RouteAnthropicTokenCount {
		return "/v1/messages/count_tokens"
	}
	return "/v1/messages"
}

// setAnthropicRequiredHeaders moves a client-supplied bearer token into
// Anthropic's x-api-key header and stamps the anthropic-version header
// every Anthropic request must carry.
// https://docs.anthropic.com/en/api/versioning
func setAnthropicRequiredHeaders(h map[string]string) {
	if h == nil {
		return
	}
	if auth, ok := h["authorization"]; ok {
		delete(h, "authorization")
		h["x-api-key"] = strings.TrimPrefix(auth, "Bearer ")
	}
	if _, ok := h["anthropic-version"]; !ok {
		h["anthropic-version"] = "2023-06-01"
	}
}
