// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package provider implements the closed-enum LLM backend provider model:
// one switch-dispatched type standing in for a family of per-provider
// translator factories, one per upstream wire protocol (OpenAI-over-Bedrock,
// OpenAI-over-Vertex, OpenAI-over-AzureOpenAI, Anthropic-over-Bedrock,
// Anthropic-over-GCP).
package provider

import (
	"fmt"

	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
)

// AIProvider is a closed enum of the upstream wire protocols this gateway
// speaks, preferred over an open plugin/interface scheme: the provider set
// changes rarely and every addition already requires a format translator
// anyway.
type AIProvider int

const (
	ProviderOpenAI AIProvider = iota
	ProviderGemini
	ProviderVertex
	ProviderAnthropic
	ProviderBedrock
	ProviderAzureOpenAI
)

func (p AIProvider) String() string {
	switch p {
	case ProviderOpenAI:
		return "openai"
	case ProviderGemini:
		return "gemini"
	case ProviderVertex:
		return "vertex"
	case ProviderAnthropic:
		return "anthropic"
	case ProviderBedrock:
		return "bedrock"
	case ProviderAzureOpenAI:
		return "azure-openai"
	default:
		return "unknown"
	}
}

func ParseProvider(s string) (AIProvider, error) {
	switch s {
	case "openai":
		return ProviderOpenAI, nil
	case "gemini":
		return ProviderGemini, nil
	case "vertex":
		return ProviderVertex, nil
	case "anthropic":
		return ProviderAnthropic, nil
	case "bedrock":
		return ProviderBedrock, nil
	case "azure-openai":
		return ProviderAzureOpenAI, nil
	default:
		return 0, fmt.Errorf("unknown provider %q", s)
	}
}

// RouteType is the client-facing API shape a request arrives in, routed
// independently of the upstream AIProvider: one value per client-facing
// entrypoint (completions, messages, responses), generalized to name every
// provider x format pair this gateway must translate between.
type RouteType int

const (
	RouteCompletions RouteType = iota
	RouteMessages
	RouteResponses
	RouteAnthropicTokenCount
	RouteEmbeddings
)

func (r RouteType) String() string {
	switch r {
	case RouteCompletions:
		return "completions"
	case RouteMessages:
		return "messages"
	case RouteResponses:
		return "responses"
	case RouteAnthropicTokenCount:
		return "anthropic-token-count"
	case RouteEmbeddings:
		return "embeddings"
	default:
		return "unknown"
	}
}

func ParseRouteType(s string) (RouteType, error) {
	switch s {
	case "completions":
		return RouteCompletions, nil
	case "messages":
		return RouteMessages, nil
	case "responses":
		return RouteResponses, nil
	case "anthropic-token-count":
		return RouteAnthropicTokenCount, nil
	case "embeddings":
		return RouteEmbeddings, nil
	default:
		return 0, fmt.Errorf("unknown route type %q", s)
	}
}

// NamedAIProvider binds a logical backend name (as referenced by policy
// Targets and routing config) to the wire provider and model it actually
// speaks to, plus the per-backend auth handler.
type NamedAIProvider struct {
	Name     string
	Provider AIProvider
	Model    string
	// Endpoint is the upstream base URL (e.g. a Bedrock runtime regional
	// endpoint, or an Azure OpenAI resource URL).
	Endpoint string
	// Weight is this backend's relative share of traffic, consumed by
	// Selector.Select.
	Weight int
	// PromptCache is the optional AI policy prompt-caching config for this
	// provider's completions->Converse path; the zero value caches nothing.
	PromptCache bedrock.CacheConfig
	// GuardrailIdentifier/GuardrailVersion attach a Bedrock Guardrail to
	// every Converse request routed through this provider.
	GuardrailIdentifier string
	GuardrailVersion    string
}

// AIBackend groups the set of NamedAIProvider entries a single logical
// backend load-balances across.
type AIBackend struct {
	Name      string
	Providers []NamedAIProvider
}
