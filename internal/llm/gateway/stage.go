// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package gateway wires internal/llm/provider, internal/llm/translate and
// internal/llm/tokens into a single pipeline.Stage: request rewriting,
// response parsing, and streaming translation need a caller that actually
// resolves a backend, picks a provider, runs the translator across both the
// request and response phases of one ext_proc stream, signs the outbound
// call, and amends token accounting. Stage is a single type shared by every
// RouteType, following this module's closed-enum-over-virtual-dispatch
// design rather than one processor type per route.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
	"github.com/agentgateway/agentgateway-go/internal/backendauth"
	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/llm/provider"
	"github.com/agentgateway/agentgateway-go/internal/llm/tokens"
	"github.com/agentgateway/agentgateway-go/internal/llm/translate"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// backendHeader carries the logical backend name a preceding routing policy
// resolved for this request, the same convention internal/mcp uses
// (x-agentgateway-mcp-backend) generalized to the HTTP LLM path: route
// matching and XDS config ingestion are an out-of-scope collaborator here,
// so Stage consumes the resolved name, it does not resolve it from a route
// table itself.
const backendHeader = "x-agentgateway-backend"

// Backend binds a logical backend name to the providers it load-balances
// across (NamedAIProvider.Weight, consumed by provider.Selector), the
// client-facing RouteType it serves, and the Handler that signs outbound
// requests to it.
type Backend struct {
	Name  string
	Route provider.RouteType
	AI    *provider.AIBackend
	Auth  backendauth.Handler
	// Selector carries the in-flight counts power-of-two-choices selection
	// needs across requests; one per Backend, shared by every Stage.
	Selector *provider.Selector
}

// Registry resolves a backend name to its Backend.
type Registry map[string]*Backend

// Stage is the pipeline.Stage driving C6-C8. One Stage is constructed per
// ext_proc stream (see internal/extprocbridge.Server.NewPipeline) and its
// Evaluate method is called once per phase of that stream -- request
// headers, request body, response headers, response body -- so it is safe
// for Stage to carry state (the selected provider, the live Translator,
// the pending token estimate) from the request phase forward into the
// response phase of the very same call.
type Stage struct {
	Registry Registry

	selected        provider.NamedAIProvider
	release         func()
	translator      translate.Translator
	backend         *Backend
	estimatedInput  int
	requestHandled  bool
	respHeadersDone bool
}

// NewStage builds a Stage resolving backends from registry.
func NewStage(registry Registry) *Stage {
	return &Stage{Registry: registry}
}

func (s *Stage) Name() string { return "llm-gateway" }

// Evaluate dispatches on whether a Response has been set on snap yet: no
// Response means this call is one of the two request-phase calls, a
// Response means it's one of the two response-phase calls. Grounded on the
// same phase-detection idiom internal/extprocbridge itself uses to drive
// which snapshot setter to call.
func (s *Stage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	if snap.Response() != nil {
		return s.evaluateResponse(snap)
	}
	return s.evaluateRequest(ctx, snap)
}

func (s *Stage) evaluateRequest(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	req := snap.Request()
	// Nothing to translate until the whole client body has arrived (the
	// request-headers phase call, and every request-body phase call before
	// the final chunk, are no-ops); Evaluate runs again on every chunk, so
	// requestHandled guards against repeating the translation once it has.
	if req == nil || !req.EndOfStream || s.requestHandled {
		return pipeline.Continue(nil), nil
	}
	s.requestHandled = true

	name := req.Headers[backendHeader]
	s.backend = s.Registry[name]
	if s.backend == nil {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUpstreamError, "llm gateway: unknown backend %q", name)
	}

	sel := s.backend.Selector
	if sel == nil {
		// No shared selector wired: degrade to a per-request pick rather
		// than racing a lazy write against other streams.
		sel = provider.NewSelector(s.backend.AI)
	}
	selected, release, err := sel.Select(s.backend.AI)
	if err != nil {
		return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUpstreamError, err, "llm gateway: select provider for backend %q", s.backend.Name)
	}
	s.selected = selected
	s.release = release

	t, err := translate.NewTranslator(translate.Pair{Route: s.backend.Route.String(), Provider: selected.Provider.String()}, selected.Model, selected.PromptCache)
	if err != nil {
		s.release()
		return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "llm gateway: build translator")
	}
	if carrier, ok := t.(translate.BetaHeaderCarrier); ok {
		if beta := req.Headers["anthropic-beta"]; beta != "" {
			carrier.SetAnthropicBeta([]string{beta})
		}
	}
	if carrier, ok := t.(translate.GuardrailCarrier); ok && selected.GuardrailIdentifier != "" {
		carrier.SetGuardrail(selected.GuardrailIdentifier, selected.GuardrailVersion)
	}
	if carrier, ok := t.(translate.BedrockMetadataCarrier); ok {
		if md := req.Headers["x-bedrock-metadata"]; md != "" {
			carrier.SetBedrockMetadataHeader(md)
		}
	}
	s.translator = t

	if est, estErr := tokens.NewEstimator(selected.Model); estErr == nil {
		if n, countErr := estimateInputTokens(s.backend.Route, req.Body, est); countErr == nil {
			s.estimatedInput = n
		}
	}

	result, err := t.TranslateRequest(req.Body)
	if err != nil {
		s.release()
		return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "llm gateway: translate request")
	}

	snap.SetLLM(&snapshot.LLM{
		Model:       selected.Model,
		BackendName: s.backend.Name,
		InputTokens: int64(s.estimatedInput),
		Streaming:   result.Streaming,
	})

	host, path := selected.Provider.SetupRequest(req.Headers, s.backend.Route, result.PathOverride)
	if host == "" {
		host = selected.Endpoint
	}

	authReq := &backendauth.Request{Method: req.Method, URL: "https://" + host + path, Headers: req.Headers, Body: result.Body}
	if s.backend.Auth != nil {
		if err := s.backend.Auth.Do(ctx, authReq); err != nil {
			s.release()
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUpstreamError, err, "llm gateway: sign backend request")
		}
	}

	mutations := []headers.Mutation{
		{Key: ":authority", Value: host, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true},
		{Key: ":path", Value: path, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true},
	}
	for k, v := range authReq.Headers {
		if k == ":authority" || k == ":path" {
			continue
		}
		mutations = append(mutations, headers.Mutation{Key: k, Value: v, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true})
	}

	d := pipeline.Continue(mutations)
	d.BodyMutation = authReq.Body
	return d, nil
}

func (s *Stage) evaluateResponse(snap *snapshot.Snapshot) (pipeline.Decision, error) {
	resp := snap.Response()
	if s.translator == nil {
		// The request phase never selected a provider (a denied/short-
		// circuited request, or a backend this Stage doesn't own) so the
		// response passes through untouched.
		return pipeline.Continue(nil), nil
	}

	if !s.respHeadersDone {
		s.respHeadersDone = true
		translated, err := s.translator.TranslateResponseHeaders(resp.Headers)
		if err != nil {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "llm gateway: translate response headers")
		}
		mutations := make([]headers.Mutation, 0, len(translated))
		for k, v := range translated {
			mutations = append(mutations, headers.Mutation{Key: k, Value: v, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true})
		}
		return pipeline.Continue(mutations), nil
	}

	// A non-2xx upstream status means LastChunk is an error body in the
	// backend's own shape (Bedrock's ConverseErrorResponse, or an upstream
	// OpenAI/Anthropic error already in a recognizable shape), never a
	// translatable success body, so it gets its own envelope translation
	// instead of the provider's usual TranslateResponseBody path.
	if resp.Status >= 400 {
		translated, translateErr := translate.TranslateError(s.backend.Route.String(), bytes.NewReader(resp.LastChunk))
		if translateErr != nil {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, translateErr, "llm gateway: translate error response")
		}
		if resp.EndOfStream && s.release != nil {
			s.release()
			s.release = nil
		}
		d := pipeline.Continue(nil)
		d.BodyMutation = translated
		return d, nil
	}

	translated, usage, err := s.translator.TranslateResponseBody(resp.Headers, resp.LastChunk, resp.EndOfStream)
	if err != nil {
		return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "llm gateway: translate response body")
	}

	if usage.TotalTokens > 0 {
		if llm := snap.LLM(); llm != nil {
			// Once the upstream's real usage is known, it replaces the
			// pre-request BPE estimate. The rate-limit correction for the
			// difference (tokens.AmendDelta, ratelimit.LocalLimiter.Amend)
			// is not applied here, and internal/ratelimit does not read
			// snapshot.LLM.
			llm.InputTokens = int64(usage.InputTokens)
			llm.OutputTokens = int64(usage.OutputTokens)
			llm.TotalTokens = int64(usage.TotalTokens)
		}
	}

	if resp.EndOfStream && s.release != nil {
		s.release()
		s.release = nil
	}

	d := pipeline.Continue(nil)
	d.BodyMutation = translated
	return d, nil
}

// estimateInputTokens counts input tokens for the client-facing body before
// translation, since rate-limit accounting is scoped to what the client
// sent, not to the upstream's rewritten wire format. Only RouteCompletions
// gets the precise per-message BPE formula (tokens.EstimateChatCompletion);
// the other two client formats fall back to counting the whole raw body as
// one text blob, an approximation documented in DESIGN.md rather than
// parsing Anthropic Messages/OpenAI Responses' distinct body shapes here.
func estimateInputTokens(route provider.RouteType, body []byte, est *tokens.Estimator) (int, error) {
	if route == provider.RouteCompletions {
		var req openai.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return 0, fmt.Errorf("llm gateway: decode chat completion request: %w", err)
		}
		return est.EstimateChatCompletion(req.Messages)
	}
	return est.EstimateText(string(body))
}
