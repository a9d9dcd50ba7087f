// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/backendauth"
	"github.com/agentgateway/agentgateway-go/internal/llm/provider"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

type fakeAuthHandler struct{ calls int }

func (f *fakeAuthHandler) Do(_ context.Context, req *backendauth.Request) error {
	f.calls++
	req.Headers["authorization"] = "Bearer signed-token"
	return nil
}

func TestStageTranslatesRequestAndResponse(t *testing.T) {
	auth := &fakeAuthHandler{}
	registry := Registry{
		"chat": {
			Name:  "chat",
			Route: provider.RouteCompletions,
			AI: &provider.AIBackend{
				Name: "chat",
				Providers: []provider.NamedAIProvider{
					{Name: "p1", Provider: provider.ProviderOpenAI, Model: "gpt-4o-mini", Endpoint: "api.openai.com"},
				},
			},
			Auth: auth,
		},
	}
	stage := NewStage(registry)

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{
		Method:  "POST",
		Path:    "/v1/chat/completions",
		Headers: map[string]string{backendHeader: "chat", "content-type": "application/json"},
	}))

	// Request-headers phase: body not complete yet, stage is a no-op.
	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.False(t, stage.requestHandled)
	require.Empty(t, decision.BodyMutation)

	// Request-body phase: final chunk arrives.
	req := snap.Request()
	req.Body = []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi there"}]}`)
	req.EndOfStream = true

	decision, err = stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.True(t, stage.requestHandled)
	require.Equal(t, 1, auth.calls)
	require.JSONEq(t, string(req.Body), string(decision.BodyMutation))

	var sawAuthority, sawPath bool
	for _, m := range decision.HeaderMutations {
		if m.Key == ":authority" {
			require.Equal(t, "api.openai.com", m.Value)
			sawAuthority = true
		}
		if m.Key == ":path" {
			require.Equal(t, "/v1/chat/completions", m.Value)
			sawPath = true
		}
	}
	require.True(t, sawAuthority)
	require.True(t, sawPath)

	llm := snap.LLM()
	require.NotNil(t, llm)
	require.Equal(t, "gpt-4o-mini", llm.Model)
	require.Equal(t, "chat", llm.BackendName)
	require.Greater(t, llm.InputTokens, int64(0))

	// Response-headers phase.
	snap = snap.Child()
	require.NoError(t, snap.SetResponse(&snapshot.Response{Status: 200, Headers: map[string]string{"content-type": "application/json"}}))
	decision, err = stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.True(t, stage.respHeadersDone)

	// Response-body phase: single non-streaming frame.
	resp := snap.Response()
	resp.LastChunk = []byte(`{"id":"x","usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	resp.EndOfStream = true
	decision, err = stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, resp.LastChunk, decision.BodyMutation)
}

func TestStageTranslatesBedrockErrorResponse(t *testing.T) {
	auth := &fakeAuthHandler{}
	registry := Registry{
		"chat": {
			Name:  "chat",
			Route: provider.RouteCompletions,
			AI: &provider.AIBackend{
				Name: "chat",
				Providers: []provider.NamedAIProvider{
					{Name: "p1", Provider: provider.ProviderBedrock, Model: "anthropic.claude-3-5-sonnet-20241022-v2:0", Endpoint: "bedrock-runtime.us-east-1.amazonaws.com"},
				},
			},
			Auth: auth,
		},
	}
	stage := NewStage(registry)

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{
		Method:      "POST",
		Path:        "/v1/chat/completions",
		Headers:     map[string]string{backendHeader: "chat", "content-type": "application/json"},
		Body:        []byte(`{"model":"anthropic.claude-3-5-sonnet-20241022-v2:0","messages":[{"role":"user","content":"hi"}]}`),
		EndOfStream: true,
	}))
	_, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)

	snap = snap.Child()
	require.NoError(t, snap.SetResponse(&snapshot.Response{Status: 400, Headers: map[string]string{"content-type": "application/json"}}))
	_, err = stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)

	resp := snap.Response()
	resp.LastChunk = []byte(`{"message":"The model requires a maximum of 1 image per request."}`)
	resp.EndOfStream = true
	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","error":{"type":"invalid_request_error","message":"The model requires a maximum of 1 image per request."}}`, string(decision.BodyMutation))
}

func TestStageUnknownBackendErrors(t *testing.T) {
	stage := NewStage(Registry{})
	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{
		Headers:     map[string]string{backendHeader: "missing"},
		Body:        []byte(`{}`),
		EndOfStream: true,
	}))
	_, err := stage.Evaluate(context.Background(), snap)
	require.Error(t, err)
}
