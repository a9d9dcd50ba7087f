// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routing

import (
	"context"
	"testing"

	"github.com/rs/cors"
	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

func newCORSStore(opts cors.Options) *policy.Store {
	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "cors", Kind: KindCORS, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: CORSPolicy{Options: opts},
	}})
	return store
}

func TestCORSStagePreflightShortCircuits(t *testing.T) {
	store := newCORSStore(cors.Options{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
	})
	stage := &CORSStage{Store: store, Chain: chainFor("gw")}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{
		Method: "OPTIONS",
		Path:   "/v1/chat/completions",
		Headers: map[string]string{
			"origin":                        "https://app.example.com",
			"access-control-request-method": "POST",
		},
	}))

	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.NotNil(t, decision.Deny)

	var allowOrigin string
	for _, m := range decision.Deny.Headers {
		if m.Key == "Access-Control-Allow-Origin" {
			allowOrigin = m.Value
		}
	}
	require.Equal(t, "https://app.example.com", allowOrigin)
}

func TestCORSStageActualRequestInjectsHeadersWithoutDenying(t *testing.T) {
	store := newCORSStore(cors.Options{AllowedOrigins: []string{"*"}})
	stage := &CORSStage{Store: store, Chain: chainFor("gw")}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{
		Method:  "POST",
		Path:    "/v1/chat/completions",
		Headers: map[string]string{"origin": "https://app.example.com"},
	}))

	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Nil(t, decision.Deny)
	require.NotEmpty(t, decision.HeaderMutations)
}

func TestCORSStageNoOriginIsNoop(t *testing.T) {
	store := newCORSStore(cors.Options{AllowedOrigins: []string{"*"}})
	stage := &CORSStage{Store: store, Chain: chainFor("gw")}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{Method: "GET", Path: "/healthz"}))

	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Nil(t, decision.Deny)
	require.Empty(t, decision.HeaderMutations)
}
