// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extauthz

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/cel"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

func newAuthRequestSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	s := snapshot.New()
	require.NoError(t, s.SetRequest(&snapshot.Request{
		Method: "GET", Path: "/v1/chat/completions", Scheme: "https", Authority: "gw.example.com",
		Headers: map[string]string{"authorization": "Bearer tok"},
	}))
	return s
}

func TestClientHTTPStageAllowsAndForwardsResponseHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("X-User", "alice")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "authz", Kind: KindHTTP, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: HTTPPolicy{URL: srv.URL, IncludeResponseHeaders: []string{"X-User"}},
	}})
	stage := &ClientHTTPStage{Store: store, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "", "", "gw")
	}}

	d, err := stage.Evaluate(t.Context(), newAuthRequestSnapshot(t))
	require.NoError(t, err)
	require.Nil(t, d.Deny)
	require.Len(t, d.HeaderMutations, 1)
	require.Equal(t, "X-User", d.HeaderMutations[0].Key)
	require.Equal(t, "alice", d.HeaderMutations[0].Value)
}

func TestClientHTTPStageRedirectsOn401WithRedirectExpr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	redirectExpr, err := cel.NewProgram(`"https://login.example.com/?next=" + request.path`)
	require.NoError(t, err)

	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "authz", Kind: KindHTTP, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: HTTPPolicy{URL: srv.URL, RedirectExpr: redirectExpr},
	}})
	stage := &ClientHTTPStage{Store: store, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "", "", "gw")
	}}

	d, err := stage.Evaluate(t.Context(), newAuthRequestSnapshot(t))
	require.NoError(t, err)
	require.NotNil(t, d.Deny)
	require.Equal(t, http.StatusFound, d.Deny.Status)
	require.Equal(t, "location", d.Deny.Headers[0].Key)
	require.Equal(t, "https://login.example.com/?next=/v1/chat/completions", d.Deny.Headers[0].Value)
}

func TestClientHTTPStageDeniesOnOtherStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("no coffee"))
	}))
	defer srv.Close()

	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "authz", Kind: KindHTTP, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: HTTPPolicy{URL: srv.URL},
	}})
	stage := &ClientHTTPStage{Store: store, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "", "", "gw")
	}}

	d, err := stage.Evaluate(t.Context(), newAuthRequestSnapshot(t))
	require.NoError(t, err)
	require.NotNil(t, d.Deny)
	require.Equal(t, http.StatusTeapot, d.Deny.Status)
	require.Equal(t, "no coffee", string(d.Deny.Body))
}

func TestClientHTTPStageFailOpenOnTransportError(t *testing.T) {
	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "authz", Kind: KindHTTP, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: HTTPPolicy{URL: "http://127.0.0.1:1", FailureMode: FailOpen},
	}})
	stage := &ClientHTTPStage{Store: store, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "", "", "gw")
	}}

	d, err := stage.Evaluate(t.Context(), newAuthRequestSnapshot(t))
	require.NoError(t, err)
	require.Nil(t, d.Deny)
}

func TestClientHTTPStageFailClosedOnTransportError(t *testing.T) {
	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "authz", Kind: KindHTTP, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: HTTPPolicy{URL: "http://127.0.0.1:1", FailureMode: FailClosed},
	}})
	stage := &ClientHTTPStage{Store: store, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "", "", "gw")
	}}

	d, err := stage.Evaluate(t.Context(), newAuthRequestSnapshot(t))
	require.NoError(t, err)
	require.NotNil(t, d.Deny)
}

func TestSelectHeadersAllowlist(t *testing.T) {
	all := map[string]string{"x-a": "1", "x-b": "2"}
	out := selectHeaders(all, []string{"x-a", ":path"}, "GET", "https", "gw", "/p")
	require.Equal(t, map[string]string{"x-a": "1", ":path": "/p"}, out)
}

func TestSelectHeadersEmptyIncludeForwardsAll(t *testing.T) {
	all := map[string]string{"x-a": "1"}
	out := selectHeaders(all, nil, "GET", "https", "gw", "/p")
	require.Equal(t, all, out)
}
