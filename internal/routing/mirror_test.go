// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

func TestRequestMirrorStageFansOutFireAndForget(t *testing.T) {
	var mu sync.Mutex
	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPaths = append(gotPaths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "mirror", Kind: KindRequestMirror, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: RequestMirrorPolicy{Targets: []MirrorTarget{
			{Name: "shadow", BaseURL: srv.URL, Timeout: time.Second},
		}},
	}})
	stage := &RequestMirrorStage{Store: store, Chain: chainFor("gw")}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{Method: "POST", Path: "/v1/chat/completions", Body: []byte(`{}`)}))

	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, pipeline.Decision{}, decision)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotPaths) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRequestMirrorStageSkipsEmptyTargetsInFavorOfLessSpecificLevel(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{
		{Name: "route-empty", Kind: KindRequestMirror, Target: policy.Target{Level: policy.TargetRoute, Name: "r1"},
			Policy: RequestMirrorPolicy{Targets: nil}},
		{Name: "gw-mirror", Kind: KindRequestMirror, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
			Policy: RequestMirrorPolicy{Targets: []MirrorTarget{{Name: "shadow", BaseURL: srv.URL}}}},
	})
	stage := &RequestMirrorStage{Store: store, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "r1", "", "gw")
	}}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{Method: "GET", Path: "/x"}))

	_, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hit }, time.Second, 10*time.Millisecond)
}
