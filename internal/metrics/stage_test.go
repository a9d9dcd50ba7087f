// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

func TestStageRecordsLatencyAndTokenUsage(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	core, logs := observer.New(zap.InfoLevel)
	stage := &Stage{Metrics: m, Logger: zap.New(core), LogBodies: true}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{Method: "POST", Path: "/v1/chat/completions", Size: 42, Body: []byte(`{"messages":[]}`)}))
	_, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)

	child := snap.Child()
	require.NoError(t, child.SetBackend(&snapshot.Backend{Name: "bedrock", Provider: "bedrock", Model: "claude"}))
	require.NoError(t, child.SetResponse(&snapshot.Response{Status: 200, Size: 128, EndOfStream: true, Body: []byte(`{"choices":[]}`)}))
	child.SetLLM(&snapshot.LLM{Model: "claude", InputTokens: 10, OutputTokens: 5})
	_, err = stage.Evaluate(context.Background(), child)
	require.NoError(t, err)

	require.Equal(t, 1, testutil.CollectAndCount(m.genAI.requestTotal))
	// One token-usage series per token type: input and output.
	require.Equal(t, 2, testutil.CollectAndCount(m.genAI.tokenUsage))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "access_log", entry.Message)
}

func TestStageSkipsUnstartedResponse(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)
	stage := &Stage{Metrics: m}

	snap := snapshot.New()
	require.NoError(t, snap.SetResponse(&snapshot.Response{Status: 403, EndOfStream: true}))
	_, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Equal(t, 0, testutil.CollectAndCount(m.genAI.requestTotal))
}
