// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

type stubStage struct {
	name     string
	decision Decision
	err      error
}

func (s stubStage) Name() string { return s.name }
func (s stubStage) Evaluate(context.Context, *snapshot.Snapshot) (Decision, error) {
	return s.decision, s.err
}

func TestPipelineMergesContinueDecisions(t *testing.T) {
	p := &Pipeline{Stages: []Stage{
		stubStage{name: "a", decision: Continue([]headers.Mutation{{Key: "x"}})},
		stubStage{name: "b", decision: Decision{DynamicMetadata: map[string]any{"k": "v"}}},
	}}
	d, err := p.Run(context.Background(), snapshot.New())
	require.NoError(t, err)
	require.Nil(t, d.Deny)
	require.Len(t, d.HeaderMutations, 1)
	require.Equal(t, "v", d.DynamicMetadata["k"])
}

func TestPipelineShortCircuitsOnDeny(t *testing.T) {
	called := false
	p := &Pipeline{Stages: []Stage{
		stubStage{name: "a", decision: Deny(403, "nope", nil)},
		stubStage{name: "b", decision: Continue(nil)},
	}}
	_ = called
	d, err := p.Run(context.Background(), snapshot.New())
	require.NoError(t, err)
	require.NotNil(t, d.Deny)
	require.Equal(t, 403, d.Deny.Status)
}

func TestPipelinePropagatesStageError(t *testing.T) {
	want := errors.New("boom")
	p := &Pipeline{Stages: []Stage{stubStage{name: "a", err: want}}}
	_, err := p.Run(context.Background(), snapshot.New())
	require.ErrorIs(t, err, want)
}
