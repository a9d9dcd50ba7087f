// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentgateway/agentgateway-go/internal/cel"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

func TestStageSetsAndRemovesHeaders(t *testing.T) {
	setExpr, err := cel.NewProgram(`"tenant-" + request.headers["x-tenant"]`)
	require.NoError(t, err)

	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name: "t1", Kind: KindRequest, Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: Policy{
			Headers: []HeaderOp{
				{Key: "x-routed-tenant", Expr: setExpr, Action: headers.OverwriteIfExistsOrAdd},
				{Key: "x-internal", Remove: true},
			},
		},
	}})

	stage := &Stage{Store: store, Kind: KindRequest, Chain: func(*snapshot.Snapshot) []policy.Target {
		return policy.RequestChain("", "", "", "gw")
	}}

	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{Headers: map[string]string{"x-tenant": "acme"}}))

	decision, err := stage.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, decision.HeaderMutations, 2)
	require.Equal(t, "x-routed-tenant", decision.HeaderMutations[0].Key)
	require.Equal(t, "tenant-acme", decision.HeaderMutations[0].Value)
	require.True(t, decision.HeaderMutations[1].Remove)
}
