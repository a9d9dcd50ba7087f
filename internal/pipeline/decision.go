// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pipeline orchestrates the ordered policy pipeline: Authentication,
// Authorization, RateLimit, ExtAuthz delegation, Transformation,
// prompt-guard webhooks, backend selection/auth, the LLM translation/
// provider call, response transformation, response prompt-guard, tracing
// and token-accounting amendment. internal/extauthz and internal/
// extprocbridge are the two wire-protocol adapters that drive this package;
// neither speaks Envoy protobuf directly -- both translate a wire-level
// request into a Decision and a Decision back into their own protocol's
// response shape, keeping the gRPC server thin and pushing the actual
// policy work into a plain Go type, *Pipeline.
package pipeline

import (
	"context"

	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// DenyResponse short-circuits the pipeline with an immediate response,
// equivalent to ext_authz's CheckResponse{Status: PERMISSION_DENIED} and
// ext_proc's ImmediateResponse.
type DenyResponse struct {
	Status  int
	Body    []byte
	Headers []headers.Mutation
}

// Decision is the outcome of running one or more policies against the
// current snapshot: either a set of header/body mutations to carry forward,
// or a DenyResponse that ends the exchange early.
type Decision struct {
	HeaderMutations []headers.Mutation
	BodyMutation    []byte
	Deny            *DenyResponse
	// DynamicMetadata is attached to the Envoy filter-state / ext_authz
	// dynamic metadata namespace so that later CEL expressions (and access
	// logs) can see it. This metadata does not survive from the header phase
	// into the body phase of ext_proc; see DESIGN.md.
	DynamicMetadata map[string]any
}

// Continue builds a non-denying Decision.
func Continue(mutations []headers.Mutation) Decision {
	return Decision{HeaderMutations: mutations}
}

// Deny builds a denying Decision.
func Deny(status int, body string, mutations []headers.Mutation) Decision {
	return Decision{Deny: &DenyResponse{Status: status, Body: []byte(body), Headers: mutations}}
}

// Stage is one named step of the pipeline; Pipeline.Run calls each Stage
// that has a policy attached for the current request/backend in the fixed
// order the policy pipeline mandates, and stops at the first Deny.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, snap *snapshot.Snapshot) (Decision, error)
}

// Pipeline runs an ordered list of Stages, short-circuiting on Deny.
type Pipeline struct {
	Stages []Stage
}

// Run executes every stage in order. It returns the first Deny decision
// encountered, or a merged Continue decision (mutations concatenated in
// stage order) if every stage continues. A stage returning an error aborts
// the pipeline: Run returns that error with an empty Decision.
func (p *Pipeline) Run(ctx context.Context, snap *snapshot.Snapshot) (Decision, error) {
	var merged Decision
	for _, stage := range p.Stages {
		d, err := stage.Evaluate(ctx, snap)
		if err != nil {
			return Decision{}, err
		}
		if d.Deny != nil {
			return d, nil
		}
		merged.HeaderMutations = append(merged.HeaderMutations, d.HeaderMutations...)
		if d.BodyMutation != nil {
			merged.BodyMutation = d.BodyMutation
		}
		if d.DynamicMetadata != nil {
			if merged.DynamicMetadata == nil {
				merged.DynamicMetadata = map[string]any{}
			}
			for k, v := range d.DynamicMetadata {
				merged.DynamicMetadata[k] = v
			}
		}
	}
	return merged, nil
}
