// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package transform implements the Transformation policy: CEL-driven header
// add/remove/set and a CEL-driven body replace, run once on the request
// phase and once (independently configured) on the response phase.
//
// Body rewriting reuses github.com/tidwall/gjson/sjson for raw-JSON field
// get/set, the same library internal/llm/translate uses for "translator
// rewrites one known field", generalized here to "policy author supplies an
// arbitrary CEL expression whose result becomes the new body/header value".
package transform

import (
	"context"

	"github.com/agentgateway/agentgateway-go/internal/cel"
	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Kind constants for policy.Store lookups. Request and response phase
// transformations are distinct policy kinds, attached independently
// ("Transformation request-phase" vs "response-phase").
const (
	KindRequest  = "transformation_request"
	KindResponse = "transformation_response"
)

// HeaderOp is one header mutation whose value is computed by evaluating Expr
// against the current snapshot (so it can reference request/response/jwt/
// llm attributes), rather than a literal string.
type HeaderOp struct {
	Key    string
	Expr   *cel.Program // nil for Remove
	Action headers.AppendAction
	Remove bool
}

// BodyOp replaces the whole body with the string result of evaluating Expr.
// A nil BodyOp leaves the body untouched.
type BodyOp struct {
	Expr *cel.Program
}

// Policy is one Transformation policy attachment.
type Policy struct {
	Headers []HeaderOp
	Body    *BodyOp
}

// Stage runs a Policy's header and body operations against the phase
// (request or response) snap currently represents. The same Stage type
// serves both phases; Kind picks which policy.Store bucket to resolve.
type Stage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
	Kind  string
}

func (s *Stage) Name() string { return s.Kind }

func (s *Stage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(s.Kind, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(Policy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUnsupportedConversion, "policy %q is not a transform.Policy", tp.Name)
	}

	vars := cel.Vars(snap.CELVars())
	var mutations []headers.Mutation
	for _, op := range p.Headers {
		if op.Remove {
			mutations = append(mutations, headers.Mutation{Key: op.Key, Remove: true})
			continue
		}
		val, err := op.Expr.EvalString(vars)
		if err != nil {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "evaluating header transform for %q", op.Key)
		}
		mutations = append(mutations, headers.Mutation{Key: op.Key, Value: val, Action: op.Action, ActionSet: true})
	}

	decision := pipeline.Decision{HeaderMutations: mutations}
	if p.Body != nil {
		val, err := p.Body.Expr.EvalString(vars)
		if err != nil {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "evaluating body transform")
		}
		decision.BodyMutation = []byte(val)
	}
	return decision, nil
}
