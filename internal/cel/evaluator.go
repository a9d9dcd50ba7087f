// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package cel wraps google/cel-go into the evaluator used by the policy
// pipeline: pre-compiled Program objects evaluated against a per-request
// structured value graph (internal/snapshot), using the
// compile-once/evaluate-many pattern every CEL-bearing policy in this
// gateway needs (Authorization, Transformation, ExtAuthz redirect/path,
// tracing sampling, RequestMirror), not just token-cost expressions.
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
)

// sharedEnv is the single shared CEL environment for the whole gateway. Every
// request snapshot field is declared here as a dynamic value; the actual
// values are supplied per-evaluation via Activation, never baked into the
// environment.
var (
	sharedEnv     *cel.Env
	sharedEnvOnce sync.Once
	sharedEnvErr  error
)

func topLevelVars() []cel.EnvOption {
	names := []string{
		"request", "response", "source", "destination",
		"jwt", "backend", "llm", "extauthz", "extproc",
		"start_time", "first_token_time",
		// llmcostcel-compatible flat names, kept for cost expressions that
		// don't want to spell out "llm.model".
		"model", "backend_name", "input_tokens", "output_tokens", "total_tokens",
	}
	opts := make([]cel.EnvOption, 0, len(names))
	for _, n := range names {
		opts = append(opts, cel.Variable(n, cel.DynType))
	}
	return opts
}

func sharedEnvironment() (*cel.Env, error) {
	sharedEnvOnce.Do(func() {
		// cel.OptionalTypes enables the `.?field` / `[?key]` optional-chaining
		// operators this gateway's policy language leans on heavily
		// (request.headers[?"x-foo"], jwt.?claims.?sub) so that a missing
		// attribute short-circuits to `optional.none()` instead of erroring the
		// whole expression out.
		opts := append([]cel.EnvOption{
			cel.HomogeneousAggregateLiterals(),
			cel.OptionalTypes(),
			cel.EnableMacroCallTracking(),
		}, topLevelVars()...)
		sharedEnv, sharedEnvErr = cel.NewEnv(opts...)
	})
	return sharedEnv, sharedEnvErr
}

// Program is a pre-compiled CEL expression, safe for concurrent evaluation.
type Program struct {
	ast *cel.Ast
	prg cel.Program
	src string
}

// NewProgram compiles expr against the shared environment. Compilation
// happens once, at policy-load time; Eval is the hot path run per request.
func NewProgram(expr string) (*Program, error) {
	env, err := sharedEnvironment()
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("cel compile %q: %w", expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program %q: %w", expr, err)
	}
	return &Program{ast: ast, prg: prg, src: expr}, nil
}

// Vars is the activation supplied to Eval. It is ordinarily produced by
// snapshot.Snapshot.CELVars(), but tests may hand-construct a map directly.
type Vars map[string]any

// Eval runs the compiled program against vars and returns the raw CEL value.
// It is safe to call concurrently on the same *Program.
func (p *Program) Eval(vars Vars) (ref.Val, error) {
	out, _, err := p.prg.Eval(map[string]any(vars))
	if err != nil {
		return nil, fmt.Errorf("cel eval %q: %w", p.src, err)
	}
	return out, nil
}

// EvalBool evaluates expr and requires a boolean result, the shape needed by
// Authorization ALLOW/DENY rules and the response prompt-guard hook.
func (p *Program) EvalBool(vars Vars) (bool, error) {
	v, err := p.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cel expression %q did not evaluate to bool, got %T", p.src, v.Value())
	}
	return b, nil
}

// EvalString evaluates expr and requires a string result, the shape needed by
// the ExtAuthz redirect/path expressions and the tracing span-name expression.
func (p *Program) EvalString(vars Vars) (string, error) {
	v, err := p.Eval(vars)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("cel expression %q did not evaluate to string, got %T", p.src, v.Value())
	}
	return s, nil
}

// Source returns the original expression text.
func (p *Program) Source() string { return p.src }
