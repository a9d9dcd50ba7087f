// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package jwtauth extracts bearer tokens and OAuth2 scope claims from
// inbound requests for use by the Authentication policy stage and the MCP
// per-tool RBAC layer: the same bearer-token/scope-set logic MCP tool-call
// authorization needs, generalized here since ordinary HTTP route
// authentication needs the same primitives.
//
// Token signature verification is Envoy's job upstream of this gateway (via
// its own JWT filter, or via this package's Verifier for routes where the
// gateway itself terminates OIDC); by the time a request reaches here the
// token is treated as already authenticated and this package only parses and
// matches claims.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"k8s.io/apimachinery/pkg/util/sets"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errors.New("invalid Authorization header")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// Claims parses a JWT without verifying its signature, for the common case
// where an upstream Envoy JWT filter (or this gateway's own Verifier) has
// already verified it.
func Claims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}
	return claims, nil
}

// Scopes extracts the "scope" claim in any of its common encodings: a
// space-separated string (RFC 6749 §3.3), a JSON array of strings, or (for
// providers that round-trip through untyped JSON) a []interface{}.
func Scopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []interface{}:
		scopes := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				scopes = append(scopes, s)
			}
		}
		return scopes
	default:
		return nil
	}
}

// ScopeSet is a set of granted OAuth2 scopes.
type ScopeSet = sets.Set[string]

// ScopesSatisfied reports whether every scope in required is present in have.
func ScopesSatisfied(have ScopeSet, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, scope := range required {
		if !have.Has(scope) {
			return false
		}
	}
	return true
}

// ToolCall identifies one MCP tool invocation for RBAC matching.
type ToolCall struct {
	BackendName string
	ToolName    string
	Arguments   map[string]string // argument name -> regex pattern, from policy config
}

// ToolMatches reports whether target matches one of the configured tool
// selectors, including the selector's argument regex constraints evaluated
// against the call's actual arguments.
func ToolMatches(target ToolCall, selectors []ToolCall, args map[string]any) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, sel := range selectors {
		if sel.BackendName != target.BackendName || sel.ToolName != target.ToolName {
			continue
		}
		if len(sel.Arguments) == 0 {
			return true
		}
		if args == nil {
			continue
		}
		if argumentsMatch(sel.Arguments, args) {
			return true
		}
	}
	return false
}

func argumentsMatch(patterns map[string]string, args map[string]any) bool {
	for key, pattern := range patterns {
		rawVal, ok := args[key]
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		var data []byte
		if s, ok := rawVal.(string); ok {
			data = []byte(s)
		} else {
			jsonVal, err := json.Marshal(rawVal)
			if err != nil {
				return false
			}
			data = jsonVal
		}
		if !re.Match(data) {
			return false
		}
	}
	return true
}

// InsufficientScopeHeader builds the WWW-Authenticate challenge header value
// for a 403 triggered by missing OAuth2 scopes.
// Reference: https://mcp.mintlify.app/specification/2025-11-25/basic/authorization#runtime-insufficient-scope-errors
func InsufficientScopeHeader(scopes []string, resourceMetadata string) string {
	parts := []string{`Bearer error="insufficient_scope"`}
	parts = append(parts, fmt.Sprintf(`scope="%s"`, strings.Join(scopes, " ")))
	if resourceMetadata != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, resourceMetadata))
	}
	parts = append(parts, `error_description="The token is missing required scopes"`)
	return strings.Join(parts, ", ")
}

// Verifier verifies and parses a JWT against an OIDC issuer's published
// JWKS, for deployments where this gateway terminates authentication itself
// rather than delegating to an upstream Envoy JWT filter.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewVerifier discovers issuer's OIDC configuration and builds a Verifier
// that checks signature and audience.
func NewVerifier(ctx context.Context, issuer, clientID string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider %q: %w", issuer, err)
	}
	return &Verifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// Verify checks the token's signature, issuer and audience, and returns its
// claims.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify jwt: %w", err)
	}
	var claims jwt.MapClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode jwt claims: %w", err)
	}
	return claims, nil
}
