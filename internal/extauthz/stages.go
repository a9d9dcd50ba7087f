// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extauthz

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/agentgateway/agentgateway-go/internal/cel"
	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/jwtauth"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Kind constants namespace policy.Store lookups for this package's two
// policy types.
const (
	KindAuthentication = "authentication"
	KindAuthorization  = "authorization"
)

// JWTAuthPolicy requires a bearer token whose claims are attached to the
// snapshot's JWT section for downstream CEL expressions and RBAC checks.
// Required controls whether a missing/unparseable token denies the request
// outright or simply leaves jwt.* unset for later stages to check with `has`.
type JWTAuthPolicy struct {
	Required bool
	Verifier *jwtauth.Verifier // non-nil when this gateway terminates OIDC itself
}

// AuthenticationStage implements the Authentication policy: extract and
// (optionally) verify a bearer token, attach its claims to the snapshot.
type AuthenticationStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *AuthenticationStage) Name() string { return "authentication" }

// BasicAuthPolicy authenticates via HTTP Basic credentials. Users maps a
// username to the lowercase hex SHA-256 of its password; no plaintext
// secret is held in the policy store.
type BasicAuthPolicy struct {
	Users map[string]string
}

// APIKeyPolicy authenticates via a static key header. Keys maps the
// lowercase hex SHA-256 of an accepted key to the client identity recorded
// for it. Header defaults to "x-api-key".
type APIKeyPolicy struct {
	Keys   map[string]string
	Header string
}

// AuthenticationPolicy combines the authenticators attached to one scope.
// They are tried in JWT, BasicAuth, APIKey order; the first that succeeds
// establishes the request identity. A request matching none is denied only
// when Required is set.
type AuthenticationPolicy struct {
	JWT      *JWTAuthPolicy
	Basic    *BasicAuthPolicy
	APIKey   *APIKeyPolicy
	Required bool
}

func (s *AuthenticationStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindAuthentication, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	var authPolicy AuthenticationPolicy
	switch p := tp.Policy.(type) {
	case AuthenticationPolicy:
		authPolicy = p
	case JWTAuthPolicy:
		authPolicy = AuthenticationPolicy{JWT: &p, Required: p.Required}
	default:
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindAuthentication, "policy %q is not an authentication policy", tp.Name)
	}

	req := snap.Request()
	if req == nil {
		return pipeline.Decision{}, nil
	}

	var lastErr error = errors.New("no credentials presented")
	if authPolicy.JWT != nil {
		done, err := s.authenticateJWT(ctx, authPolicy.JWT, snap, req)
		if done {
			return pipeline.Decision{}, nil
		}
		lastErr = err
	}
	if authPolicy.Basic != nil {
		done, err := authenticateBasic(authPolicy.Basic, snap, req)
		if done {
			return pipeline.Decision{}, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if authPolicy.APIKey != nil {
		done, err := authenticateAPIKey(authPolicy.APIKey, snap, req)
		if done {
			return pipeline.Decision{}, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if authPolicy.Required {
		return unauthorized(lastErr), nil
	}
	return pipeline.Decision{}, nil
}

func (s *AuthenticationStage) authenticateJWT(ctx context.Context, p *JWTAuthPolicy, snap *snapshot.Snapshot, req *snapshot.Request) (bool, error) {
	token, err := jwtauth.BearerToken(req.Headers["authorization"])
	if err != nil {
		return false, err
	}
	var claims map[string]any
	if p.Verifier != nil {
		claims, err = p.Verifier.Verify(ctx, token)
	} else {
		claims, err = jwtauth.Claims(token)
	}
	if err != nil {
		return false, err
	}
	_ = snap.SetJWT(&snapshot.JWT{Raw: token, Claims: claims})
	return true, nil
}

func authenticateBasic(p *BasicAuthPolicy, snap *snapshot.Snapshot, req *snapshot.Request) (bool, error) {
	auth := req.Headers["authorization"]
	const prefix = "Basic "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return false, errors.New("no basic credentials")
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return false, fmt.Errorf("invalid basic credentials: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false, errors.New("invalid basic credentials")
	}
	want, ok := p.Users[user]
	if !ok {
		return false, errors.New("unknown user")
	}
	sum := sha256.Sum256([]byte(pass))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(want)) != 1 {
		return false, errors.New("basic credentials mismatch")
	}
	_ = snap.SetJWT(&snapshot.JWT{Claims: map[string]any{"sub": user, "auth_method": "basic"}})
	return true, nil
}

func authenticateAPIKey(p *APIKeyPolicy, snap *snapshot.Snapshot, req *snapshot.Request) (bool, error) {
	header := p.Header
	if header == "" {
		header = "x-api-key"
	}
	key := req.Headers[header]
	if key == "" {
		return false, errors.New("api key missing")
	}
	sum := sha256.Sum256([]byte(key))
	identity, ok := p.Keys[hex.EncodeToString(sum[:])]
	if !ok {
		return false, errors.New("api key not recognized")
	}
	_ = snap.SetJWT(&snapshot.JWT{Claims: map[string]any{"sub": identity, "auth_method": "api_key"}})
	return true, nil
}

func unauthorized(err error) pipeline.Decision {
	return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindAuthentication),
		fmt.Sprintf("authentication failed: %v", err),
		[]headers.Mutation{{Key: "www-authenticate", Value: `Bearer error="invalid_token"`, Action: headers.OverwriteIfExistsOrAdd}})
}

// AuthorizationPolicy is a CEL expression that must evaluate true for the
// request to be allowed. Scopes, if non-empty, are additionally required in
// the jwt.scope claim (the common "authenticated + authorized" combination).
type AuthorizationPolicy struct {
	Expr           *cel.Program
	RequiredScopes []string
}

// AuthorizationStage implements the Authorization policy.
type AuthorizationStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *AuthorizationStage) Name() string { return "authorization" }

func (s *AuthorizationStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindAuthorization, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	authz, ok := tp.Policy.(AuthorizationPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindAuthorization, "policy %q is not an AuthorizationPolicy", tp.Name)
	}

	if len(authz.RequiredScopes) > 0 {
		var scopes []string
		if j := snap.JWT(); j != nil {
			scopes = jwtauth.Scopes(jwt.MapClaims(j.Claims))
		}
		have := sets.New[string](scopes...)
		if !jwtauth.ScopesSatisfied(have, authz.RequiredScopes) {
			return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindAuthorization),
				"insufficient scope",
				[]headers.Mutation{{
					Key:    "www-authenticate",
					Value:  jwtauth.InsufficientScopeHeader(authz.RequiredScopes, ""),
					Action: headers.OverwriteIfExistsOrAdd,
				}}), nil
		}
	}

	if authz.Expr != nil {
		allowed, err := authz.Expr.EvalBool(cel.Vars(snap.CELVars()))
		if err != nil {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindAuthorization, err, "evaluating authorization expression")
		}
		if !allowed {
			return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindAuthorization), "denied by authorization policy", nil), nil
		}
	}
	return pipeline.Decision{}, nil
}
