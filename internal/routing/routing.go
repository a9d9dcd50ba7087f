// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package routing implements the Gateway-API-flavored routing filters that
// run late in the request pipeline, after authentication/authorization/rate
// limiting have already let a request through: RequestHeaderModifier and
// ResponseHeaderModifier (literal, not CEL-driven -- contrast internal/
// transform's Transformation policy), RequestRedirect, URLRewrite and
// HostRewrite, and DirectResponse, a standalone
// always-short-circuit policy. internal/routing/cors.go and mirror.go round
// out the package with the CORS and RequestMirror policies that belong at
// this same boundary.
package routing

import (
	"context"
	"strconv"

	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Kind constants namespace policy.Store lookups for this package's policy
// types.
const (
	KindRequestHeaderModifier  = "request_header_modifier"
	KindResponseHeaderModifier = "response_header_modifier"
	KindRequestRedirect        = "request_redirect"
	KindURLRewrite             = "url_rewrite"
	KindHostRewrite            = "host_rewrite"
	KindDirectResponse         = "direct_response"
)

// pseudo-header keys headers.Apply recognizes when allowPseudo is set; the
// ext_authz/ext_proc bridges rewrite the request line/URI from these rather
// than emitting them as ordinary HTTP headers.
const (
	pseudoPath      = ":path"
	pseudoAuthority = ":authority"
)

// HeaderModifierPolicy is a literal list of header mutations -- the
// Gateway API HTTPHeaderFilter shape (add/set/remove a fixed value), as
// opposed to internal/transform's CEL-evaluated header value.
type HeaderModifierPolicy struct {
	Mutations []headers.Mutation
}

// HeaderModifierStage applies a HeaderModifierPolicy's mutations verbatim.
// The same type serves both RequestHeaderModifier and ResponseHeaderModifier
// policies; Kind selects which policy.Store bucket to resolve, the
// same convention internal/transform.Stage uses for its two phases.
type HeaderModifierStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
	Kind  string
}

func (s *HeaderModifierStage) Name() string { return s.Kind }

func (s *HeaderModifierStage) Evaluate(_ context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(s.Kind, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(HeaderModifierPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUnsupportedConversion, "policy %q is not a routing.HeaderModifierPolicy", tp.Name)
	}
	return pipeline.Decision{HeaderMutations: p.Mutations}, nil
}

// RequestRedirectPolicy implements the Gateway API HTTPRequestRedirectFilter:
// a request is answered directly with a 3xx redirect and never reaches the
// backend. Any field left at its zero value is taken from the original
// request (StatusCode defaults to 302).
type RequestRedirectPolicy struct {
	Scheme     string
	Hostname   string
	Port       int
	Path       string
	StatusCode int
}

// RequestRedirectStage answers matching requests with a Location-bearing
// redirect Deny, short-circuiting the rest of the pipeline.
type RequestRedirectStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *RequestRedirectStage) Name() string { return KindRequestRedirect }

func (s *RequestRedirectStage) Evaluate(_ context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindRequestRedirect, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(RequestRedirectPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUnsupportedConversion, "policy %q is not a routing.RequestRedirectPolicy", tp.Name)
	}
	req := snap.Request()
	if req == nil {
		return pipeline.Decision{}, nil
	}

	scheme := p.Scheme
	if scheme == "" {
		scheme = req.Scheme
	}
	host := req.Authority
	switch {
	case p.Hostname != "" && p.Port != 0:
		host = p.Hostname + ":" + strconv.Itoa(p.Port)
	case p.Hostname != "":
		host = p.Hostname
	case p.Port != 0:
		host = stripPort(req.Authority) + ":" + strconv.Itoa(p.Port)
	}
	path := p.Path
	if path == "" {
		path = req.Path
	}
	status := p.StatusCode
	if status == 0 {
		status = 302
	}

	location := scheme + "://" + host + path
	return pipeline.Decision{Deny: &pipeline.DenyResponse{
		Status: status,
		Headers: []headers.Mutation{
			{Key: "location", Value: location, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true},
		},
	}}, nil
}

// RewritePolicy replaces a single pseudo-header (the path for URLRewrite,
// the authority for HostRewrite) with a literal value before the request is
// forwarded to the backend.
type RewritePolicy struct {
	Value string
}

// RewriteStage implements both URLRewrite and HostRewrite:
// unlike RequestRedirectStage it never short-circuits, it only contributes a
// pseudo-header mutation that internal/extauthz/internal/extprocbridge apply
// to the outbound request line/URI.
type RewriteStage struct {
	Store     *policy.Store
	Chain     func(snap *snapshot.Snapshot) []policy.Target
	Kind      string
	PseudoKey string
}

func (s *RewriteStage) Name() string { return s.Kind }

func (s *RewriteStage) Evaluate(_ context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(s.Kind, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(RewritePolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUnsupportedConversion, "policy %q is not a routing.RewritePolicy", tp.Name)
	}
	return pipeline.Decision{HeaderMutations: []headers.Mutation{
		{Key: s.PseudoKey, Value: p.Value, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true},
	}}, nil
}

// NewURLRewriteStage builds the RewriteStage instance for the UrlRewrite
// policy kind.
func NewURLRewriteStage(store *policy.Store, chain func(*snapshot.Snapshot) []policy.Target) *RewriteStage {
	return &RewriteStage{Store: store, Chain: chain, Kind: KindURLRewrite, PseudoKey: pseudoPath}
}

// NewHostRewriteStage builds the RewriteStage instance for the HostRewrite
// policy kind.
func NewHostRewriteStage(store *policy.Store, chain func(*snapshot.Snapshot) []policy.Target) *RewriteStage {
	return &RewriteStage{Store: store, Chain: chain, Kind: KindHostRewrite, PseudoKey: pseudoAuthority}
}

// DirectResponsePolicy answers every matching request with a fixed status
// and body, never forwarding to a backend -- a static maintenance page or a
// synthetic test route.
type DirectResponsePolicy struct {
	Status      int
	Body        string
	ContentType string
}

// DirectResponseStage implements the DirectResponse policy.
type DirectResponseStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *DirectResponseStage) Name() string { return KindDirectResponse }

func (s *DirectResponseStage) Evaluate(_ context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindDirectResponse, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(DirectResponsePolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUnsupportedConversion, "policy %q is not a routing.DirectResponsePolicy", tp.Name)
	}
	status := p.Status
	if status == 0 {
		status = 200
	}
	var mutations []headers.Mutation
	if p.ContentType != "" {
		mutations = append(mutations, headers.Mutation{Key: "content-type", Value: p.ContentType, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true})
	}
	return pipeline.Decision{Deny: &pipeline.DenyResponse{Status: status, Body: []byte(p.Body), Headers: mutations}}, nil
}

func stripPort(authority string) string {
	for i := len(authority) - 1; i >= 0; i-- {
		if authority[i] == ':' {
			return authority[:i]
		}
		if authority[i] == ']' {
			break
		}
	}
	return authority
}
