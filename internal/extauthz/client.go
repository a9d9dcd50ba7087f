// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// This file implements the other half of the ExtAuthz Bridge: where
// server.go makes this gateway itself answer Authentication/Authorization
// checks for an upstream Envoy, ClientGRPCStage and ClientHTTPStage are the
// ExtAuthz *policy* -- they run inside this gateway's own pipeline and
// forward the check to a further, user-configured external authorization
// service: forward a check to an external authorization service via gRPC or
// HTTP and apply its header/body/redirect verdict.
//
// The thin-client/policy split mirrors server.go's shape, and the
// include_request_body/pack_as_bytes/FailureMode contract follows Envoy's
// ext_authz filter; the gRPC request-shape construction reuses
// snapshotFromAttributes's inverse (buildCheckRequest) in this file.
package extauthz

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agentgateway/agentgateway-go/internal/cel"
	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	hdr "github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// FailureMode controls what happens when the external authorization call
// itself fails (timeout, transport error, malformed response) rather than
// returning a normal allow/deny verdict.
type FailureMode int

const (
	FailOpen FailureMode = iota
	FailClosed
	FailWithStatus
)

func (m FailureMode) decide(status int, message string) pipeline.Decision {
	switch m {
	case FailOpen:
		return pipeline.Decision{}
	case FailWithStatus:
		return pipeline.Deny(status, message, nil)
	default:
		return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindExternalAuthzFailed), message, nil)
	}
}

// Policy kind constants for the client-side ExtAuthz policy.
const (
	KindGRPC = "ext_authz_grpc"
	KindHTTP = "ext_authz_http"
)

// GRPCPolicy configures a call to an envoy.service.auth.v3.Authorization
// gRPC backend.
type GRPCPolicy struct {
	Client                authv3.AuthorizationClient
	IncludeRequestHeaders []string // empty means "every header"
	IncludeRequestBody    bool
	MaxRequestBytes       int64
	PackAsBytes           bool
	Timeout               time.Duration
	FailureMode           FailureMode
}

// ClientGRPCStage is the pipeline.Stage for the GRPCPolicy.
type ClientGRPCStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *ClientGRPCStage) Name() string { return "ext_authz_grpc" }

func (s *ClientGRPCStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindGRPC, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(GRPCPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindExternalAuthzFailed, "policy %q is not a GRPCPolicy", tp.Name)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := buildCheckRequest(snap, p.IncludeRequestHeaders, p.IncludeRequestBody, p.MaxRequestBytes, p.PackAsBytes)
	resp, err := p.Client.Check(cctx, req)
	if err != nil {
		return p.FailureMode.decide(503, fmt.Sprintf("ext_authz transport error: %v", err)), nil
	}

	if resp.GetStatus().GetCode() != int32(codes.OK) {
		denied := resp.GetDeniedResponse()
		status := 403
		var body string
		var mutations []hdr.Mutation
		if denied != nil {
			if c := int(denied.GetStatus().GetCode()); c != 0 {
				status = c
			}
			body = denied.GetBody()
			mutations = fromHeaderValueOptions(denied.GetHeaders())
		}
		return pipeline.Deny(status, body, mutations), nil
	}

	ok2 := resp.GetOkResponse()
	mutations := fromHeaderValueOptions(ok2.GetHeaders())
	meta := structToMap(ok2.GetDynamicMetadata())
	return pipeline.Decision{HeaderMutations: mutations, DynamicMetadata: meta}, nil
}

func fromHeaderValueOptions(opts []*corev3.HeaderValueOption) []hdr.Mutation {
	out := make([]hdr.Mutation, 0, len(opts))
	for _, o := range opts {
		out = append(out, hdr.Mutation{
			Key:       o.GetHeader().GetKey(),
			Value:     o.GetHeader().GetValue(),
			Action:    fromAppendAction(o.GetAppendAction()),
			ActionSet: true,
		})
	}
	return out
}

func fromAppendAction(a corev3.HeaderValueOption_HeaderAppendAction) hdr.AppendAction {
	switch a {
	case corev3.HeaderValueOption_ADD_IF_ABSENT:
		return hdr.AddIfAbsent
	case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD:
		return hdr.OverwriteIfExistsOrAdd
	case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS:
		return hdr.OverwriteIfExists
	default:
		return hdr.AppendIfExistsOrAdd
	}
}

func structToMap(st *structpb.Struct) map[string]any {
	if st == nil {
		return nil
	}
	return st.AsMap()
}

// buildCheckRequest constructs the AttributeContext to send to an external
// ext_authz gRPC service, honoring include_request_headers (empty = every
// entry of the request's header map) and include_request_body/pack_as_bytes/
// max_request_bytes. The original body size is always
// reported, even when the buffered copy was truncated to max bytes, so the
// external service can tell truncation happened.
func buildCheckRequest(snap *snapshot.Snapshot, includeHeaders []string, includeBody bool, maxBytes int64, packAsBytes bool) *authv3.CheckRequest {
	req := snap.Request()
	httpAttrs := &authv3.AttributeContext_HttpRequest{}
	if req != nil {
		httpAttrs.Method = req.Method
		httpAttrs.Path = req.Path
		httpAttrs.Host = req.Authority
		httpAttrs.Scheme = req.Scheme
		httpAttrs.Size = req.Size
		httpAttrs.Headers = selectHeaders(req.Headers, includeHeaders, req.Method, req.Scheme, req.Authority, req.Path)
		if includeBody && len(req.Body) > 0 {
			body := req.Body
			if maxBytes > 0 && int64(len(body)) > maxBytes {
				body = body[:maxBytes]
			}
			if packAsBytes {
				httpAttrs.RawBody = body
			} else {
				httpAttrs.Body = string(body)
			}
		}
	}
	return &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Source:      peerAttr(snap.Source()),
			Destination: peerAttr(snap.Destination()),
			Request:     &authv3.AttributeContext_Request{Http: httpAttrs},
		},
	}
}

// selectHeaders implements the include_request_headers allowlist: empty
// means forward a copy of every entry in all (no pseudo-headers are added
// from the method/scheme/authority/path parameters), non-empty means
// forward only the named headers plus any named pseudo-headers.
func selectHeaders(all map[string]string, include []string, method, scheme, authority, path string) map[string]string {
	if len(include) == 0 {
		out := make(map[string]string, len(all))
		for k, v := range all {
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(include))
	for _, k := range include {
		switch k {
		case ":method":
			out[k] = method
		case ":scheme":
			out[k] = scheme
		case ":authority":
			out[k] = authority
		case ":path":
			out[k] = path
		default:
			if v, ok := all[strings.ToLower(k)]; ok {
				out[strings.ToLower(k)] = v
			}
		}
	}
	return out
}

func peerAttr(p *snapshot.Peer) *authv3.AttributeContext_Peer {
	if p == nil {
		return nil
	}
	return &authv3.AttributeContext_Peer{
		Address: &corev3.Address{Address: &corev3.Address_SocketAddress{
			SocketAddress: &corev3.SocketAddress{
				Address:       p.Address,
				PortSpecifier: &corev3.SocketAddress_PortValue{PortValue: uint32(p.Port)},
			},
		}},
	}
}

// HTTPPolicy configures a side HTTP call to an external authorizer.
type HTTPPolicy struct {
	Client                 *http.Client
	URL                    string
	AllowedRequestHeaders  []string // empty: forward only Authorization
	AdditionalHeaders      map[string]*cel.Program
	PathExpr               *cel.Program
	RedirectExpr           *cel.Program
	IncludeResponseHeaders []string
	FailureMode            FailureMode
}

// ClientHTTPStage is the pipeline.Stage for HTTPPolicy.
type ClientHTTPStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *ClientHTTPStage) Name() string { return "ext_authz_http" }

func (s *ClientHTTPStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindHTTP, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(HTTPPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindExternalAuthzFailed, "policy %q is not an HTTPPolicy", tp.Name)
	}

	vars := cel.Vars(snap.CELVars())
	req := snap.Request()

	path := ""
	if req != nil {
		path = req.Path
	}
	if p.PathExpr != nil {
		if v, err := p.PathExpr.EvalString(vars); err == nil {
			path = v
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL+path, nil)
	if err != nil {
		return p.FailureMode.decide(503, err.Error()), nil
	}
	if req != nil {
		allowed := p.AllowedRequestHeaders
		if len(allowed) == 0 {
			allowed = []string{"authorization"}
		}
		for _, k := range allowed {
			if v, ok := req.Headers[strings.ToLower(k)]; ok {
				httpReq.Header.Set(k, v)
			}
		}
	}
	for k, expr := range p.AdditionalHeaders {
		if v, err := expr.EvalString(vars); err == nil {
			httpReq.Header.Set(k, v)
		}
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return p.FailureMode.decide(503, fmt.Sprintf("ext_authz http transport error: %v", err)), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		mutations := make([]hdr.Mutation, 0, len(p.IncludeResponseHeaders))
		for _, k := range p.IncludeResponseHeaders {
			if v := resp.Header.Get(k); v != "" {
				mutations = append(mutations, hdr.Mutation{Key: k, Value: v, Action: hdr.OverwriteIfExistsOrAdd, ActionSet: true})
			}
		}
		return pipeline.Decision{HeaderMutations: mutations}, nil
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && p.RedirectExpr != nil {
		if url, err := p.RedirectExpr.EvalString(vars); err == nil {
			return pipeline.Deny(http.StatusFound, "", []hdr.Mutation{
				{Key: "location", Value: url, Action: hdr.OverwriteIfExistsOrAdd, ActionSet: true},
			}), nil
		}
	}

	body, _ := io.ReadAll(resp.Body)
	return pipeline.Deny(resp.StatusCode, string(body), nil), nil
}
