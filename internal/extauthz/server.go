// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package extauthz implements the gRPC external authorization service
// (envoy.service.auth.v3.Authorization) that fronts the policy pipeline for
// request-phase policies: Authentication and Authorization. It is the
// ext_authz half of the Auth Bridges component; internal/extprocbridge is
// the ext_proc half.
//
// The Recv-dispatch-Send server shape uses a unary Check instead of a
// stream, since ext_authz is request/response, not duplex; the
// Authentication stage reuses the same JWT-claim/scope extraction as the
// MCP RBAC layer.
package extauthz

import (
	"context"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// DefaultTimeout is the default ext_authz call deadline this server expects
// Envoy to be configured with; exceeding it from inside a Stage is treated
// as a FailureMode decision, not a panic.
const DefaultTimeout = 200 * time.Millisecond

// Server implements authv3.AuthorizationServer.
type Server struct {
	authv3.UnimplementedAuthorizationServer

	Pipeline *pipeline.Pipeline
	Logger   *zap.Logger
}

// NewServer builds an ext_authz server driving the given pipeline.
func NewServer(p *pipeline.Pipeline, logger *zap.Logger) *Server {
	return &Server{Pipeline: p, Logger: logger}
}

// Check implements authv3.AuthorizationServer. It builds a request snapshot
// from the AttributeContext Envoy sent (already shaped by that listener's
// include_request_headers/include_request_body/pack_as_bytes settings),
// runs the pipeline, and renders the Decision as an OkResponse or
// DeniedResponse.
func (s *Server) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	snap := snapshotFromAttributes(req.GetAttributes())

	decision, err := s.Pipeline.Run(ctx, snap)
	if err != nil {
		s.Logger.Error("extauthz pipeline error", zap.Error(err))
		return &authv3.CheckResponse{
			Status: &status.Status{Code: int32(codes.Internal), Message: err.Error()},
		}, nil
	}

	if decision.Deny != nil {
		return deniedResponse(decision.Deny), nil
	}
	return okResponse(decision), nil
}

func snapshotFromAttributes(attrs *authv3.AttributeContext) *snapshot.Snapshot {
	snap := snapshot.New()
	httpReq := attrs.GetRequest().GetHttp()

	hdrs := make(map[string]string, len(httpReq.GetHeaders()))
	for k, v := range httpReq.GetHeaders() {
		hdrs[k] = v
	}

	body := []byte(httpReq.GetBody())
	if len(httpReq.GetRawBody()) > 0 {
		body = httpReq.GetRawBody()
	}

	_ = snap.SetRequest(&snapshot.Request{
		Method:    httpReq.GetMethod(),
		Path:      httpReq.GetPath(),
		Scheme:    httpReq.GetScheme(),
		Authority: httpReq.GetHost(),
		Headers:   hdrs,
		Body:      body,
		Size:      httpReq.GetSize(),
	})
	_ = snap.SetSource(peerFromAttr(attrs.GetSource()))
	_ = snap.SetDestination(peerFromAttr(attrs.GetDestination()))
	return snap
}

func peerFromAttr(p *authv3.AttributeContext_Peer) *snapshot.Peer {
	if p == nil {
		return &snapshot.Peer{}
	}
	addr := p.GetAddress().GetSocketAddress()
	return &snapshot.Peer{Address: addr.GetAddress(), Port: int(addr.GetPortValue())}
}

func okResponse(d pipeline.Decision) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status: &status.Status{Code: int32(codes.OK)},
		HttpResponse: &authv3.CheckResponse_OkResponse{
			OkResponse: &authv3.OkHttpResponse{
				Headers:         toHeaderValueOptions(d.HeaderMutations),
				HeadersToRemove: headersToRemove(d.HeaderMutations),
				DynamicMetadata: dynamicMetadataStruct(d.DynamicMetadata),
			},
		},
	}
}

func headersToRemove(mutations []headers.Mutation) []string {
	var out []string
	for _, m := range mutations {
		if m.Remove {
			out = append(out, m.Key)
		}
	}
	return out
}

func deniedResponse(d *pipeline.DenyResponse) *authv3.CheckResponse {
	return &authv3.CheckResponse{
		Status: &status.Status{Code: int32(codes.PermissionDenied)},
		HttpResponse: &authv3.CheckResponse_DeniedResponse{
			DeniedResponse: &authv3.DeniedHttpResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(d.Status)},
				Body:    string(d.Body),
				Headers: toHeaderValueOptions(d.Headers),
			},
		},
	}
}

func toHeaderValueOptions(mutations []headers.Mutation) []*corev3.HeaderValueOption {
	out := make([]*corev3.HeaderValueOption, 0, len(mutations))
	for _, m := range mutations {
		if m.Remove {
			continue
		}
		out = append(out, &corev3.HeaderValueOption{
			Header:       &corev3.HeaderValue{Key: m.Key, Value: m.Value},
			AppendAction: toAppendAction(m.Action),
		})
	}
	return out
}

func toAppendAction(a headers.AppendAction) corev3.HeaderValueOption_HeaderAppendAction {
	switch a {
	case headers.AddIfAbsent:
		return corev3.HeaderValueOption_ADD_IF_ABSENT
	case headers.OverwriteIfExistsOrAdd:
		return corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD
	case headers.OverwriteIfExists:
		return corev3.HeaderValueOption_OVERWRITE_IF_EXISTS
	default:
		return corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD
	}
}

func dynamicMetadataStruct(m map[string]any) *structpb.Struct {
	if len(m) == 0 {
		return nil
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil
	}
	return st
}
