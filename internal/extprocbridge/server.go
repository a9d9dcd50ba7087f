// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package extprocbridge implements the bidirectional gRPC ext_proc service
// (envoy.service.ext_proc.v3.ExternalProcessor) that carries request/response
// headers and bodies through the LLM translation pipeline. It is the ext_proc
// half of the Processing Bridge component; internal/extauthz is the
// ext_authz half.
//
// The Recv/dispatch/Send loop and grpc_health_v1 health server follow the
// same shape as a simple switch-over-ProcessingRequest ext_proc sidecar,
// narrowed to the single request/response-phase, no-trailers subset this
// gateway needs.
package extprocbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Server implements extprocv3.ExternalProcessorServer.
type Server struct {
	extprocv3.UnimplementedExternalProcessorServer

	NewPipeline func() *pipeline.Pipeline
	Logger      *zap.Logger
	// FailOpen controls behavior when a Stage returns an error: true forwards
	// the request/response unmodified, false denies it. FailureMode is
	// normally configured per-policy, but an uncaught Go error (a bug, not
	// a policy DENY) falls back to this server-wide default.
	FailOpen bool

	// OnDestinationSelected implements the inference-pool variant of this
	// bridge: after a Stage mutates the request headers, if
	// one of those mutations sets destinationEndpointHeader, this callback
	// receives the chosen upstream address so the caller (an inference-pool
	// aware load balancer sitting in front of the real backend connection,
	// itself the out-of-scope "http client" collaborator) can route there
	// instead of its own default backend selection. Left nil, the header is
	// still forwarded to the backend like any other mutation; only the
	// side-channel notification is skipped.
	OnDestinationSelected func(endpoint string)
}

// destinationEndpointHeader is the header an inference-pool-aware ExtProc
// policy sets on the mutated request to name the specific upstream replica
// it picked, read back by this bridge instead of the load balancer's own
// default selection.
const destinationEndpointHeader = "x-gateway-destination-endpoint"

// stream holds the per-RPC state a single Process call accumulates across
// the header/body phases it sees. One is created per call to Process.
type stream struct {
	srv      *Server
	pipeline *pipeline.Pipeline
	snap     *snapshot.Snapshot
	phase    phase
}

type phase int

const (
	phaseRequestHeaders phase = iota
	phaseRequestBody
	phaseResponseHeaders
	phaseResponseBody
)

// Process implements the duplex ext_proc stream. Header and body phases run
// against the same *pipeline.Pipeline and the same *snapshot.Snapshot: the
// snapshot collected during the request-headers phase is carried forward
// (and frozen/extended via Child()) into the response phases, so that a
// response-time CEL expression can still reference request.* fields. The
// protocol only ever delivers phases in order (headers before body, request
// before response) so a single Recv loop, without auxiliary per-phase
// goroutines, is sufficient: a tx/rx channel demux isn't needed since this
// server never has to process two phases of the same stream concurrently.
func (s *Server) Process(srv extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := srv.Context()
	st := &stream{srv: s, pipeline: s.NewPipeline(), snap: snapshot.New()}

	for {
		req, err := srv.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Unknown, "ext_proc recv: %v", err)
		}

		resp, err := st.handle(ctx, req)
		if err != nil {
			s.Logger.Error("ext_proc processing error", zap.Error(err))
			if !s.FailOpen {
				return status.Errorf(codes.Internal, "ext_proc processing: %v", err)
			}
			resp = continueResponse(req)
		}
		if err := srv.Send(resp); err != nil {
			return status.Errorf(codes.Unknown, "ext_proc send: %v", err)
		}
	}
}

func (st *stream) handle(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch v := req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		st.phase = phaseRequestHeaders
		return st.handleRequestHeaders(ctx, v.RequestHeaders)
	case *extprocv3.ProcessingRequest_RequestBody:
		st.phase = phaseRequestBody
		return st.handleRequestBody(ctx, v.RequestBody)
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		st.phase = phaseResponseHeaders
		return st.handleResponseHeaders(ctx, v.ResponseHeaders)
	case *extprocv3.ProcessingRequest_ResponseBody:
		st.phase = phaseResponseBody
		return st.handleResponseBody(ctx, v.ResponseBody)
	default:
		return nil, fmt.Errorf("unsupported ext_proc request phase: %T", v)
	}
}

func (st *stream) handleRequestHeaders(ctx context.Context, h *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error) {
	hdrMap := headerMapToFlat(h.GetHeaders())
	_ = st.snap.SetRequest(&snapshot.Request{
		Method:    hdrMap[":method"],
		Path:      hdrMap[":path"],
		Scheme:    hdrMap[":scheme"],
		Authority: hdrMap[":authority"],
		Headers:   hdrMap,
	})

	decision, err := st.pipeline.Run(ctx, st.snap)
	if err != nil {
		return nil, err
	}
	if decision.Deny != nil {
		return immediateResponse(decision.Deny), nil
	}
	if st.srv.OnDestinationSelected != nil {
		for _, m := range decision.HeaderMutations {
			if !m.Remove && strings.EqualFold(m.Key, destinationEndpointHeader) {
				st.srv.OnDestinationSelected(m.Value)
				break
			}
		}
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extprocv3.HeadersResponse{
				Response: commonResponse(decision, nil),
			},
		},
	}, nil
}

func (st *stream) handleRequestBody(ctx context.Context, b *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	if req := st.snap.Request(); req != nil {
		req.Body = append(req.Body, b.GetBody()...)
		req.EndOfStream = b.GetEndOfStream()
	}
	decision, err := st.pipeline.Run(ctx, st.snap)
	if err != nil {
		return nil, err
	}
	if decision.Deny != nil {
		return immediateResponse(decision.Deny), nil
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestBody{
			RequestBody: &extprocv3.BodyResponse{
				Response: commonResponse(decision, decision.BodyMutation),
			},
		},
	}, nil
}

func (st *stream) handleResponseHeaders(ctx context.Context, h *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error) {
	st.snap = st.snap.Child()
	hdrMap := headerMapToFlat(h.GetHeaders())
	statusCode := 0
	if s, ok := hdrMap[":status"]; ok {
		fmt.Sscanf(s, "%d", &statusCode)
	}
	_ = st.snap.SetResponse(&snapshot.Response{Status: statusCode, Headers: hdrMap})

	decision, err := st.pipeline.Run(ctx, st.snap)
	if err != nil {
		return nil, err
	}
	if decision.Deny != nil {
		return immediateResponse(decision.Deny), nil
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extprocv3.HeadersResponse{
				Response: commonResponse(decision, nil),
			},
		},
	}, nil
}

func (st *stream) handleResponseBody(ctx context.Context, b *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	if resp := st.snap.Response(); resp != nil {
		resp.Body = append(resp.Body, b.GetBody()...)
		resp.LastChunk = b.GetBody()
		resp.EndOfStream = b.GetEndOfStream()
	}
	decision, err := st.pipeline.Run(ctx, st.snap)
	if err != nil {
		return nil, err
	}
	if decision.Deny != nil {
		return immediateResponse(decision.Deny), nil
	}
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{
			ResponseBody: &extprocv3.BodyResponse{
				Response: commonResponse(decision, decision.BodyMutation),
			},
		},
	}, nil
}

func headerMapToFlat(hm *corev3.HeaderMap) map[string]string {
	out := make(map[string]string, len(hm.GetHeaders()))
	for _, h := range hm.GetHeaders() {
		v := h.Value
		if v == "" && len(h.RawValue) > 0 {
			v = string(h.RawValue)
		}
		out[h.Key] = v
	}
	return out
}

func commonResponse(d pipeline.Decision, bodyMutation []byte) *extprocv3.CommonResponse {
	cr := &extprocv3.CommonResponse{
		HeaderMutation: toHeaderMutation(d.HeaderMutations),
	}
	if bodyMutation != nil {
		cr.BodyMutation = &extprocv3.BodyMutation{
			Mutation: &extprocv3.BodyMutation_Body{Body: bodyMutation},
		}
	}
	return cr
}

func toHeaderMutation(mutations []headers.Mutation) *extprocv3.HeaderMutation {
	if len(mutations) == 0 {
		return nil
	}
	hm := &extprocv3.HeaderMutation{}
	for _, m := range mutations {
		if headers.Never[strings.ToLower(m.Key)] {
			continue
		}
		if m.Remove {
			hm.RemoveHeaders = append(hm.RemoveHeaders, m.Key)
			continue
		}
		hm.SetHeaders = append(hm.SetHeaders, &corev3.HeaderValueOption{
			Header:       &corev3.HeaderValue{Key: m.Key, Value: m.Value},
			AppendAction: toAppendAction(m.Action),
		})
	}
	return hm
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

func immediateResponse(d *pipeline.DenyResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status:  &typev3.HttpStatus{Code: typev3.StatusCode(d.Status)},
				Body:    d.Body,
				Headers: toHeaderMutation(d.Headers),
			},
		},
	}
}

// continueResponse is the no-op response sent when FailOpen absorbs an
// internal error: forward the phase's content unchanged.
func continueResponse(req *extprocv3.ProcessingRequest) *extprocv3.ProcessingResponse {
	switch req.Request.(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: &extprocv3.HeadersResponse{}}}
	case *extprocv3.ProcessingRequest_RequestBody:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{RequestBody: &extprocv3.BodyResponse{}}}
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: &extprocv3.HeadersResponse{}}}
	default:
		return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: &extprocv3.BodyResponse{}}}
	}
}

// Check implements grpc_health_v1.HealthServer.
func (s *Server) Check(context.Context, *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: grpc_health_v1.HealthCheckResponse_SERVING}, nil
}

// Watch implements grpc_health_v1.HealthServer.
func (s *Server) Watch(*grpc_health_v1.HealthCheckRequest, grpc_health_v1.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "watch is not implemented")
}

// List implements grpc_health_v1.HealthServer.
func (s *Server) List(context.Context, *grpc_health_v1.HealthListRequest) (*grpc_health_v1.HealthListResponse, error) {
	return nil, status.Error(codes.Unimplemented, "list is not implemented")
}
