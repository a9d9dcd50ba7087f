// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extprocbridge

import (
	"context"
	"fmt"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway-go/internal/extauthz"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// KindClient is the policy.Store kind for delegation to an external
// processor service.
const KindClient = "ext_proc"

// ClientPolicy configures the ext_proc delegation policy: a bidirectional
// gRPC stream per request against an external processor that may mutate
// headers and bodies on both the request and response phases, or end the
// exchange with an ImmediateResponse.
type ClientPolicy struct {
	Client  extprocv3.ExternalProcessorClient
	Timeout time.Duration
	// FailureMode governs transport failures: FailOpen passes the exchange
	// through unmodified (the request body is buffered up front so nothing
	// was consumed), FailClosed terminates it with a 500.
	FailureMode extauthz.FailureMode
}

// ClientStage drives one ClientPolicy stream across the four phases of an
// exchange. One ClientStage is built per stream (like the llm gateway and
// tracing stages); the open gRPC stream and the header-phase metadata state
// are carried between its Evaluate calls.
type ClientStage struct {
	Store  *policy.Store
	Chain  func(snap *snapshot.Snapshot) []policy.Target
	Logger *zap.Logger

	stream       extprocv3.ExternalProcessor_ProcessClient
	cancel       context.CancelFunc
	failed       bool
	metadataSeen bool
	reqDone      bool
	respDone     bool
}

func (s *ClientStage) Name() string { return KindClient }

func (s *ClientStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindClient, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(ClientPolicy)
	if !ok || s.failed {
		return pipeline.Decision{}, nil
	}
	if snap.Response() != nil {
		return s.evaluateResponse(ctx, p, snap)
	}
	return s.evaluateRequest(ctx, p, snap)
}

func (s *ClientStage) evaluateRequest(ctx context.Context, p ClientPolicy, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	req := snap.Request()
	// The body is buffered before the sidecar sees anything, so a failure
	// at any point can still fall open to the unmodified request.
	if req == nil || !req.EndOfStream || s.reqDone {
		return pipeline.Decision{}, nil
	}
	s.reqDone = true

	sctx := ctx
	if p.Timeout > 0 {
		sctx, s.cancel = context.WithTimeout(ctx, p.Timeout)
	}
	stream, err := p.Client.Process(sctx)
	if err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: open stream: %v", err)), nil
	}
	s.stream = stream

	hasBody := len(req.Body) > 0
	if err := stream.Send(&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_RequestHeaders{
		RequestHeaders: &extprocv3.HttpHeaders{
			Headers:     flatToHeaderMap(req.Headers, req.Method, req.Scheme, req.Authority, req.Path),
			EndOfStream: !hasBody,
		},
	}}); err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: send request headers: %v", err)), nil
	}
	decision, done, err := s.recvDecision(snap)
	if err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: %v", err)), nil
	}
	if done {
		return decision, nil
	}
	if !hasBody {
		return decision, nil
	}

	if err := stream.Send(&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_RequestBody{
		RequestBody: &extprocv3.HttpBody{Body: req.Body, EndOfStream: true},
	}}); err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: send request body: %v", err)), nil
	}
	bodyDecision, done, err := s.recvDecision(snap)
	if err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: %v", err)), nil
	}
	if done {
		return bodyDecision, nil
	}
	decision.HeaderMutations = append(decision.HeaderMutations, bodyDecision.HeaderMutations...)
	if bodyDecision.BodyMutation != nil {
		decision.BodyMutation = bodyDecision.BodyMutation
	}
	return decision, nil
}

func (s *ClientStage) evaluateResponse(ctx context.Context, p ClientPolicy, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	resp := snap.Response()
	if s.stream == nil || s.respDone || !resp.EndOfStream {
		return pipeline.Decision{}, nil
	}
	s.respDone = true
	defer func() {
		_ = s.stream.CloseSend()
		if s.cancel != nil {
			s.cancel()
		}
	}()

	hasBody := len(resp.Body) > 0
	if err := s.stream.Send(&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_ResponseHeaders{
		ResponseHeaders: &extprocv3.HttpHeaders{
			Headers:     flatToHeaderMap(resp.Headers, "", "", "", ""),
			EndOfStream: !hasBody,
		},
	}}); err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: send response headers: %v", err)), nil
	}
	decision, done, err := s.recvDecision(snap)
	if err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: %v", err)), nil
	}
	if done || !hasBody {
		return decision, nil
	}

	if err := s.stream.Send(&extprocv3.ProcessingRequest{Request: &extprocv3.ProcessingRequest_ResponseBody{
		ResponseBody: &extprocv3.HttpBody{Body: resp.Body, EndOfStream: true},
	}}); err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: send response body: %v", err)), nil
	}
	bodyDecision, done, err := s.recvDecision(snap)
	if err != nil {
		return s.fail(p, fmt.Sprintf("ext_proc failed: %v", err)), nil
	}
	if done {
		return bodyDecision, nil
	}
	decision.HeaderMutations = append(decision.HeaderMutations, bodyDecision.HeaderMutations...)
	if bodyDecision.BodyMutation != nil {
		decision.BodyMutation = bodyDecision.BodyMutation
	}
	return decision, nil
}

// recvDecision reads one ProcessingResponse and folds it into the Decision
// vocabulary. done is true when the response ends the exchange
// (ImmediateResponse). Dynamic metadata is honored only on the first frame
// that carries any; later metadata arrives after the header phase is
// already settled and is dropped with a warning.
func (s *ClientStage) recvDecision(snap *snapshot.Snapshot) (pipeline.Decision, bool, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return pipeline.Decision{}, false, err
	}

	if md := resp.GetDynamicMetadata(); md != nil {
		if s.metadataSeen {
			if s.Logger != nil {
				s.Logger.Warn("ext_proc dynamic metadata after first frame dropped")
			}
		} else {
			s.metadataSeen = true
			_ = snap.SetExtProcMetadata(md.AsMap())
		}
	}

	if ir := resp.GetImmediateResponse(); ir != nil {
		status := 500
		if c := int(ir.GetStatus().GetCode()); c != 0 {
			status = c
		}
		return pipeline.Decision{Deny: &pipeline.DenyResponse{
			Status:  status,
			Body:    ir.GetBody(),
			Headers: fromExtProcHeaderMutation(ir.GetHeaders()),
		}}, true, nil
	}

	var common *extprocv3.CommonResponse
	switch r := resp.GetResponse().(type) {
	case *extprocv3.ProcessingResponse_RequestHeaders:
		common = r.RequestHeaders.GetResponse()
	case *extprocv3.ProcessingResponse_RequestBody:
		common = r.RequestBody.GetResponse()
	case *extprocv3.ProcessingResponse_ResponseHeaders:
		common = r.ResponseHeaders.GetResponse()
	case *extprocv3.ProcessingResponse_ResponseBody:
		common = r.ResponseBody.GetResponse()
	}
	if common == nil {
		return pipeline.Decision{}, false, nil
	}
	d := pipeline.Decision{HeaderMutations: fromExtProcHeaderMutation(common.GetHeaderMutation())}
	if bm := common.GetBodyMutation(); bm != nil {
		if body := bm.GetBody(); body != nil {
			d.BodyMutation = body
		} else if bm.GetClearBody() {
			d.BodyMutation = []byte{}
		}
	}
	return d, false, nil
}

func (s *ClientStage) fail(p ClientPolicy, message string) pipeline.Decision {
	s.failed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.Logger != nil {
		s.Logger.Warn("ext_proc delegation failed", zap.String("error", message))
	}
	if p.FailureMode == extauthz.FailOpen {
		return pipeline.Decision{}
	}
	return pipeline.Deny(500, message, nil)
}

func fromExtProcHeaderMutation(hm *extprocv3.HeaderMutation) []headers.Mutation {
	if hm == nil {
		return nil
	}
	out := make([]headers.Mutation, 0, len(hm.GetSetHeaders())+len(hm.GetRemoveHeaders()))
	for _, o := range hm.GetSetHeaders() {
		value := o.GetHeader().GetValue()
		if value == "" && len(o.GetHeader().GetRawValue()) > 0 {
			value = string(o.GetHeader().GetRawValue())
		}
		out = append(out, headers.Mutation{
			Key:       o.GetHeader().GetKey(),
			Value:     value,
			Action:    fromClientAppendAction(o.GetAppendAction()),
			ActionSet: o.GetAppendAction() != corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD,
		})
	}
	for _, k := range hm.GetRemoveHeaders() {
		out = append(out, headers.Mutation{Key: k, Remove: true})
	}
	return out
}

func fromClientAppendAction(a corev3.HeaderValueOption_HeaderAppendAction) headers.AppendAction {
	switch a {
	case corev3.HeaderValueOption_ADD_IF_ABSENT:
		return headers.AddIfAbsent
	case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD:
		return headers.OverwriteIfExistsOrAdd
	case corev3.HeaderValueOption_OVERWRITE_IF_EXISTS:
		return headers.OverwriteIfExists
	default:
		return headers.AppendIfExistsOrAdd
	}
}

// flatToHeaderMap rebuilds the Envoy HeaderMap an external processor
// expects, pseudo-headers included when present.
func flatToHeaderMap(flat map[string]string, method, scheme, authority, path string) *corev3.HeaderMap {
	hm := &corev3.HeaderMap{}
	if method != "" {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: ":method", Value: method})
	}
	if scheme != "" {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: ":scheme", Value: scheme})
	}
	if authority != "" {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: ":authority", Value: authority})
	}
	if path != "" {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: ":path", Value: path})
	}
	for k, v := range flat {
		hm.Headers = append(hm.Headers, &corev3.HeaderValue{Key: k, Value: v})
	}
	return hm
}
