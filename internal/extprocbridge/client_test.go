// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package extprocbridge

import (
	"context"
	"errors"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/agentgateway/agentgateway-go/internal/extauthz"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// fakeProcessStream scripts the sidecar's side of the bidi stream.
type fakeProcessStream struct {
	grpc.ClientStream
	sent      []*extprocv3.ProcessingRequest
	responses []*extprocv3.ProcessingResponse
	recvErr   error
}

func (f *fakeProcessStream) Send(req *extprocv3.ProcessingRequest) error {
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeProcessStream) Recv() (*extprocv3.ProcessingResponse, error) {
	if len(f.responses) == 0 {
		if f.recvErr != nil {
			return nil, f.recvErr
		}
		return nil, errors.New("no scripted response")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeProcessStream) CloseSend() error { return nil }

type fakeProcessorClient struct {
	stream  *fakeProcessStream
	openErr error
}

func (f *fakeProcessorClient) Process(context.Context, ...grpc.CallOption) (extprocv3.ExternalProcessor_ProcessClient, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func clientStageFor(t *testing.T, p ClientPolicy) (*ClientStage, *snapshot.Snapshot) {
	t.Helper()
	store := policy.NewStore()
	store.LoadConfig([]policy.TargetedPolicy{{
		Name:   "extproc",
		Kind:   KindClient,
		Target: policy.Target{Level: policy.TargetGateway, Name: "gw"},
		Policy: p,
	}})
	snap := snapshot.New()
	require.NoError(t, snap.SetRequest(&snapshot.Request{
		Method:      "POST",
		Path:        "/v1/chat/completions",
		Headers:     map[string]string{"content-type": "application/json"},
		Body:        []byte(`{"x":1}`),
		EndOfStream: true,
	}))
	return &ClientStage{
		Store: store,
		Chain: func(*snapshot.Snapshot) []policy.Target { return policy.RequestChain("", "", "", "gw") },
	}, snap
}

func headersResponse(hm *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestHeaders{
		RequestHeaders: &extprocv3.HeadersResponse{Response: &extprocv3.CommonResponse{HeaderMutation: hm}},
	}}
}

func bodyResponse(body []byte) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{Response: &extprocv3.ProcessingResponse_RequestBody{
		RequestBody: &extprocv3.BodyResponse{Response: &extprocv3.CommonResponse{
			BodyMutation: &extprocv3.BodyMutation{Mutation: &extprocv3.BodyMutation_Body{Body: body}},
		}},
	}}
}

func TestClientStageAppliesMutations(t *testing.T) {
	stream := &fakeProcessStream{responses: []*extprocv3.ProcessingResponse{
		headersResponse(&extprocv3.HeaderMutation{
			SetHeaders: []*corev3.HeaderValueOption{{
				Header:       &corev3.HeaderValue{Key: "x-processed", Value: "yes"},
				AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
			}},
			RemoveHeaders: []string{"x-secret"},
		}),
		bodyResponse([]byte(`{"x":2}`)),
	}}
	stage, snap := clientStageFor(t, ClientPolicy{Client: &fakeProcessorClient{stream: stream}})

	d, err := stage.Evaluate(t.Context(), snap)
	require.NoError(t, err)
	require.Nil(t, d.Deny)
	require.Equal(t, []byte(`{"x":2}`), d.BodyMutation)

	var set, removed bool
	for _, m := range d.HeaderMutations {
		if m.Key == "x-processed" && m.Value == "yes" && m.Action == headers.OverwriteIfExistsOrAdd {
			set = true
		}
		if m.Key == "x-secret" && m.Remove {
			removed = true
		}
	}
	require.True(t, set)
	require.True(t, removed)

	// The stage sent headers (end_of_stream=false, a body follows) then the
	// buffered body.
	require.Len(t, stream.sent, 2)
	require.False(t, stream.sent[0].GetRequestHeaders().GetEndOfStream())
	require.Equal(t, []byte(`{"x":1}`), stream.sent[1].GetRequestBody().GetBody())
}

func TestClientStageImmediateResponse(t *testing.T) {
	stream := &fakeProcessStream{responses: []*extprocv3.ProcessingResponse{{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extprocv3.ImmediateResponse{
				Status: &typev3.HttpStatus{Code: typev3.StatusCode_TooManyRequests},
				Body:   []byte("slow down"),
			},
		},
	}}}
	stage, snap := clientStageFor(t, ClientPolicy{Client: &fakeProcessorClient{stream: stream}})

	d, err := stage.Evaluate(t.Context(), snap)
	require.NoError(t, err)
	require.NotNil(t, d.Deny)
	require.Equal(t, 429, d.Deny.Status)
	require.Equal(t, []byte("slow down"), d.Deny.Body)
}

func TestClientStageFailureModes(t *testing.T) {
	openErr := errors.New("connection refused")

	stage, snap := clientStageFor(t, ClientPolicy{
		Client:      &fakeProcessorClient{openErr: openErr},
		FailureMode: extauthz.FailOpen,
	})
	d, err := stage.Evaluate(t.Context(), snap)
	require.NoError(t, err)
	require.Nil(t, d.Deny, "fail-open passes the request through")

	stage, snap = clientStageFor(t, ClientPolicy{
		Client:      &fakeProcessorClient{openErr: openErr},
		FailureMode: extauthz.FailClosed,
	})
	d, err = stage.Evaluate(t.Context(), snap)
	require.NoError(t, err)
	require.NotNil(t, d.Deny)
	require.Equal(t, 500, d.Deny.Status)
	require.Contains(t, string(d.Deny.Body), "ext_proc failed")
}

func TestClientStageDynamicMetadataFirstFrameOnly(t *testing.T) {
	md1, err := structpb.NewStruct(map[string]any{"verdict": "ok"})
	require.NoError(t, err)
	md2, err := structpb.NewStruct(map[string]any{"verdict": "late"})
	require.NoError(t, err)
	stream := &fakeProcessStream{responses: []*extprocv3.ProcessingResponse{
		func() *extprocv3.ProcessingResponse {
			r := headersResponse(nil)
			r.DynamicMetadata = md1
			return r
		}(),
		func() *extprocv3.ProcessingResponse {
			r := bodyResponse(nil)
			r.DynamicMetadata = md2
			return r
		}(),
	}}
	stage, snap := clientStageFor(t, ClientPolicy{Client: &fakeProcessorClient{stream: stream}})

	_, err = stage.Evaluate(t.Context(), snap)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"verdict": "ok"}, snap.ExtProcMetadata())
}
