// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package promptguard implements the prompt-guard webhook: a policy hook
// that invokes an external webhook to accept, modify, or reject prompts or
// completions, run once on the client request body before translation and
// forwarding, and once on the upstream response body before it reaches the
// client.
//
// No upstream collaborator implements a prompt-guard webhook directly, so
// this package follows the shape every other external-collaborator call in
// this module already uses: an HTTP(S) POST carrying a JSON payload and a
// FailureMode-governed timeout, the same conceptual contract
// internal/extauthz's HTTP variant and internal/ratelimit's RemoteRateLimit
// both implement, generalized here to an accept/modify/reject verdict
// instead of ExtAuthz's allow/deny verdict.
package promptguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Kind constants namespace policy.Store lookups for the request-phase and
// response-phase attachments; a deployment may attach either, both, or
// neither to a given target.
const (
	KindRequest  = "prompt_guard_request"
	KindResponse = "prompt_guard_response"
)

// FailureMode controls what happens when the webhook call itself fails
// (timeout, connection refused, non-2xx, malformed verdict) -- as opposed to
// the webhook successfully returning a Reject verdict, which always denies
// regardless of FailureMode. Mirrors the Allow/Deny shape internal/extauthz
// and internal/ratelimit's RemoteRateLimit already use for the same class of
// "collaborator unavailable" failure.
type FailureMode int

const (
	FailOpen FailureMode = iota
	FailClosed
)

// Policy configures one webhook attachment.
type Policy struct {
	Webhook     string
	Timeout     time.Duration
	FailureMode FailureMode
}

// Action is the webhook's verdict on the prompt/completion it was sent.
type Action string

const (
	ActionAccept Action = "accept"
	ActionModify Action = "modify"
	ActionReject Action = "reject"
)

// Request is the JSON payload POSTed to the webhook. Body is passed through
// unparsed rather than normalized to one client format, since a request-
// phase call may carry any of OpenAI Completions/Anthropic Messages/OpenAI
// Responses JSON and the webhook, not this gateway, owns the prompt-
// extraction logic for whichever shape it's guarding.
type Request struct {
	Phase   string            `json:"phase"` // "request" | "response"
	Model   string            `json:"model,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// Verdict is the webhook's JSON response.
type Verdict struct {
	Action  Action          `json:"action"`
	Body    json.RawMessage `json:"body,omitempty"`
	Status  int             `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client calls a prompt-guard webhook. Tests substitute a fake; production
// wiring uses NewHTTPClient.
type Client interface {
	Check(ctx context.Context, url string, timeout time.Duration, req Request) (Verdict, error)
}

type httpClient struct{ hc *http.Client }

// NewHTTPClient builds the default Client, a plain JSON-over-HTTP POST.
func NewHTTPClient() Client {
	return &httpClient{hc: &http.Client{}}
}

func (c *httpClient) Check(ctx context.Context, url string, timeout time.Duration, req Request) (Verdict, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	encoded, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("promptguard: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return Verdict{}, fmt.Errorf("promptguard: build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return Verdict{}, fmt.Errorf("promptguard: call webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Verdict{}, fmt.Errorf("promptguard: read webhook response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Verdict{}, fmt.Errorf("promptguard: webhook returned status %d: %s", resp.StatusCode, body)
	}
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, fmt.Errorf("promptguard: decode webhook verdict: %w", err)
	}
	if v.Action == "" {
		v.Action = ActionAccept
	}
	return v, nil
}

// RequestStage runs the request-phase prompt guard once the client's body
// has fully arrived, before any translation/forwarding happens.
type RequestStage struct {
	Store  *policy.Store
	Chain  func(snap *snapshot.Snapshot) []policy.Target
	Client Client
}

func (s *RequestStage) Name() string { return "prompt-guard-request" }

func (s *RequestStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindRequest, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(Policy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindPromptWebhookError, "policy %q is not a promptguard.Policy", tp.Name)
	}
	req := snap.Request()
	if req == nil || !req.EndOfStream {
		return pipeline.Decision{}, nil
	}

	verdict, err := s.Client.Check(ctx, p.Webhook, p.Timeout, Request{Phase: "request", Headers: req.Headers, Body: req.Body})
	if err != nil {
		if p.FailureMode == FailClosed {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindPromptWebhookError, err, "request prompt guard webhook %q", tp.Name)
		}
		return pipeline.Decision{}, nil
	}
	return applyVerdict(verdict), nil
}

// ResponseStage runs the response-phase prompt guard on the complete
// upstream response body, before it is relayed (translated or not) to the
// client.
type ResponseStage struct {
	Store  *policy.Store
	Chain  func(snap *snapshot.Snapshot) []policy.Target
	Client Client
}

func (s *ResponseStage) Name() string { return "prompt-guard-response" }

func (s *ResponseStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindResponse, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(Policy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindPromptWebhookError, "policy %q is not a promptguard.Policy", tp.Name)
	}
	resp := snap.Response()
	if resp == nil || !resp.EndOfStream {
		return pipeline.Decision{}, nil
	}

	verdict, err := s.Client.Check(ctx, p.Webhook, p.Timeout, Request{Phase: "response", Headers: resp.Headers, Body: resp.Body})
	if err != nil {
		if p.FailureMode == FailClosed {
			return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindPromptWebhookError, err, "response prompt guard webhook %q", tp.Name)
		}
		return pipeline.Decision{}, nil
	}
	return applyVerdict(verdict), nil
}

func applyVerdict(v Verdict) pipeline.Decision {
	switch v.Action {
	case ActionReject:
		status := v.Status
		if status == 0 {
			status = gwerrors.HTTPStatus(gwerrors.KindPromptWebhookError)
		}
		msg := v.Message
		if msg == "" {
			msg = "rejected by prompt guard"
		}
		return pipeline.Deny(status, msg, nil)
	case ActionModify:
		if len(v.Body) > 0 {
			return pipeline.Decision{BodyMutation: v.Body}
		}
		return pipeline.Decision{}
	default: // ActionAccept, or an unrecognized action treated as accept
		return pipeline.Decision{}
	}
}
