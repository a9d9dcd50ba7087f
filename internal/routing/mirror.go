// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routing

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// KindRequestMirror namespaces the policy.Store lookup for
// RequestMirrorPolicy.
const KindRequestMirror = "request_mirror"

const defaultMirrorTimeout = 2 * time.Second

// MirrorTarget is one fire-and-forget mirror destination.
type MirrorTarget struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// RequestMirrorPolicy is a weighted list of mirror targets. RequestMirror
// does not merge across precedence levels: the first
// non-empty Targets list found while walking the precedence chain wins.
type RequestMirrorPolicy struct {
	Targets []MirrorTarget
}

// RequestMirrorStage copies the inbound request to every configured mirror
// target, independently and without waiting for (or caring about) their
// responses, then lets the original request continue through the pipeline
// unmodified.
type RequestMirrorStage struct {
	Store  *policy.Store
	Chain  func(snap *snapshot.Snapshot) []policy.Target
	Client *http.Client
}

func (s *RequestMirrorStage) Name() string { return KindRequestMirror }

func (s *RequestMirrorStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	p, ok := s.resolve(s.Chain(snap))
	if !ok || len(p.Targets) == 0 {
		return pipeline.Decision{}, nil
	}
	req := snap.Request()
	if req == nil {
		return pipeline.Decision{}, nil
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	for _, target := range p.Targets {
		go mirrorOne(client, target, req)
	}
	return pipeline.Decision{}, nil
}

// resolve implements the "first non-empty Targets list wins, no merge"
// rule: unlike policy.Store.ResolveFirst (which would stop at the first
// *attached* policy, even one with an empty Targets list), this walks each
// chain level in precedence order and keeps going past a level whose policy
// carries no targets.
func (s *RequestMirrorStage) resolve(chain []policy.Target) (RequestMirrorPolicy, bool) {
	for _, t := range chain {
		for _, tp := range s.Store.ResolveAll(KindRequestMirror, []policy.Target{t}) {
			p, ok := tp.Policy.(RequestMirrorPolicy)
			if ok && len(p.Targets) > 0 {
				return p, true
			}
		}
	}
	return RequestMirrorPolicy{}, false
}

func mirrorOne(client *http.Client, target MirrorTarget, req *snapshot.Request) {
	timeout := target.Timeout
	if timeout == 0 {
		timeout = defaultMirrorTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return
	}
	resp.Body.Close()
}
