// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package ratelimit implements the two rate-limiting policy stages:
// LocalRateLimit (an in-process token bucket keyed by a configurable
// descriptor set) and RemoteRateLimit (a gRPC check against
// envoy.service.ratelimit.v3, the same Rate Limit Service protocol Envoy's
// own rate limit filter speaks).
//
// The descriptor-key vocabulary (backend_name, model_name_override) sends
// the same (backend_name, model_name_override) descriptor tuple to the RLS
// protocol that a static rate-limit-service config would, just generated
// from a live request path instead of a config-reconciler step, which is
// out of scope here.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	rlsv3 "github.com/envoyproxy/go-control-plane/envoy/service/ratelimit/v3"
	"google.golang.org/grpc"

	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// Policy kind constants for policy.Store lookups.
const (
	KindLocal  = "local_rate_limit"
	KindRemote = "remote_rate_limit"
)

// BucketType distinguishes a plain request-count bucket from a token bucket;
// type=tokens buckets are held for post-hoc amendment.
type BucketType int

const (
	BucketRequests BucketType = iota
	BucketTokens
)

// DescriptorFunc extracts the descriptor key set a policy is keyed on (e.g.
// backend_name, model_name_override, a client IP, a JWT subject) from the
// current snapshot.
type DescriptorFunc func(snap *snapshot.Snapshot) string

// LocalPolicy configures one LocalRateLimit attachment: a token bucket per
// distinct descriptor value, refilled continuously at Rate tokens/Interval
// up to Burst capacity.
type LocalPolicy struct {
	Type        BucketType
	Burst       int64
	Rate        int64
	Interval    time.Duration
	Descriptor  DescriptorFunc
	DenyMessage string
}

// bucket is a continuously-refilling token bucket, safe for concurrent use,
// following the standard "leaky/token bucket with lazy refill on access"
// algorithm. This is the one stdlib-only primitive in the package --
// justified because it is pure arithmetic with no I/O, and no third-party
// library is a better fit for a single-process refill counter than plain
// arithmetic under a mutex.
type bucket struct {
	mu      sync.Mutex
	tokens  float64
	last    time.Time
	burst   float64
	rate    float64 // tokens per second
	debited float64 // running total debited, for amendment sanity only
}

func newBucket(p LocalPolicy) *bucket {
	rate := float64(p.Rate) / p.Interval.Seconds()
	return &bucket{tokens: float64(p.Burst), last: time.Now(), burst: float64(p.Burst), rate: rate}
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// take attempts to debit n tokens, returning whether the bucket allowed it.
func (b *bucket) take(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	b.debited += n
	return true
}

// amend credits back (if delta is negative) or further debits (if positive)
// tokens previously estimated, as part of the post-response token-count
// amendment flow. A credit is capped at the bucket's burst; a debit may
// take the balance below zero.
func (b *bucket) amend(delta float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now())
	b.tokens -= delta
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// LocalLimiter holds one bucket per distinct descriptor value seen for a
// given LocalPolicy, created lazily on first use.
type LocalLimiter struct {
	policy LocalPolicy

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocalLimiter builds a limiter for one policy attachment.
func NewLocalLimiter(p LocalPolicy) *LocalLimiter {
	return &LocalLimiter{policy: p, buckets: make(map[string]*bucket)}
}

func (l *LocalLimiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBucket(l.policy)
		l.buckets[key] = b
	}
	return b
}

// Allow debits n units (1 request, or n estimated tokens) from the bucket
// keyed by the policy's descriptor function evaluated against snap.
func (l *LocalLimiter) Allow(snap *snapshot.Snapshot, n float64) (allowed bool, key string) {
	key = ""
	if l.policy.Descriptor != nil {
		key = l.policy.Descriptor(snap)
	}
	return l.bucketFor(key).take(n), key
}

// Amend applies a post-response token-count correction to the bucket
// identified by key (as returned from a prior Allow call on the same
// snapshot). It is a no-op for request-count buckets, since only
// BucketTokens buckets are amended.
func (l *LocalLimiter) Amend(key string, delta int64) {
	if l.policy.Type != BucketTokens {
		return
	}
	l.bucketFor(key).amend(float64(delta))
}

// LocalStage is the pipeline.Stage wrapping a LocalLimiter. TokensFn, when
// non-nil, supplies the number of units to debit (e.g. the tokenizer's
// estimated input token count); otherwise 1 request unit is debited.
type LocalStage struct {
	Store    *policy.Store
	Chain    func(snap *snapshot.Snapshot) []policy.Target
	TokensFn func(snap *snapshot.Snapshot) float64

	mu       sync.Mutex
	limiters map[string]*LocalLimiter
}

func (s *LocalStage) Name() string { return "local_rate_limit" }

func (s *LocalStage) limiterFor(name string, p LocalPolicy) *LocalLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiters == nil {
		s.limiters = make(map[string]*LocalLimiter)
	}
	l, ok := s.limiters[name]
	if !ok {
		l = NewLocalLimiter(p)
		s.limiters[name] = l
	}
	return l
}

// descriptorKeyAttr is the snapshot extproc-metadata key LocalStage stashes
// its bucket key under, so a later amendment step (run after the upstream
// response is known) can find the same bucket without re-resolving the
// policy chain.
const descriptorKeyAttr = "_local_rate_limit_bucket_key"

func (s *LocalStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindLocal, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(LocalPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindRateLimited, "policy %q is not a LocalPolicy", tp.Name)
	}
	limiter := s.limiterFor(tp.Name, p)

	units := 1.0
	if p.Type == BucketTokens && s.TokensFn != nil {
		units = s.TokensFn(snap)
	}
	allowed, key := limiter.Allow(snap, units)
	if !allowed {
		msg := p.DenyMessage
		if msg == "" {
			msg = "rate limit exceeded"
		}
		return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindRateLimited), msg, nil), nil
	}
	return pipeline.Decision{DynamicMetadata: map[string]any{descriptorKeyAttr: tp.Name + "|" + key}}, nil
}

// Limiters exposes the underlying per-policy limiters, keyed by policy
// name, so LocalLimiter.Amend can be applied once true usage is known; no
// code in this module outside tests calls Amend.
func (s *LocalStage) Limiters() map[string]*LocalLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*LocalLimiter, len(s.limiters))
	for k, v := range s.limiters {
		out[k] = v
	}
	return out
}

// RemotePolicy configures a RemoteRateLimit attachment: a Should Rate Limit
// check against an envoy.service.ratelimit.v3.RateLimitService backend.
type RemotePolicy struct {
	Domain      string
	Descriptors func(snap *snapshot.Snapshot) []*ratelimitv3.RateLimitDescriptor
	Timeout     time.Duration
	FailureMode FailureMode
}

// FailureMode mirrors ExtAuthz's FailureMode, reused here because
// RemoteRateLimit shares the same Allow/Deny/DenyWithStatus failure-handling
// shape as ExtAuthz transport errors.
type FailureMode int

const (
	FailOpen FailureMode = iota
	FailClosed
	FailWithStatus
)

// RemoteStage calls out to a Rate Limit Service over gRPC.
type RemoteStage struct {
	Store  *policy.Store
	Chain  func(snap *snapshot.Snapshot) []policy.Target
	Client rlsv3.RateLimitServiceClient
}

func (s *RemoteStage) Name() string { return "remote_rate_limit" }

func (s *RemoteStage) Evaluate(ctx context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindRemote, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(RemotePolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindRateLimited, "policy %q is not a RemotePolicy", tp.Name)
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 200 * time.Millisecond
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var descriptors []*ratelimitv3.RateLimitDescriptor
	if p.Descriptors != nil {
		descriptors = p.Descriptors(snap)
	}
	resp, err := s.Client.ShouldRateLimit(cctx, &rlsv3.RateLimitRequest{
		Domain:      p.Domain,
		Descriptors: descriptors,
	}, grpc.WaitForReady(false))
	if err != nil {
		switch p.FailureMode {
		case FailClosed:
			return pipeline.Deny(503, "remote rate limit check failed", nil), nil
		case FailWithStatus:
			return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindRateLimited), "remote rate limit check failed", nil), nil
		default:
			return pipeline.Decision{}, nil
		}
	}
	if resp.GetOverallCode() == rlsv3.RateLimitResponse_OVER_LIMIT {
		return pipeline.Deny(gwerrors.HTTPStatus(gwerrors.KindRateLimited), "rate limit exceeded", nil), nil
	}

	meta := map[string]any{}
	for i, status := range resp.GetStatuses() {
		meta["remote_rate_limit_remaining_"+strconv.Itoa(i)] = status.GetLimitRemaining()
	}
	return pipeline.Decision{DynamicMetadata: meta}, nil
}
