// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package policy implements the targeted policy store: an indexed,
// hot-swappable table of policies keyed by (kind, target) that every
// pipeline stage (internal/extauthz, internal/extprocbridge, internal/
// ratelimit, internal/llm/provider) consults to find the rules that apply
// to the request/backend currently in flight.
//
// A background loader periodically produces a brand new, fully-formed
// configuration and hands it to LoadConfig, which this package turns into
// an atomic pointer swap: a Store sits on the hot request path and must
// never block a reader behind a writer. atomic.Pointer is the idiomatic Go
// mechanism for that read-mostly, rarely-written shape.
package policy

import (
	"sync/atomic"
)

// TargetLevel orders the specificity of a policy attachment point.
// Request-path levels (Gateway..RouteRule) and backend-path levels
// (Service..SubBackend) are separate hierarchies; the precedence rule is
// "most specific wins" within each hierarchy.
type TargetLevel int

const (
	TargetGateway TargetLevel = iota
	TargetListener
	TargetRoute
	TargetRouteRule
	TargetService
	TargetBackend
	TargetSubBackend
)

func (l TargetLevel) String() string {
	switch l {
	case TargetGateway:
		return "gateway"
	case TargetListener:
		return "listener"
	case TargetRoute:
		return "route"
	case TargetRouteRule:
		return "route_rule"
	case TargetService:
		return "service"
	case TargetBackend:
		return "backend"
	case TargetSubBackend:
		return "sub_backend"
	default:
		return "unknown"
	}
}

// Target identifies one attachment point in the resource hierarchy.
type Target struct {
	Level TargetLevel
	Name  string
}

// RequestChain builds a most-specific-first lookup chain for a request
// context, following the "RouteRule > Route > Listener > Gateway" rule. Any
// segment may be empty, meaning that level isn't attached to this request.
func RequestChain(routeRule, route, listener, gateway string) []Target {
	return compact(
		Target{TargetRouteRule, routeRule},
		Target{TargetRoute, route},
		Target{TargetListener, listener},
		Target{TargetGateway, gateway},
	)
}

// BackendChain builds a most-specific-first lookup chain for a backend
// context, following the "SubBackend > Backend > Service" rule.
func BackendChain(subBackend, backend, service string) []Target {
	return compact(
		Target{TargetSubBackend, subBackend},
		Target{TargetBackend, backend},
		Target{TargetService, service},
	)
}

func compact(targets ...Target) []Target {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Name != "" {
			out = append(out, t)
		}
	}
	return out
}

// TargetedPolicy is one policy attachment: Policy is an opaque payload
// whose concrete type is understood by the consuming package (e.g.
// internal/extauthz's AuthorizationPolicy, internal/ratelimit's
// RateLimitPolicy). Kind namespaces the store by policy type so that an
// Authorization policy and a Transformation policy attached to the same
// Target never collide.
type TargetedPolicy struct {
	Name   string
	Kind   string
	Target Target
	Policy any
}

type snapshot struct {
	byKind map[string]map[Target][]TargetedPolicy
}

func newSnapshot(policies []TargetedPolicy) *snapshot {
	s := &snapshot{byKind: make(map[string]map[Target][]TargetedPolicy)}
	for _, p := range policies {
		byTarget, ok := s.byKind[p.Kind]
		if !ok {
			byTarget = make(map[Target][]TargetedPolicy)
			s.byKind[p.Kind] = byTarget
		}
		byTarget[p.Target] = append(byTarget[p.Target], p)
	}
	return s
}

// Store is the read-mostly, hot-swappable policy index. The zero Store is
// ready to use and has no policies loaded.
type Store struct {
	snap atomic.Pointer[snapshot]
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	s.snap.Store(newSnapshot(nil))
	return s
}

// LoadConfig atomically replaces the whole policy set. It never blocks a
// concurrent Resolve/ResolveFirst call: readers either see the old snapshot
// in full or the new one in full, never a partial update.
func (s *Store) LoadConfig(policies []TargetedPolicy) {
	s.snap.Store(newSnapshot(policies))
}

// ResolveFirst walks chain (most specific first) and returns the first
// policy of the given kind attached to any target in the chain, implementing
// the "singleton, first match wins" merge strategy (e.g. Authentication,
// RateLimit).
func (s *Store) ResolveFirst(kind string, chain []Target) (TargetedPolicy, bool) {
	snap := s.snap.Load()
	byTarget := snap.byKind[kind]
	for _, t := range chain {
		if ps, ok := byTarget[t]; ok && len(ps) > 0 {
			return ps[0], true
		}
	}
	return TargetedPolicy{}, false
}

// ResolveAll walks the entire chain and returns every policy of the given
// kind found at any level, most specific first, implementing the
// "concatenate across levels" merge strategy required for policies like
// Authorization header injection, where a Gateway-level and a RouteRule-
// level policy both apply.
func (s *Store) ResolveAll(kind string, chain []Target) []TargetedPolicy {
	snap := s.snap.Load()
	byTarget := snap.byKind[kind]
	var out []TargetedPolicy
	for _, t := range chain {
		out = append(out, byTarget[t]...)
	}
	return out
}
