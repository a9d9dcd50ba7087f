// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package provider

import (
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Selector tracks in-flight request counts per provider so Select can make
// a load-aware power-of-two-choices pick instead of a purely random one.
type Selector struct {
	counts []atomic.Int64
}

func NewSelector(backend *AIBackend) *Selector {
	return &Selector{counts: make([]atomic.Int64, len(backend.Providers))}
}

// Select draws two candidate indices at random, weighted by
// NamedAIProvider.Weight (uniformly when no provider has a positive
// weight), and returns the one with fewer in-flight requests; a backend
// with a single provider always gets that provider. Callers must call the
// returned release func once the request completes.
func (s *Selector) Select(backend *AIBackend) (NamedAIProvider, func(), error) {
	n := len(backend.Providers)
	if n == 0 {
		return NamedAIProvider{}, nil, fmt.Errorf("backend %q has no providers", backend.Name)
	}
	idx := 0
	if n == 1 {
		idx = 0
	} else {
		total := 0
		for _, p := range backend.Providers {
			total += max(p.Weight, 0)
		}
		pick := func() int {
			if total == 0 {
				return rand.Intn(n) //nolint:gosec
			}
			r := rand.Intn(total) //nolint:gosec
			for i, p := range backend.Providers {
				if r < max(p.Weight, 0) {
					return i
				}
				r -= max(p.Weight, 0)
			}
			return n - 1
		}
		a, b := pick(), pick()
		idx = a
		if s.counts[b].Load() < s.counts[a].Load() {
			idx = b
		}
	}
	s.counts[idx].Add(1)
	release := func() { s.counts[idx].Add(-1) }
	return backend.Providers[idx], release, nil
}
