// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package provider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectorErrorsOnEmptyBackend(t *testing.T) {
	s := NewSelector(&AIBackend{Name: "empty"})
	_, _, err := s.Select(&AIBackend{Name: "empty"})
	require.Error(t, err)
}

func TestSelectorSinglePovider(t *testing.T) {
	backend := &AIBackend{Name: "b", Providers: []NamedAIProvider{{Name: "only"}}}
	s := NewSelector(backend)
	p, release, err := s.Select(backend)
	require.NoError(t, err)
	require.Equal(t, "only", p.Name)
	release()
}

func TestSelectorPrefersLessLoadedProvider(t *testing.T) {
	backend := &AIBackend{Name: "b", Providers: []NamedAIProvider{{Name: "p0"}, {Name: "p1"}}}
	s := NewSelector(backend)
	// Load p0 heavily so power-of-two-choices should tend to pick p1.
	for i := 0; i < 50; i++ {
		s.counts[0].Add(1)
	}
	p1Chosen := 0
	for i := 0; i < 100; i++ {
		p, release, err := s.Select(backend)
		require.NoError(t, err)
		if p.Name == "p1" {
			p1Chosen++
		}
		release()
	}
	require.Greater(t, p1Chosen, 60)
}

func TestSelectorReleaseDecrementsCount(t *testing.T) {
	backend := &AIBackend{Name: "b", Providers: []NamedAIProvider{{Name: "only"}}}
	s := NewSelector(backend)
	_, release, err := s.Select(backend)
	require.NoError(t, err)
	require.Equal(t, int64(1), s.counts[0].Load())
	release()
	require.Equal(t, int64(0), s.counts[0].Load())
}
