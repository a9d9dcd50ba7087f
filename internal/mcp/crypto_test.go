// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mcp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionEncryptionRoundTrip(t *testing.T) {
	sc := NewSessionCrypto("test", "")

	enc, err := sc.Encrypt("plaintext")
	require.NoError(t, err)

	dec, err := sc.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "plaintext", dec)
}

func TestSessionEncryptionIsSalted(t *testing.T) {
	sc := NewSessionCrypto("test", "")

	enc1, err := sc.Encrypt("plaintext")
	require.NoError(t, err)
	enc2, err := sc.Encrypt("plaintext")
	require.NoError(t, err)
	require.NotEqual(t, enc1, enc2)
}

func TestSessionDecryptWrongSeed(t *testing.T) {
	sc1 := NewSessionCrypto("test1", "")
	sc2 := NewSessionCrypto("test2", "")

	enc, err := sc1.Encrypt("plaintext")
	require.NoError(t, err)

	dec, err := sc2.Decrypt(enc)
	require.Error(t, err)
	require.Empty(t, dec)
}

func TestSessionDecryptDifferentInstancesSameSeed(t *testing.T) {
	sc1 := NewSessionCrypto("test", "")
	sc2 := NewSessionCrypto("test", "")

	enc, err := sc1.Encrypt("plaintext")
	require.NoError(t, err)

	dec, err := sc2.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "plaintext", dec)
}

func TestSessionDecryptFallbackSeed(t *testing.T) {
	old := NewSessionCrypto("old-seed", "")
	rotated := NewSessionCrypto("new-seed", "old-seed")

	enc, err := old.Encrypt("plaintext")
	require.NoError(t, err)

	dec, err := rotated.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "plaintext", dec)

	// Tokens issued under the new seed still decrypt.
	enc2, err := rotated.Encrypt("plaintext2")
	require.NoError(t, err)
	dec2, err := rotated.Decrypt(enc2)
	require.NoError(t, err)
	require.Equal(t, "plaintext2", dec2)
}
