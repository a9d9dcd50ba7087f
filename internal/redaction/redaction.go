// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package redaction replaces request/response body bytes with a placeholder
// before they reach the access-log line, so prompt/completion content never
// lands in logs while still letting two log lines be correlated back to the
// same body by length and hash.
package redaction

import (
	"fmt"
	"hash/crc32"
)

// ComputeContentHash returns an 8-hex-digit CRC32 of s. CRC32 over a
// cryptographic hash because this is a correlation key for debugging, not a
// security boundary, and bodies can be large enough that the hash cost
// matters on every logged exchange.
func ComputeContentHash(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// RedactString replaces s with a placeholder carrying its length and hash,
// e.g. "[REDACTED LENGTH=19 HASH=a3f5e8c2]", so two redacted log lines can
// still be matched back to identical content without exposing it.
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("[REDACTED LENGTH=%d HASH=%s]", len(s), ComputeContentHash(s))
}
