// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package headers provides the multi-value header join and mutation semantics
// shared by the ExtAuthz and ExtProc bridges.
package headers

import (
	"net/http"
	"strings"
)

// Join collapses the multiple values of an HTTP header into the single string
// representation used when building attribute contexts for ExtAuthz and CEL.
// The cookie header is joined with "; " per RFC 6265; every other header is
// joined with ", " per RFC 9110 §5.3.
func Join(key string, values []string) string {
	if strings.EqualFold(key, "cookie") {
		return strings.Join(values, "; ")
	}
	return strings.Join(values, ", ")
}

// Flatten converts an http.Header into a single-valued map using Join, which
// is the representation the gRPC ExtAuthz AttributeContext and the CEL request
// snapshot both expect.
func Flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = Join(k, v)
	}
	return out
}

// AppendAction mirrors envoy.config.core.v3.HeaderValueOption.HeaderAppendAction.
type AppendAction int

const (
	// AppendIfExistsOrAdd appends the new value if the header already exists,
	// otherwise it adds the header with the new value.
	AppendIfExistsOrAdd AppendAction = iota
	// AddIfAbsent adds the header only if it is currently absent; it is a no-op
	// otherwise.
	AddIfAbsent
	// OverwriteIfExistsOrAdd replaces all existing values, or adds the header if
	// absent.
	OverwriteIfExistsOrAdd
	// OverwriteIfExists replaces all existing values only if the header is
	// already present; it is a no-op otherwise.
	OverwriteIfExists
)

// Never is the set of headers that may never be mutated from an ExtAuthz/ExtProc
// response onto the inbound request, even if targeted explicitly. Pseudo-headers
// are handled separately by rewriting the request line in place.
var Never = map[string]bool{
	"content-length": true,
	"host":           true,
}

// Mutation is a single header mutation request, equivalent to Envoy's
// HeaderValueOption plus its deprecated boolean Append field. A Mutation
// with Remove set is rendered as a headers_to_remove entry instead of a
// HeaderValueOption by every wire-protocol adapter (internal/extauthz,
// internal/extprocbridge).
type Mutation struct {
	Key    string
	Value  string
	Action AppendAction
	Remove bool
	// Append is the deprecated envoy.config.core.v3.HeaderValueOption.append field.
	// It is only honored when ActionSet is false, i.e. the caller populated the
	// legacy boolean instead of the append_action enum.
	Append    *bool
	ActionSet bool
}

// resolveAction implements the deprecated-field precedence rule: `append_action`
// wins whenever it was explicitly set; otherwise `append` (if set) maps to
// AppendIfExistsOrAdd for true and OverwriteIfExistsOrAdd for false.
func (m Mutation) resolveAction() AppendAction {
	if m.ActionSet {
		return m.Action
	}
	if m.Append != nil {
		if *m.Append {
			return AppendIfExistsOrAdd
		}
		return OverwriteIfExistsOrAdd
	}
	return AppendIfExistsOrAdd
}

// Apply mutates h according to Envoy's HeaderAppendAction table. Members of
// Never are always rejected. Pseudo-headers (":method", ":path", ":scheme",
// ":authority") are rejected unless allowPseudo is true, in which case the
// caller is expected to apply the returned value to the request line/URI
// rather than to h.
func Apply(h http.Header, m Mutation, allowPseudo bool) (applied bool, pseudo bool) {
	key := strings.ToLower(m.Key)
	if strings.HasPrefix(key, ":") {
		return allowPseudo, true
	}
	if Never[key] {
		return false, false
	}
	if m.Remove {
		h.Del(http.CanonicalHeaderKey(m.Key))
		return true, false
	}
	canon := http.CanonicalHeaderKey(m.Key)
	_, exists := h[canon]
	switch m.resolveAction() {
	case AppendIfExistsOrAdd:
		h.Add(canon, m.Value)
	case AddIfAbsent:
		if !exists {
			h.Add(canon, m.Value)
		} else {
			return false, false
		}
	case OverwriteIfExistsOrAdd:
		h.Set(canon, m.Value)
	case OverwriteIfExists:
		if exists {
			h.Set(canon, m.Value)
		} else {
			return false, false
		}
	}
	return true, false
}
