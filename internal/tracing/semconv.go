// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys this package stamps on every span, named by hand rather
// than pulled from a generated go.opentelemetry.io/otel/semconv package,
// since only a handful of attributes are needed here and depending on the
// whole semantic-conventions package isn't worth it.
const (
	attrURLScheme          = attribute.Key("url.scheme")
	attrProtocolVersion    = attribute.Key("network.protocol.version")
	attrHTTPRequestMethod  = attribute.Key("http.request.method")
	attrURLPath            = attribute.Key("url.path")
	attrHTTPResponseStatus = attribute.Key("http.response.status_code")
	attrGenAITTFTMillis    = attribute.Key("gen_ai.server.time_to_first_token_ms")
)
