// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package backendauth signs or stamps outbound upstream requests with the
// credentials a backend requires: AWS SigV4, Azure AD bearer tokens, OIDC
// client-credentials tokens, or a static API key. Handler operates on a
// protocol-neutral Request so the same handler works whether it's invoked
// from the ext_proc bridge or, in tests, with no Envoy types at all.
package backendauth

import (
	"context"
	"fmt"
)

// Request is the outbound upstream request a Handler signs in place.
type Request struct {
	Method  string
	URL     string // full upstream URL, already routed to its backend host
	Headers map[string]string
	Body    []byte
}

// Handler signs or stamps a Request with backend credentials.
type Handler interface {
	Do(ctx context.Context, req *Request) error
}

// Config selects one of the backend auth mechanisms below. When more than
// one field is set, NewHandler uses the first non-nil one in field order.
type Config struct {
	AWS          *AWSAuthConfig
	Azure        *AzureAuthConfig
	AzureAPIKey  *AzureAPIKeyAuthConfig
	GCP          *GCPAuthConfig
	GeminiAPIKey *GeminiAPIKeyAuthConfig
	OIDC         *OIDCAuthConfig
	APIKey       *APIKeyAuthConfig
}

// NewHandler builds the Handler selected by cfg.
func NewHandler(ctx context.Context, cfg Config) (Handler, error) {
	switch {
	case cfg.AWS != nil:
		return newAWSHandler(ctx, cfg.AWS)
	case cfg.Azure != nil:
		return newAzureHandler(cfg.Azure)
	case cfg.AzureAPIKey != nil:
		return newAzureAPIKeyHandler(cfg.AzureAPIKey)
	case cfg.GCP != nil:
		return newGCPHandler(ctx, cfg.GCP)
	case cfg.GeminiAPIKey != nil:
		return newGeminiAPIKeyHandler(cfg.GeminiAPIKey)
	case cfg.OIDC != nil:
		return newOIDCHandler(cfg.OIDC)
	case cfg.APIKey != nil:
		return newAPIKeyHandler(cfg.APIKey)
	default:
		return nil, fmt.Errorf("backendauth: no handler configured")
	}
}
