// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/google"
)

// GCPAuthConfig configures OAuth2 bearer-token auth for GCP Vertex AI using
// google.Credentials and its TokenSource to sign requests directly instead
// of handing a token back to a Kubernetes controller reconciler.
type GCPAuthConfig struct {
	// ServiceAccountKeyJSON is the raw service-account key JSON. Empty means
	// fall back to Application Default Credentials.
	ServiceAccountKeyJSON []byte
}

const gcpCloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

type gcpHandler struct {
	credentials *google.Credentials
}

func newGCPHandler(ctx context.Context, cfg *GCPAuthConfig) (Handler, error) {
	var creds *google.Credentials
	var err error
	if len(cfg.ServiceAccountKeyJSON) > 0 {
		creds, err = google.CredentialsFromJSON(ctx, cfg.ServiceAccountKeyJSON, gcpCloudPlatformScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, gcpCloudPlatformScope)
	}
	if err != nil {
		return nil, fmt.Errorf("gcp auth: load credentials: %w", err)
	}
	return &gcpHandler{credentials: creds}, nil
}

// Do stamps a fresh OAuth2 bearer token; google.Credentials.TokenSource
// already caches and refreshes the underlying token for us.
func (g *gcpHandler) Do(_ context.Context, req *Request) error {
	token, err := g.credentials.TokenSource.Token()
	if err != nil {
		return fmt.Errorf("gcp auth: get token: %w", err)
	}
	req.Headers["Authorization"] = "Bearer " + token.AccessToken
	return nil
}
