// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// APIKeyAuthConfig configures a static bearer API key, read from a mounted
// secret file so that key rotation doesn't require a process restart.
type APIKeyAuthConfig struct {
	Filename string
}

type apiKeyHandler struct{ filename string }

func newAPIKeyHandler(cfg *APIKeyAuthConfig) (Handler, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("api key auth: filename is required")
	}
	return &apiKeyHandler{filename: cfg.Filename}, nil
}

// Do reads the key fresh on every call, so a rotated secret file takes
// effect on the next request without a restart.
func (a *apiKeyHandler) Do(_ context.Context, req *Request) error {
	secret, err := os.ReadFile(a.filename)
	if err != nil {
		return fmt.Errorf("api key auth: read key file: %w", err)
	}
	req.Headers["Authorization"] = "Bearer " + strings.TrimSpace(string(secret))
	return nil
}
