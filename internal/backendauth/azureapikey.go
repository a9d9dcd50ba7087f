// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"context"
	"fmt"
	"strings"
)

// AzureAPIKeyAuthConfig configures Azure OpenAI's "api-key" header auth, the
// alternative to AzureAuthConfig's bearer-token flow.
type AzureAPIKeyAuthConfig struct {
	Key string
}

type azureAPIKeyHandler struct{ apiKey string }

func newAzureAPIKeyHandler(cfg *AzureAPIKeyAuthConfig) (Handler, error) {
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		return nil, fmt.Errorf("azure api key auth: key is required")
	}
	return &azureAPIKeyHandler{apiKey: key}, nil
}

// Do sets the "api-key" header Azure OpenAI expects instead of Authorization.
func (a *azureAPIKeyHandler) Do(_ context.Context, req *Request) error {
	req.Headers["api-key"] = a.apiKey
	return nil
}
