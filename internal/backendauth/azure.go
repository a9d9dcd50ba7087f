// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const azureScopeURL = "https://cognitiveservices.azure.com/.default"

// AzureAuthConfig configures Azure OpenAI authentication, either via a
// pre-obtained access token or via workload identity (AKS federated token,
// user/system-assigned managed identity), plus the deployment API version
// used to build the outbound path.
type AzureAuthConfig struct {
	AccessToken         string
	UseWorkloadIdentity bool
	ClientID            string
	TenantID            string
	APIVersion          string // defaults to 2025-02-01-preview
}

type azureHandler struct {
	useWorkloadIdentity bool
	staticToken         string
	credential          azcore.TokenCredential
	tokenOptions        policy.TokenRequestOptions
	apiVersion          string

	mu          sync.RWMutex
	cachedToken string
	tokenExpiry time.Time
}

func newAzureHandler(cfg *AzureAuthConfig) (Handler, error) {
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = "2025-02-01-preview"
	}
	if cfg.UseWorkloadIdentity {
		cred, err := createAzureCredential(cfg.ClientID, cfg.TenantID)
		if err != nil {
			return nil, fmt.Errorf("azure auth: create credential: %w", err)
		}
		return &azureHandler{
			useWorkloadIdentity: true,
			credential:          cred,
			tokenOptions:        policy.TokenRequestOptions{Scopes: []string{azureScopeURL}},
			apiVersion:          apiVersion,
		}, nil
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, fmt.Errorf("azure auth: access token is required when workload identity is disabled")
	}
	return &azureHandler{staticToken: token, apiVersion: apiVersion}, nil
}

// createAzureCredential picks AKS workload identity, a user-assigned managed
// identity, or DefaultAzureCredential, in that order.
func createAzureCredential(clientID, tenantID string) (azcore.TokenCredential, error) {
	clientOptions := defaultAzureCredentialOptions()

	federatedTokenFile := os.Getenv("AZURE_FEDERATED_TOKEN_FILE")
	envTenantID := os.Getenv("AZURE_TENANT_ID")
	envClientID := os.Getenv("AZURE_CLIENT_ID")

	switch {
	case federatedTokenFile != "" && (tenantID != "" || envTenantID != ""):
		if tenantID == "" {
			tenantID = envTenantID
		}
		if clientID == "" {
			clientID = envClientID
		}
		opts := &azidentity.WorkloadIdentityCredentialOptions{
			ClientID: clientID, TenantID: tenantID, TokenFilePath: federatedTokenFile,
		}
		if clientOptions != nil {
			opts.ClientOptions = clientOptions.ClientOptions
		}
		return azidentity.NewWorkloadIdentityCredential(opts)
	case clientID != "":
		opts := &azidentity.ManagedIdentityCredentialOptions{ID: azidentity.ClientID(clientID)}
		if clientOptions != nil {
			opts.ClientOptions = clientOptions.ClientOptions
		}
		return azidentity.NewManagedIdentityCredential(opts)
	default:
		return azidentity.NewDefaultAzureCredential(clientOptions)
	}
}

func defaultAzureCredentialOptions() *azidentity.DefaultAzureCredentialOptions {
	proxyURL := os.Getenv("AGENTGATEWAY_AZURE_PROXY_URL")
	if proxyURL == "" {
		return nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(parsed)}}
	return &azidentity.DefaultAzureCredentialOptions{ClientOptions: azcore.ClientOptions{Transport: client}}
}

// Do stamps the bearer token (fetched fresh, or from the workload-identity
// cache) and rewrites the request path to Azure OpenAI's deployment-scoped
// endpoint, reading the model name out of the already-translated body.
func (a *azureHandler) Do(ctx context.Context, req *Request) error {
	token := a.staticToken
	if a.useWorkloadIdentity {
		t, err := a.getToken(ctx)
		if err != nil {
			return fmt.Errorf("azure auth: get token: %w", err)
		}
		token = t
	}
	req.Headers["Authorization"] = "Bearer " + token

	model, err := extractModel(req.Body)
	if err != nil {
		return fmt.Errorf("azure auth: extract model from body: %w", err)
	}
	req.URL = fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimSuffix(baseOf(req.URL), "/v1/chat/completions"), model, a.apiVersion)
	return nil
}

// getToken returns the cached workload-identity token, refreshing it with a
// 5-minute expiry buffer.
func (a *azureHandler) getToken(ctx context.Context) (string, error) {
	a.mu.RLock()
	if a.cachedToken != "" && time.Now().Add(5*time.Minute).Before(a.tokenExpiry) {
		token := a.cachedToken
		a.mu.RUnlock()
		return token, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cachedToken != "" && time.Now().Add(5*time.Minute).Before(a.tokenExpiry) {
		return a.cachedToken, nil
	}
	tok, err := a.credential.GetToken(ctx, a.tokenOptions)
	if err != nil {
		return "", err
	}
	a.cachedToken = tok.Token
	a.tokenExpiry = tok.ExpiresOn
	return tok.Token, nil
}

func extractModel(body []byte) (string, error) {
	var reqBody struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &reqBody); err != nil {
		return "", err
	}
	return reqBody.Model, nil
}

// baseOf strips the path off a URL, leaving scheme://host.
func baseOf(u string) string {
	if idx := strings.Index(u, "://"); idx >= 0 {
		rest := u[idx+3:]
		if slash := strings.Index(rest, "/"); slash >= 0 {
			return u[:idx+3+slash]
		}
	}
	return u
}
