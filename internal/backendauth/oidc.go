// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package backendauth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OIDCAuthConfig configures an OAuth2 client-credentials exchange against an
// OIDC provider, for backends that authenticate the gateway itself as a
// confidential client (e.g. a self-hosted model server behind an IdP).
// The Kubernetes-Gateway-API-coupled egv1a1.OIDC type is replaced here by a
// plain struct.
type OIDCAuthConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Audience     string
}

type oidcHandler struct {
	cfg clientcredentials.Config
	aud string

	mu       sync.RWMutex
	token    *oauth2.Token
	tokenExp time.Time
}

func newOIDCHandler(cfg *OIDCAuthConfig) (Handler, error) {
	provider, err := oidc.NewProvider(context.Background(), cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc auth: discover provider: %w", err)
	}
	return &oidcHandler{
		cfg: clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       provider.Endpoint().TokenURL,
			Scopes:         cfg.Scopes,
			EndpointParams: url.Values{"audience": []string{cfg.Audience}},
		},
		aud: cfg.Audience,
	}, nil
}

// Do stamps a cached client-credentials bearer token, refreshing it 5
// minutes before expiry.
func (h *oidcHandler) Do(ctx context.Context, req *Request) error {
	token, err := h.getToken(ctx)
	if err != nil {
		return fmt.Errorf("oidc auth: get token: %w", err)
	}
	req.Headers["Authorization"] = "Bearer " + token
	return nil
}

func (h *oidcHandler) getToken(ctx context.Context) (string, error) {
	h.mu.RLock()
	if h.token != nil && time.Now().Before(h.tokenExp.Add(-5*time.Minute)) {
		tok := h.token.AccessToken
		h.mu.RUnlock()
		return tok, nil
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token != nil && time.Now().Before(h.tokenExp.Add(-5*time.Minute)) {
		return h.token.AccessToken, nil
	}
	token, err := h.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh oauth2 token: %w", err)
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		return "", err
	}
	h.token = token
	h.tokenExp = exp
	return token.AccessToken, nil
}

func tokenExpiry(token *oauth2.Token) (time.Time, error) {
	if !token.Expiry.IsZero() {
		return token.Expiry, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token.AccessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse oauth2 token: %w", err)
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("oauth2 token has no exp claim")
	}
	return time.Unix(int64(exp), 0), nil
}
