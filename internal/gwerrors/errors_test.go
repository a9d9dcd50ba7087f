// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package gwerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New(KindAuthentication, "missing token")
	require.Equal(t, "authentication: missing token", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindUpstreamError, cause, "calling backend %q", "x")
	require.Equal(t, `upstream_error: calling backend "x": boom`, err.Error())
	require.Same(t, cause, err.Unwrap())
	require.True(t, errors.Is(err, cause))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindAuthentication, 401},
		{KindAuthorization, 403},
		{KindExternalAuthzFailed, 403},
		{KindPromptWebhookError, 500},
		{KindRequestTooLarge, 413},
		{KindResponseTooLarge, 502},
		{KindUnsupportedConversion, 400},
		{KindUnsupportedContent, 400},
		{KindRateLimited, 429},
		{KindUpstreamError, 502},
		{Kind("not_a_real_kind"), 500},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, HTTPStatus(tt.kind), tt.kind)
	}
}
