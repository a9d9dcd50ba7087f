// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package routing

import (
	"context"
	"net/http"
	"net/http/httptest"

	"github.com/rs/cors"

	"github.com/agentgateway/agentgateway-go/internal/gwerrors"
	"github.com/agentgateway/agentgateway-go/internal/headers"
	"github.com/agentgateway/agentgateway-go/internal/pipeline"
	"github.com/agentgateway/agentgateway-go/internal/policy"
	"github.com/agentgateway/agentgateway-go/internal/snapshot"
)

// KindCORS namespaces the policy.Store lookup for CORSPolicy.
const KindCORS = "cors"

// CORSPolicy wraps github.com/rs/cors's own Options type directly rather
// than re-declaring an equivalent struct: origin matching (exact, wildcard
// subdomain, regex-via-AllowOriginFunc) and the preflight decision table are
// exactly what that library already implements correctly; the preflight
// short-circuit this stage provides asks for nothing the library doesn't
// already do.
type CORSPolicy struct {
	Options cors.Options
}

// CORSStage implements the CORS preflight short-circuit and, for actual
// (non-preflight) requests carrying an Origin header, injects the matching
// Access-Control-Allow-* response headers.
type CORSStage struct {
	Store *policy.Store
	Chain func(snap *snapshot.Snapshot) []policy.Target
}

func (s *CORSStage) Name() string { return KindCORS }

func (s *CORSStage) Evaluate(_ context.Context, snap *snapshot.Snapshot) (pipeline.Decision, error) {
	tp, ok := s.Store.ResolveFirst(KindCORS, s.Chain(snap))
	if !ok {
		return pipeline.Decision{}, nil
	}
	p, ok := tp.Policy.(CORSPolicy)
	if !ok {
		return pipeline.Decision{}, gwerrors.New(gwerrors.KindUnsupportedConversion, "policy %q is not a routing.CORSPolicy", tp.Name)
	}
	req := snap.Request()
	if req == nil || req.Headers["origin"] == "" {
		return pipeline.Decision{}, nil
	}

	httpReq, err := http.NewRequest(req.Method, req.Path, nil)
	if err != nil {
		return pipeline.Decision{}, gwerrors.Wrap(gwerrors.KindUnsupportedConversion, err, "building CORS probe request")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	forwarded := false
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { forwarded = true })
	cors.New(p.Options).Handler(next).ServeHTTP(rec, httpReq)

	mutations := mutationsFromHeader(rec.Header())
	if !forwarded {
		// The library answered the preflight itself without calling next:
		// short-circuit with its response.
		return pipeline.Decision{Deny: &pipeline.DenyResponse{
			Status:  rec.Code,
			Body:    rec.Body.Bytes(),
			Headers: mutations,
		}}, nil
	}
	return pipeline.Decision{HeaderMutations: mutations}, nil
}

// mutationsFromHeader converts the CORS response headers rs/cors computed
// into header.Mutations, overwriting rather than appending: every header
// rs/cors sets (Access-Control-Allow-Origin, -Credentials, -Methods,
// -Headers, Vary, ...) is a single authoritative value, not one more value
// to accumulate alongside whatever the request already carried.
func mutationsFromHeader(h http.Header) []headers.Mutation {
	var out []headers.Mutation
	for k, vals := range h {
		for _, v := range vals {
			out = append(out, headers.Mutation{Key: k, Value: v, Action: headers.OverwriteIfExistsOrAdd, ActionSet: true})
		}
	}
	return out
}
