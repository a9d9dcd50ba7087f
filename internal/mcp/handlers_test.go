// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mcp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const routeHeaderName = "x-agentgateway-route"

const validInitializeResponse = `{
"jsonrpc": "2.0",
"id": 1,
"result": {
"protocolVersion": "2025-06-18",
"capabilities": {"tools": {"listChanged": true}},
"serverInfo": {"name": "fake-server", "version": "1.0.0"}
}
}`

func newTestProxy(backendURL string, routes ...Route) *Proxy {
	return NewProxy(slog.Default(), nil, nil, Config{
		BackendListenerAddr: backendURL,
		Routes:              routes,
	}, "test-seed", "")
}

// sessionToken builds an encrypted session token for the given backends,
// bypassing the initialize handshake.
func sessionToken(t *testing.T, p *Proxy, route string, backends ...string) string {
	t.Helper()
	entries := make([]compositeSessionEntry, 0, len(backends))
	for _, b := range backends {
		entries = append(entries, compositeSessionEntry{backendName: b, sessionID: gatewayToMCPServerSessionID("sess-" + b)})
	}
	enc, err := p.sessionCrypto.Encrypt(string(clientGatewaySessionIDFromEntries("", entries, route)))
	require.NoError(t, err)
	return enc
}

func TestServeMuxMethodNotAllowed(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{Name: "r", Backends: []Backend{{Name: "b", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)

	req := httptest.NewRequest(http.MethodPatch, "/mcp", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Contains(t, rr.Body.String(), "method not allowed")
}

func TestServeGETMissingSessionID(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{Name: "r", Backends: []Backend{{Name: "b", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServePOSTMissingSessionID(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{Name: "r", Backends: []Backend{{Name: "b", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)

	body, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: mustJSONRPCRequestID(), Method: "tools/list"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	req.Header.Set(routeHeaderName, "r")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "missing session ID")
}

func TestSessionFromIDResumeRefusedOnBackendMismatch(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0",
		Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/u1"}, {Name: "u2", Path: "/u2"}}})

	// A token naming only one of the route's two backends cannot be resumed.
	tok := sessionToken(t, p, "r", "u1")
	_, err := p.sessionFromID(secureClientGatewaySessionID(tok), "")
	require.ErrorContains(t, err, "names 1 backends")

	// Same count but an unknown backend name is refused too.
	tok = sessionToken(t, p, "r", "u1", "u3")
	_, err = p.sessionFromID(secureClientGatewaySessionID(tok), "")
	require.ErrorContains(t, err, `unknown backend "u3"`)

	// The matching set resumes.
	tok = sessionToken(t, p, "r", "u1", "u2")
	s, err := p.sessionFromID(secureClientGatewaySessionID(tok), "")
	require.NoError(t, err)
	require.Len(t, s.perBackendSessions, 2)
}

// jsonRPCBackend fakes an upstream MCP server: it answers initialize and
// notifications/initialized, then delegates everything else to handle.
type jsonRPCBackend struct {
	mu       sync.Mutex
	requests []*jsonrpc.Request
	handle   func(req *jsonrpc.Request) (result json.RawMessage, ok bool)
}

func (b *jsonRPCBackend) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusOK)
		return
	}
	body, _ := io.ReadAll(r.Body)
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	switch req.Method {
	case "initialize":
		w.Header().Set(sessionIDHeader, "backend-session")
		w.Header().Set("Content-Type", "application/json")
		var result json.RawMessage = json.RawMessage(gjson.Get(validInitializeResponse, "result").Raw)
		data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: result})
		_, _ = w.Write(data)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	default:
		if b.handle != nil {
			if result, ok := b.handle(req); ok {
				w.Header().Set("Content-Type", "application/json")
				data, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: result})
				_, _ = w.Write(data)
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func (b *jsonRPCBackend) received(method string) []*jsonrpc.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*jsonrpc.Request
	for _, r := range b.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func TestToolCallRoutedToOwningBackend(t *testing.T) {
	backends := map[string]*jsonRPCBackend{
		"u1": {handle: func(*jsonrpc.Request) (json.RawMessage, bool) { return json.RawMessage(`{"content":[]}`), true }},
		"u2": {handle: func(*jsonrpc.Request) (json.RawMessage, bool) { return json.RawMessage(`{"content":[]}`), true }},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backends[r.Header.Get("x-agentgateway-mcp-backend")].serve(w, r)
	}))
	defer srv.Close()

	p := newTestProxy(srv.URL,
		Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}, {Name: "u2", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)
	tok := sessionToken(t, p, "r", "u1", "u2")

	callBody, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     mustJSONRPCRequestID(),
		Method: "tools/call",
		Params: json.RawMessage(`{"name":"u2__search","arguments":{"q":"x"}}`),
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(callBody)))
	req.Header.Set(routeHeaderName, "r")
	req.Header.Set(sessionIDHeader, tok)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Empty(t, backends["u1"].received("tools/call"))
	calls := backends["u2"].received("tools/call")
	require.Len(t, calls, 1)
	require.Equal(t, "search", gjson.GetBytes(calls[0].Params, "name").String())
}

func TestToolCallWithoutPrefixRejectedWhenMultiplexing(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0",
		Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}, {Name: "u2", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)
	tok := sessionToken(t, p, "r", "u1", "u2")

	callBody, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     mustJSONRPCRequestID(),
		Method: "tools/call",
		Params: json.RawMessage(`{"name":"search"}`),
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(callBody)))
	req.Header.Set(routeHeaderName, "r")
	req.Header.Set(sessionIDHeader, tok)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "invalid tool name")
}

func TestResourcesListRejectedWhenMultiplexing(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0",
		Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}, {Name: "u2", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)
	tok := sessionToken(t, p, "r", "u1", "u2")

	for _, method := range []string{"resources/list", "resources/templates/list"} {
		body, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: mustJSONRPCRequestID(), Method: method})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
		req.Header.Set(routeHeaderName, "r")
		req.Header.Set(sessionIDHeader, tok)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, int64(-32601), gjson.GetBytes(rr.Body.Bytes(), "error.code").Int())
	}
}

func TestToolsListMergePrefixesOnlyWhenMultiplexing(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0",
		Route{Name: "multi", Backends: []Backend{{Name: "u1", Path: "/u1"}, {Name: "u2", Path: "/u2"}}},
		Route{Name: "single", Backends: []Backend{{Name: "u1", Path: "/u1"}}})

	responses := []broadcastResponse[mcpsdk.ListToolsResult]{
		{backendName: "u1", res: mcpsdk.ListToolsResult{Tools: []*mcpsdk.Tool{{Name: "search"}}}},
		{backendName: "u2", res: mcpsdk.ListToolsResult{Tools: []*mcpsdk.Tool{{Name: "fetch"}, {Name: "search"}}}},
	}
	merged := p.mergeToolsList(&session{route: "multi", proxy: p}, responses)
	require.Len(t, merged.Tools, 3)
	names := []string{merged.Tools[0].Name, merged.Tools[1].Name, merged.Tools[2].Name}
	require.ElementsMatch(t, []string{"u1__search", "u2__fetch", "u2__search"}, names)

	single := p.mergeToolsList(&session{route: "single", proxy: p}, []broadcastResponse[mcpsdk.ListToolsResult]{
		{backendName: "u1", res: mcpsdk.ListToolsResult{Tools: []*mcpsdk.Tool{{Name: "search"}}}},
	})
	require.Len(t, single.Tools, 1)
	require.Equal(t, "search", single.Tools[0].Name)
}

func TestToolsListMergeHonorsToolSelector(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0",
		Route{Name: "r", Backends: []Backend{
			{Name: "u1", Path: "/u1", ToolSelector: &ToolSelector{Include: []string{"allowed"}}},
			{Name: "u2", Path: "/u2"},
		}})
	merged := p.mergeToolsList(&session{route: "r", proxy: p}, []broadcastResponse[mcpsdk.ListToolsResult]{
		{backendName: "u1", res: mcpsdk.ListToolsResult{Tools: []*mcpsdk.Tool{{Name: "allowed"}, {Name: "hidden"}}}},
		{backendName: "u2", res: mcpsdk.ListToolsResult{Tools: []*mcpsdk.Tool{{Name: "other"}}}},
	})
	require.Len(t, merged.Tools, 2)
	require.ElementsMatch(t, []string{"u1__allowed", "u2__other"},
		[]string{merged.Tools[0].Name, merged.Tools[1].Name})
}

func signedTestJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestAuthorizeScopes(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{
		Name:     "r",
		Backends: []Backend{{Name: "u1", Path: "/u1"}},
		Authorization: &RouteAuthorization{Rules: []AuthorizationRule{
			{
				Target:         []ToolTarget{{BackendName: "u1", ToolName: "search"}},
				RequiredScopes: []string{"tools:search"},
			},
		}},
	})
	rc := p.routes["r"]

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+signedTestJWT(t, jwt.MapClaims{"sub": "alice", "scope": "tools:search other"}))
	ok, challenge := p.authorize(rc, headers, "u1", "search", nil)
	require.True(t, ok)
	require.Empty(t, challenge)

	headers.Set("Authorization", "Bearer "+signedTestJWT(t, jwt.MapClaims{"sub": "alice", "scope": "other"}))
	ok, challenge = p.authorize(rc, headers, "u1", "search", nil)
	require.False(t, ok)
	require.Contains(t, challenge, `insufficient_scope`)
	require.Contains(t, challenge, "tools:search")

	// No token at all.
	ok, challenge = p.authorize(rc, http.Header{}, "u1", "search", nil)
	require.False(t, ok)
	require.Empty(t, challenge)
}

func TestAuthorizeArgumentPatterns(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{
		Name:     "r",
		Backends: []Backend{{Name: "u1", Path: "/u1"}},
		Authorization: &RouteAuthorization{Rules: []AuthorizationRule{
			{
				Target:         []ToolTarget{{BackendName: "u1", ToolName: "search", Arguments: map[string]string{"q": "^public-"}}},
				RequiredScopes: []string{"tools:search"},
			},
		}},
	})
	rc := p.routes["r"]
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+signedTestJWT(t, jwt.MapClaims{"scope": "tools:search"}))

	ok, _ := p.authorize(rc, headers, "u1", "search", map[string]any{"q": "public-data"})
	require.True(t, ok)
	ok, _ = p.authorize(rc, headers, "u1", "search", map[string]any{"q": "private-data"})
	require.False(t, ok)
}

func TestInitializeStripsRootsWhenMultiplexing(t *testing.T) {
	backends := map[string]*jsonRPCBackend{"u1": {}, "u2": {}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backends[r.Header.Get("x-agentgateway-mcp-backend")].serve(w, r)
	}))
	defer srv.Close()

	p := newTestProxy(srv.URL,
		Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}, {Name: "u2", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)

	initBody, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     mustJSONRPCRequestID(),
		Method: "initialize",
		Params: json.RawMessage(`{"protocolVersion":"2025-06-18","capabilities":{"roots":{"listChanged":true},"sampling":{}},"clientInfo":{"name":"c","version":"1"}}`),
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(initBody)))
	req.Header.Set(routeHeaderName, "r")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotEmpty(t, rr.Header().Get(sessionIDHeader))
	for name, b := range backends {
		inits := b.received("initialize")
		require.Len(t, inits, 1, name)
		require.False(t, gjson.GetBytes(inits[0].Params, "capabilities.roots").Exists(), name)
		require.True(t, gjson.GetBytes(inits[0].Params, "capabilities.sampling").Exists(), name)
	}
}

func TestStatelessRouteSynthesizesInitialize(t *testing.T) {
	backend := &jsonRPCBackend{
		handle: func(req *jsonrpc.Request) (json.RawMessage, bool) {
			if req.Method == "tools/list" {
				return json.RawMessage(`{"tools":[{"name":"echo","inputSchema":{"type":"object"}}]}`), true
			}
			return nil, false
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(backend.serve))
	defer srv.Close()

	p := newTestProxy(srv.URL,
		Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}}, Stateless: true})
	mux := p.ServeMux(routeHeaderName)

	body, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: mustJSONRPCRequestID(), Method: "tools/list"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	req.Header.Set(routeHeaderName, "r")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	// The backend saw the synthetic handshake before the real request.
	require.Len(t, backend.received("initialize"), 1)
	require.Len(t, backend.received("notifications/initialized"), 1)
	require.Len(t, backend.received("tools/list"), 1)
	// Single backend: the merged list carries the bare tool name.
	require.Contains(t, rr.Body.String(), `"name":"echo"`)
	require.NotContains(t, rr.Body.String(), "u1__echo")
}

func TestPing(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}}})
	mux := p.ServeMux(routeHeaderName)
	tok := sessionToken(t, p, "r", "u1")

	body, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: mustJSONRPCRequestID(), Method: "ping"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(string(body)))
	req.Header.Set(routeHeaderName, "r")
	req.Header.Set(sessionIDHeader, tok)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"result":{}`)
}

func TestUpstreamResourceName(t *testing.T) {
	backend, name, err := upstreamResourceName("u2__search")
	require.NoError(t, err)
	require.Equal(t, "u2", backend)
	require.Equal(t, "search", name)

	_, _, err = upstreamResourceName("search")
	require.Error(t, err)

	// Separators inside the bare name survive the round trip.
	backend, name, err = upstreamResourceName(downstreamResourceName("a__b", "u1"))
	require.NoError(t, err)
	require.Equal(t, "u1", backend)
	require.Equal(t, "a__b", name)
}

func TestServerToClientRequestIDRewrite(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:0", Route{Name: "r", Backends: []Backend{{Name: "u1", Path: "/mcp"}}})

	id, err := jsonrpc.MakeID("orig-id")
	require.NoError(t, err)
	msg := &jsonrpc.Request{ID: id, Method: "sampling/createMessage", Params: json.RawMessage(`{}`)}
	require.NoError(t, p.maybeServerToClientRequestModify(msg, "u1"))

	raw, ok := msg.ID.Raw().(string)
	require.True(t, ok)
	parts := strings.Split(raw, nameSeparator)
	require.Len(t, parts, 3)
	require.Equal(t, "s", parts[1])
	require.Equal(t, "u1", parts[2])

	// Methods that are not server->client requests pass through untouched.
	note := &jsonrpc.Request{ID: id, Method: "notifications/message"}
	require.NoError(t, p.maybeServerToClientRequestModify(note, "u1"))
	require.Equal(t, id, note.ID)
}
