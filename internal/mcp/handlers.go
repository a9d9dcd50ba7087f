// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mcp

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/agentgateway/agentgateway-go/internal/jwtauth"
)

var (
	errSessionNotFound = errors.New("session not found")
	errBackendNotFound = errors.New("backend not found")
	errInvalidToolName = errors.New("invalid tool name")
	errUnauthorized    = errors.New("unauthorized")
)

// Metric error-type labels recorded by servePOST's deferred accounting.
const (
	errTypeInvalidSessionID  = "invalid_session_id"
	errTypeInvalidJSONRPC    = "invalid_jsonrpc"
	errTypeInvalidParam      = "invalid_param"
	errTypeInternal          = "internal"
	errTypeUnsupportedMethod = "unsupported_method"
	errTypeUnauthorized      = "unauthorized"
)

func (p *Proxy) serveGET(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	lastEventID := r.Header.Get(lastEventIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session ID", http.StatusBadRequest)
		return
	}
	s, err := p.sessionFromID(secureClientGatewaySessionID(sessionID), secureClientGatewayEventID(lastEventID))
	if err != nil {
		p.l.Error("invalid session ID in GET request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid session ID: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set(sessionIDHeader, sessionID)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("transfer-encoding", "chunked")
	w.WriteHeader(http.StatusAccepted)
	if err := s.streamNotifications(r.Context(), w); err != nil && !errors.Is(err, context.Canceled) {
		p.l.Error("failed to collect notifications", slog.String("error", err.Error()))
	}
}

func (p *Proxy) serveDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session ID", http.StatusBadRequest)
		return
	}
	// The last event id does not matter for session teardown.
	s, err := p.sessionFromID(secureClientGatewaySessionID(sessionID), "")
	if err != nil {
		p.l.Error("invalid session ID in DELETE request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid session ID: %v", err), http.StatusBadRequest)
		return
	}
	_ = s.Close() // Per-backend close errors are logged inside Close.
	w.WriteHeader(http.StatusOK)
}

func onErrorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// writeJSONRPCError writes a protocol-level JSON-RPC error response with
// status 200, per the streamable-HTTP transport rules for errors the server
// can attribute to a specific request.
func writeJSONRPCError(w http.ResponseWriter, id jsonrpc.ID, code int64, message string) {
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id.Raw(),
		"error":   map[string]any{"code": code, "message": message},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// defaultInitializeParams is the synthetic initialize request sent upstream
// on behalf of a client using a stateless route, which never sends one.
var defaultInitializeParams = json.RawMessage(
	`{"protocolVersion":"` + protocolVersion20250618 + `","capabilities":{},"clientInfo":{"name":"agentgateway","version":"0.1.0"}}`)

func (p *Proxy) servePOST(w http.ResponseWriter, r *http.Request, routeHeader string) {
	var (
		ctx           = r.Context()
		startAt       = time.Now()
		s             *session
		err           error
		errType       string
		requestMethod string
		span          Span
	)
	defer func() {
		if err != nil {
			if span != nil {
				span.EndSpanOnError(errType, err)
			}
			p.metrics.RecordMethodErrorCount(ctx, requestMethod)
			p.metrics.RecordRequestErrorDuration(ctx, startAt, errType, requestMethod)
			return
		}
		if span != nil {
			span.EndSpan()
		}
		p.metrics.RecordRequestDuration(ctx, startAt, requestMethod)
		p.metrics.RecordMethodCount(ctx, requestMethod)
	}()

	if sessionID := r.Header.Get(sessionIDHeader); sessionID != "" {
		s, err = p.sessionFromID(secureClientGatewaySessionID(sessionID), secureClientGatewayEventID(r.Header.Get(lastEventIDHeader)))
		if err != nil {
			errType = errTypeInvalidSessionID
			p.l.Error("invalid session ID in POST request", slog.String("error", err.Error()))
			http.Error(w, fmt.Sprintf("invalid session ID: %v", err), http.StatusBadRequest)
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		errType = errTypeInternal
		onErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	rawMsg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		errType = errTypeInvalidJSONRPC
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON-RPC message: %v", err))
		return
	}

	switch msg := rawMsg.(type) {
	case *jsonrpc.Response:
		if str, ok := msg.ID.Raw().(string); ok && strings.HasPrefix(str, serverToClientPingIDPrefix) {
			// Reply to one of our own keep-alive pings; nothing to forward.
			if s != nil {
				w.Header().Set(sessionIDHeader, string(s.clientGatewaySessionID()))
			}
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if s == nil {
			errType = errTypeInvalidSessionID
			onErrorResponse(w, http.StatusBadRequest, "missing session ID")
			return
		}
		err = p.handleClientToServerResponse(ctx, s, w, msg)
		if err != nil {
			errType = errTypeInternal
		}
	case *jsonrpc.Request:
		requestMethod = msg.Method
		if msg.Method == "initialize" {
			route := r.Header.Get(routeHeader)
			if route == "" {
				errType = errTypeInternal
				onErrorResponse(w, http.StatusInternalServerError, "missing route header")
				err = errors.New("missing route header")
				return
			}
			span = p.startSpan(ctx, msg, r.Header)
			err = p.handleInitializeRequest(ctx, w, msg, route, extractSubject(r), span)
			if err != nil {
				errType = errTypeInternal
			}
			return
		}

		// A session ID is required for every method after initialize. Routes
		// marked Stateless instead get a synthetic initialize/initialized
		// exchange on each request; such a session is never registered and
		// the client remains responsible for a DELETE to release upstream
		// resources, using the session id echoed on the response.
		if s == nil {
			route := r.Header.Get(routeHeader)
			if rc := p.routes[route]; rc != nil && rc.stateless {
				s, err = p.statelessSession(ctx, route, extractSubject(r))
				if err != nil {
					errType = errTypeInternal
					onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to create session: %v", err))
					return
				}
			} else {
				errType = errTypeInvalidSessionID
				onErrorResponse(w, http.StatusBadRequest, "missing session ID")
				err = errSessionNotFound
				return
			}
		}

		span = p.startSpan(ctx, msg, r.Header)
		switch msg.Method {
		case "notifications/initialized", "notifications/cancelled":
			// Accepted notifications get a 202 with an empty body.
			w.WriteHeader(http.StatusAccepted)
		case "notifications/roots/list_changed":
			err = p.handleNotificationBroadcast(ctx, s, w, msg, span)
		case "notifications/progress":
			err = p.handleClientToServerProgress(ctx, s, w, msg, span)
		case "ping":
			err = p.handlePing(w, msg)
		case "tools/list":
			err = p.handleToolsListRequest(ctx, s, w, msg, span)
		case "tools/call":
			err = p.handleToolCallRequest(ctx, s, w, r.Header, msg, span)
		case "prompts/list":
			err = p.handlePromptListRequest(ctx, s, w, msg, span)
		case "prompts/get":
			err = p.handlePromptGetRequest(ctx, s, w, r.Header, msg, span)
		case "resources/list", "resources/templates/list":
			err = p.handleResourceListRequest(ctx, s, w, msg, span)
		case "resources/read":
			err = p.handleResourceReadRequest(ctx, s, w, r.Header, msg, span)
		case "completion/complete":
			err = p.handleCompletionComplete(ctx, s, w, msg, span)
		case "logging/setLevel":
			err = p.handleSetLoggingLevel(ctx, s, w, msg, span)
		default:
			errType = errTypeUnsupportedMethod
			err = fmt.Errorf("unsupported method: %s", msg.Method)
			onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unsupported method: %s", msg.Method))
			return
		}
		if err != nil && errType == "" {
			errType = errorType(err)
		}
	default:
		errType = errTypeInvalidJSONRPC
		err = errors.New("unsupported JSON-RPC message type")
		onErrorResponse(w, http.StatusBadRequest, "unsupported JSON-RPC message type")
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, errUnauthorized):
		return errTypeUnauthorized
	case errors.Is(err, errBackendNotFound) || errors.Is(err, errSessionNotFound) || errors.Is(err, errInvalidToolName):
		return errTypeInvalidParam
	case err != nil:
		return errTypeInternal
	}
	return ""
}

func (p *Proxy) startSpan(ctx context.Context, req *jsonrpc.Request, headers http.Header) Span {
	if p.tracer == nil {
		return nil
	}
	return p.tracer.StartSpan(ctx, req, headers)
}

// handleInitializeRequest establishes the composite session. When the route
// multiplexes two or more backends the client's roots capability is stripped
// before fan-out: roots requests need a per-backend downstream id mapping
// this gateway does not maintain yet.
func (p *Proxy) handleInitializeRequest(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request, route, subject string, span Span) error {
	rc := p.routes[route]
	if rc == nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown route %q", route))
		return fmt.Errorf("unknown route %q", route)
	}
	params := req.Params
	if params == nil {
		params = defaultInitializeParams
	}
	if len(rc.backends) >= 2 {
		params, _ = sjson.DeleteBytes(params, "capabilities.roots")
	}

	s, err := p.newSession(ctx, params, route, subject, span)
	if err != nil {
		p.l.Error("failed to create new session", slog.String("error", err.Error()))
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to create new session: %v", err))
		return err
	}

	result := mcpsdk.InitializeResult{
		ProtocolVersion: protocolVersion20250618,
		ServerInfo:      &mcpsdk.Implementation{Name: "agentgateway", Version: "0.1.0"},
		Capabilities: &mcpsdk.ServerCapabilities{
			Tools:       &mcpsdk.ToolCapabilities{ListChanged: true},
			Prompts:     &mcpsdk.PromptCapabilities{ListChanged: true},
			Logging:     &mcpsdk.LoggingCapabilities{},
			Resources:   &mcpsdk.ResourceCapabilities{ListChanged: true},
			Completions: &mcpsdk.CompletionCapabilities{},
		},
	}
	marshal, err := json.Marshal(result)
	if err != nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to create new session: %v", err))
		return err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: marshal})
	if err != nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to create new session: %v", err))
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(sessionIDHeader, string(s.clientGatewaySessionID()))
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

// statelessSession builds an unregistered session for a stateless route by
// running the synthetic initialize exchange against every backend.
func (p *Proxy) statelessSession(ctx context.Context, route, subject string) (*session, error) {
	s, err := p.newSession(ctx, defaultInitializeParams, route, subject, nil)
	if err != nil {
		return nil, err
	}
	// The fresh session only carries its encrypted id; re-derive the
	// per-backend entries the dispatch handlers need.
	return p.sessionFromID(s.clientGatewaySessionID(), "")
}

// handleClientToServerResponse routes a client's response to a
// server-initiated request back to the backend that issued it. The request
// ID was rewritten by maybeServerToClientRequestModify to carry the original
// ID, its type tag and the backend name; this reverses that.
func (p *Proxy) handleClientToServerResponse(ctx context.Context, s *session, w http.ResponseWriter, res *jsonrpc.Response) error {
	clientToServer, ok := res.ID.Raw().(string)
	if !ok {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid response ID type: %v", res.ID.Raw()))
		return errors.New("invalid response ID type")
	}
	parts := strings.Split(clientToServer, nameSeparator)
	if len(parts) != 3 {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid response ID format: %s", clientToServer))
		return errors.New("invalid response ID format")
	}
	originalIDRaw, typeIdentifier, backendName := parts[0], parts[1], parts[2]
	var id jsonrpc.ID
	switch typeIdentifier {
	case "i":
		i64, err := strconv.ParseInt(originalIDRaw, 10, 64)
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, "invalid response ID format")
			return fmt.Errorf("invalid response ID format: %w", err)
		}
		id, err = jsonrpc.MakeID(float64(i64))
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, "invalid response ID format")
			return fmt.Errorf("invalid response ID format: %w", err)
		}
	case "f":
		b, err := hex.DecodeString(originalIDRaw)
		if err != nil || len(b) != 8 {
			onErrorResponse(w, http.StatusBadRequest, "invalid response ID format")
			return fmt.Errorf("invalid response ID format: %s", originalIDRaw)
		}
		id, err = jsonrpc.MakeID(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, "invalid response ID format")
			return fmt.Errorf("invalid response ID format: %w", err)
		}
	case "s":
		decoded, err := base64.StdEncoding.DecodeString(originalIDRaw)
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, "invalid response ID format")
			return fmt.Errorf("invalid response ID format: %w: %s", err, originalIDRaw)
		}
		id, err = jsonrpc.MakeID(string(decoded))
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, "invalid response ID format")
			return fmt.Errorf("invalid response ID format: %w", err)
		}
	default:
		onErrorResponse(w, http.StatusBadRequest, "invalid response ID type identifier")
		return fmt.Errorf("invalid response ID type identifier: %s", typeIdentifier)
	}
	res.ID = id

	cse := s.getCompositeSessionEntry(backendName)
	if cse == nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
		return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
	}
	backend, err := p.getBackendForRoute(s.route, backendName)
	if err != nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
		return fmt.Errorf("%w: unknown backend %s", errBackendNotFound, backendName)
	}
	resp, err := p.invokeJSONRPCRequest(ctx, s.route, backend, cse, res)
	if err != nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("failed to send: %v", err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	copyProxyHeaders(resp, w)
	w.Header().Set(sessionIDHeader, string(s.clientGatewaySessionID()))
	p.proxyResponseBody(ctx, s, w, resp, nil, backend)
	return nil
}

// resolveResourceName maps a client-facing tool/prompt/resource name back to
// its owning backend. Names are prefixed iff the route multiplexes two or
// more backends; on a single-backend route the bare upstream name is used
// as-is.
func (p *Proxy) resolveResourceName(rc *routeConfig, full string) (BackendName, string, error) {
	if len(rc.backends) == 1 {
		for name := range rc.backends {
			return name, full, nil
		}
	}
	backendName, name, err := upstreamResourceName(full)
	if err != nil {
		return "", "", err
	}
	if _, ok := rc.backends[backendName]; !ok {
		return "", "", fmt.Errorf("%w: unknown backend %s in name %s", errBackendNotFound, backendName, full)
	}
	return backendName, name, nil
}

// authorize enforces the route's RBAC rules for one tool/prompt/resource
// invocation, returning an insufficient-scope challenge header value when
// scopes were the reason for denial.
func (p *Proxy) authorize(rc *routeConfig, headers http.Header, backendName, resourceName string, args map[string]any) (bool, string) {
	authz := rc.authorization
	if authz == nil {
		return true, ""
	}
	if len(authz.Rules) == 0 {
		return false, ""
	}
	// The JWT has already been verified by the authentication stage in front
	// of this layer; only the claims are needed here.
	token, err := jwtauth.BearerToken(headers.Get("Authorization"))
	if err != nil {
		p.l.Info("missing or invalid bearer token", slog.String("error", err.Error()))
		return false, ""
	}
	claims, err := jwtauth.Claims(token)
	if err != nil {
		p.l.Info("failed to parse JWT token", slog.String("error", err.Error()))
		return false, ""
	}
	have := sets.New[string](jwtauth.Scopes(claims)...)

	var missing []string
	for _, rule := range authz.Rules {
		selectors := make([]jwtauth.ToolCall, 0, len(rule.Target))
		for _, t := range rule.Target {
			selectors = append(selectors, jwtauth.ToolCall{BackendName: t.BackendName, ToolName: t.ToolName, Arguments: t.Arguments})
		}
		if !jwtauth.ToolMatches(jwtauth.ToolCall{BackendName: backendName, ToolName: resourceName}, selectors, args) {
			continue
		}
		if jwtauth.ScopesSatisfied(have, rule.RequiredScopes) {
			return true, ""
		}
		if len(missing) == 0 || len(rule.RequiredScopes) < len(missing) {
			missing = rule.RequiredScopes
		}
	}
	var challenge string
	if len(missing) > 0 {
		challenge = jwtauth.InsufficientScopeHeader(missing, "")
	}
	return false, challenge
}

func (p *Proxy) denyUnauthorized(w http.ResponseWriter, req *jsonrpc.Request, challenge, resourceType, resourceName string) error {
	if challenge != "" {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	data, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID.Raw(),
		"error": map[string]any{
			"code":    int64(-32001),
			"message": fmt.Sprintf("unauthorized %s %s", resourceType, resourceName),
		},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write(data)
	return fmt.Errorf("%w: %s %s", errUnauthorized, resourceType, resourceName)
}

func (p *Proxy) handleToolCallRequest(ctx context.Context, s *session, w http.ResponseWriter, headers http.Header, req *jsonrpc.Request, span Span) error {
	rc := p.routes[s.route]
	if rc == nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("route not found: %s", s.route))
		return fmt.Errorf("route not found: %s", s.route)
	}
	fullName := gjson.GetBytes(req.Params, "name").String()
	backendName, toolName, err := p.resolveResourceName(rc, fullName)
	if err != nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid tool name %s: %v", fullName, err))
		return err
	}
	if selector := rc.toolSelectors[backendName]; selector != nil && !selector.allows(toolName) {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid tool name: %s", toolName))
		return fmt.Errorf("%w: %s", errInvalidToolName, toolName)
	}
	var args map[string]any
	if rawArgs := gjson.GetBytes(req.Params, "arguments"); rawArgs.IsObject() {
		args, _ = rawArgs.Value().(map[string]any)
	}
	if ok, challenge := p.authorize(rc, headers, backendName, toolName, args); !ok {
		return p.denyUnauthorized(w, req, challenge, "tool", fullName)
	}

	backend, err := p.getBackendForRoute(s.route, backendName)
	if err != nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
		return fmt.Errorf("%w: unknown backend %s", errBackendNotFound, backendName)
	}
	cse := s.getCompositeSessionEntry(backendName)
	if cse == nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
		return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
	}
	req.Params, _ = sjson.SetBytes(req.Params, "name", toolName)
	if span != nil {
		span.RecordRouteToBackend(backend.Name, string(cse.sessionID), false)
	}
	return p.invokeAndProxyResponse(ctx, s, w, backend, cse, req)
}

func (p *Proxy) handlePromptGetRequest(ctx context.Context, s *session, w http.ResponseWriter, headers http.Header, req *jsonrpc.Request, span Span) error {
	rc := p.routes[s.route]
	if rc == nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("route not found: %s", s.route))
		return fmt.Errorf("route not found: %s", s.route)
	}
	fullName := gjson.GetBytes(req.Params, "name").String()
	backendName, promptName, err := p.resolveResourceName(rc, fullName)
	if err != nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid prompt name %s: %v", fullName, err))
		return err
	}
	if ok, challenge := p.authorize(rc, headers, backendName, promptName, nil); !ok {
		return p.denyUnauthorized(w, req, challenge, "prompt", fullName)
	}
	backend, err := p.getBackendForRoute(s.route, backendName)
	if err != nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
		return fmt.Errorf("%w: unknown backend %s in prompt name %s", errBackendNotFound, backendName, fullName)
	}
	cse := s.getCompositeSessionEntry(backendName)
	if cse == nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
		return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
	}
	req.Params, _ = sjson.SetBytes(req.Params, "name", promptName)
	if span != nil {
		span.RecordRouteToBackend(backend.Name, string(cse.sessionID), false)
	}
	return p.invokeAndProxyResponse(ctx, s, w, backend, cse, req)
}

func (p *Proxy) handleResourceReadRequest(ctx context.Context, s *session, w http.ResponseWriter, headers http.Header, req *jsonrpc.Request, span Span) error {
	rc := p.routes[s.route]
	if rc == nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("route not found: %s", s.route))
		return fmt.Errorf("route not found: %s", s.route)
	}
	if len(rc.backends) > 1 {
		writeJSONRPCError(w, req.ID, -32601, "resources/read is not supported on a route with multiple backends")
		return nil
	}
	uri := gjson.GetBytes(req.Params, "uri").String()
	backendName, _, err := p.resolveResourceName(rc, uri)
	if err != nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid resource name %s: %v", uri, err))
		return err
	}
	if ok, challenge := p.authorize(rc, headers, backendName, uri, nil); !ok {
		return p.denyUnauthorized(w, req, challenge, "resource", uri)
	}
	backend, err := p.getBackendForRoute(s.route, backendName)
	if err != nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
		return fmt.Errorf("%w: unknown backend %s", errBackendNotFound, backendName)
	}
	cse := s.getCompositeSessionEntry(backendName)
	if cse == nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
		return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
	}
	if span != nil {
		span.RecordRouteToBackend(backend.Name, string(cse.sessionID), false)
	}
	return p.invokeAndProxyResponse(ctx, s, w, backend, cse, req)
}

// handleResourceListRequest serves resources/list and
// resources/templates/list, which carry globally-scoped URIs this gateway
// cannot disambiguate across backends; both are limited to single-backend
// routes.
func (p *Proxy) handleResourceListRequest(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	rc := p.routes[s.route]
	if rc == nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("route not found: %s", s.route))
		return fmt.Errorf("route not found: %s", s.route)
	}
	if len(rc.backends) > 1 {
		writeJSONRPCError(w, req.ID, -32601, fmt.Sprintf("%s is not supported on a route with multiple backends", req.Method))
		return nil
	}
	for backendName := range rc.backends {
		backend, err := p.getBackendForRoute(s.route, backendName)
		if err != nil {
			onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
			return fmt.Errorf("%w: unknown backend %s", errBackendNotFound, backendName)
		}
		cse := s.getCompositeSessionEntry(backendName)
		if cse == nil {
			onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
			return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
		}
		if span != nil {
			span.RecordRouteToBackend(backend.Name, string(cse.sessionID), false)
		}
		return p.invokeAndProxyResponse(ctx, s, w, backend, cse, req)
	}
	return errSessionNotFound
}

func (p *Proxy) handleToolsListRequest(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	return sendToAllBackendsAndAggregateResponses(ctx, p, w, s, req, p.mergeToolsList, span)
}

func (p *Proxy) handlePromptListRequest(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	return sendToAllBackendsAndAggregateResponses(ctx, p, w, s, req, p.mergePromptsList, span)
}

func (p *Proxy) handleSetLoggingLevel(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	return sendToAllBackendsAndAggregateResponses(ctx, p, w, s, req, func(*session, []broadcastResponse[any]) any {
		return map[string]any{}
	}, span)
}

// handleCompletionComplete routes a completion request by the prompt or
// resource reference it names.
func (p *Proxy) handleCompletionComplete(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	rc := p.routes[s.route]
	if rc == nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("route not found: %s", s.route))
		return fmt.Errorf("route not found: %s", s.route)
	}
	refPath, full := "ref.name", gjson.GetBytes(req.Params, "ref.name").String()
	if full == "" {
		refPath, full = "ref.uri", gjson.GetBytes(req.Params, "ref.uri").String()
	}
	backendName, name, err := p.resolveResourceName(rc, full)
	if err != nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid reference %s: %v", full, err))
		return err
	}
	backend, err := p.getBackendForRoute(s.route, backendName)
	if err != nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
		return fmt.Errorf("%w: unknown backend %s", errBackendNotFound, backendName)
	}
	cse := s.getCompositeSessionEntry(backendName)
	if cse == nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
		return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
	}
	req.Params, _ = sjson.SetBytes(req.Params, refPath, name)
	if span != nil {
		span.RecordRouteToBackend(backend.Name, string(cse.sessionID), false)
	}
	return p.invokeAndProxyResponse(ctx, s, w, backend, cse, req)
}

// handleNotificationBroadcast fans a client notification out to every
// backend in the session. There is no per-upstream addressing for
// notifications yet; they are broadcast in arrival order.
func (p *Proxy) handleNotificationBroadcast(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	eventChan := s.sendToAllBackends(ctx, http.MethodPost, req, span)
	w.Header().Set(sessionIDHeader, string(s.clientGatewaySessionID()))
	w.WriteHeader(http.StatusAccepted)
	<-eventChan
	return nil
}

// handleClientToServerProgress routes a progress notification back to the
// backend encoded into its progressToken by maybeUpdateProgressTokenMetadata.
func (p *Proxy) handleClientToServerProgress(ctx context.Context, s *session, w http.ResponseWriter, req *jsonrpc.Request, span Span) error {
	pt := gjson.GetBytes(req.Params, "progressToken").String()
	parts := strings.Split(pt, nameSeparator)
	if len(parts) != 3 {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid progressToken %s", pt))
		return fmt.Errorf("invalid progressToken %s", pt)
	}
	originalPt, originalPtType, backendName := parts[0], parts[1], parts[2]
	var restored any
	switch originalPtType {
	case "s":
		decoded, err := base64.StdEncoding.DecodeString(originalPt)
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid progressToken %s: %v", pt, err))
			return fmt.Errorf("invalid progressToken %s: %w", pt, err)
		}
		restored = string(decoded)
	case "i":
		v, err := strconv.ParseInt(originalPt, 10, 64)
		if err != nil {
			onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid progressToken %s: %v", pt, err))
			return fmt.Errorf("invalid progressToken %s: %w", pt, err)
		}
		restored = v
	case "f":
		b, err := hex.DecodeString(originalPt)
		if err != nil || len(b) != 8 {
			onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid progressToken %s", pt))
			return fmt.Errorf("invalid progressToken %s", pt)
		}
		restored = math.Float64frombits(binary.LittleEndian.Uint64(b))
	default:
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid progressToken %s: unknown type %s", pt, originalPtType))
		return fmt.Errorf("invalid progressToken %s: unknown type %s", pt, originalPtType)
	}
	req.Params, _ = sjson.SetBytes(req.Params, "progressToken", restored)

	backend, err := p.getBackendForRoute(s.route, backendName)
	if err != nil {
		onErrorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown backend %s", backendName))
		return fmt.Errorf("%w: unknown backend %s in progressToken %s", errBackendNotFound, backendName, pt)
	}
	cse := s.getCompositeSessionEntry(backendName)
	if cse == nil {
		onErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("no MCP session found for backend %s", backendName))
		return fmt.Errorf("%w: no MCP session found for backend %s", errSessionNotFound, backendName)
	}
	if span != nil {
		span.RecordRouteToBackend(backendName, string(cse.sessionID), false)
	}
	return p.invokeAndProxyResponse(ctx, s, w, backend, cse, req)
}

var emptyJSONRPCMessage = json.RawMessage(`{}`)

func (p *Proxy) handlePing(w http.ResponseWriter, req *jsonrpc.Request) error {
	encodedResp, _ := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: emptyJSONRPCMessage})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(encodedResp)
	return err
}

func copyProxyHeaders(resp *http.Response, w http.ResponseWriter) {
	isJSONResponse := resp.Header.Get("Content-Type") == "application/json"
	for k, v := range resp.Header {
		// Content-length no longer holds once the body is re-encoded below.
		if !isJSONResponse && strings.EqualFold(k, "content-length") {
			continue
		}
		for _, vv := range v {
			w.Header().Add(k, vv)
		}
	}
	if !isJSONResponse {
		w.Header().Set("Transfer-Encoding", "chunked")
	}
}

func (p *Proxy) proxyResponseBody(ctx context.Context, s *session, w http.ResponseWriter, resp *http.Response, req *jsonrpc.Request, backend Backend) {
	if resp.Header.Get("Content-Type") == "application/json" {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			p.l.Error("failed to read response body", slog.String("error", err.Error()))
			return
		}
		rawMsg, err := jsonrpc.DecodeMessage(body)
		if err != nil {
			p.l.Error("failed to decode JSON-RPC message from response body", slog.String("error", err.Error()))
			return
		}
		switch msg := rawMsg.(type) {
		case *jsonrpc.Request:
			if err := p.maybeServerToClientRequestModify(msg, backend.Name); err != nil {
				p.l.Error("failed to modify server->client request", slog.String("error", err.Error()))
				return
			}
			body, _ = jsonrpc.EncodeMessage(msg)
		case *jsonrpc.Response:
			if req != nil {
				msg.ID = req.ID
				body, _ = jsonrpc.EncodeMessage(msg)
			}
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	// Streamed SSE: re-emit event by event so each one flushes, with event
	// IDs rewritten to the composite form a reconnect can resume from.
	w.WriteHeader(resp.StatusCode)
	parser := newSSEEventParser(resp.Body, backend.Name)
	for {
		event, err := parser.next()
		if event != nil {
			s.setLastEventID(event.backend, event.id)
			event.id = s.lastEventID()
			for _, raw := range event.messages {
				switch msg := raw.(type) {
				case *jsonrpc.Request:
					if err := p.maybeServerToClientRequestModify(msg, backend.Name); err != nil {
						p.l.Error("failed to modify server->client request", slog.String("error", err.Error()))
						continue
					}
				case *jsonrpc.Response:
					if req != nil {
						msg.ID = req.ID
					}
				}
			}
			event.writeAndMaybeFlush(w)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "context deadline exceeded") {
				p.l.Error("failed to read MCP response body", slog.String("error", err.Error()))
			}
			break
		}
	}
}

// https://modelcontextprotocol.io/specification/2025-06-18/basic/utilities/progress#progress
const progressTokenMetadataKey = "progressToken"

// maybeUpdateProgressTokenMetadata rewrites the progressToken inside a
// server->client request's _meta so a later client progress notification can
// be routed back to the owning backend.
func (p *Proxy) maybeUpdateProgressTokenMetadata(params json.RawMessage, backendName BackendName) (json.RawMessage, bool) {
	pt := gjson.GetBytes(params, "_meta."+progressTokenMetadataKey)
	if !pt.Exists() {
		return params, false
	}
	var newPt string
	switch {
	case pt.Type == gjson.String:
		newPt = fmt.Sprintf("%s%ss%s%s", base64.StdEncoding.EncodeToString([]byte(pt.Str)), nameSeparator, nameSeparator, backendName)
	case pt.Type == gjson.Number:
		if f := pt.Num; f == math.Trunc(f) {
			newPt = fmt.Sprintf("%d%si%s%s", int64(f), nameSeparator, nameSeparator, backendName)
		} else {
			buf := [8]byte{}
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
			newPt = fmt.Sprintf("%x%sf%s%s", buf[:], nameSeparator, nameSeparator, backendName)
		}
	default:
		return params, false
	}
	out, err := sjson.SetBytes(params, "_meta."+progressTokenMetadataKey, newPt)
	if err != nil {
		return params, false
	}
	return out, true
}

// maybeServerToClientRequestModify rewrites a server->client request's ID to
// carry the originating backend name, so the client's eventual response can
// be routed back through handleClientToServerResponse.
func (p *Proxy) maybeServerToClientRequestModify(msg *jsonrpc.Request, backend BackendName) error {
	switch msg.Method {
	case "roots/list", "sampling/createMessage", "elicitation/create":
		if msg.Params != nil {
			if params, changed := p.maybeUpdateProgressTokenMetadata(msg.Params, backend); changed {
				msg.Params = params
			}
		}
	default:
		// Not a server->client request this gateway routes responses for.
		return nil
	}

	var prefixedID string
	switch v := msg.ID.Raw().(type) {
	case nil:
		return errors.New("missing id in the server->client request")
	case int64:
		prefixedID = fmt.Sprintf("%d%si%s%s", v, nameSeparator, nameSeparator, backend)
	case float64:
		buf := [8]byte{}
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		prefixedID = fmt.Sprintf("%x%sf%s%s", buf[:], nameSeparator, nameSeparator, backend)
	case string:
		prefixedID = fmt.Sprintf("%s%ss%s%s", base64.StdEncoding.EncodeToString([]byte(v)), nameSeparator, nameSeparator, backend)
	default:
		return fmt.Errorf("unsupported id type %T in the server->client request", v)
	}
	newID, err := jsonrpc.MakeID(prefixedID)
	if err != nil {
		return fmt.Errorf("failed to make new ID %q: %w", prefixedID, err)
	}
	msg.ID = newID
	return nil
}

// invokeAndProxyResponse invokes req against one backend and proxies the
// response (JSON or SSE) back to the client.
func (p *Proxy) invokeAndProxyResponse(ctx context.Context, s *session, w http.ResponseWriter, backend Backend, cse *compositeSessionEntry, req *jsonrpc.Request) error {
	resp, err := p.invokeJSONRPCRequest(ctx, s.route, backend, cse, req)
	if err != nil {
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("call to %s failed: %v", backend.Name, err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("call to %s failed and failed to read body: %v", backend.Name, err))
			return err
		}
		onErrorResponse(w, http.StatusInternalServerError, fmt.Sprintf("call to %s failed with status code %d, body=%s", backend.Name, resp.StatusCode, string(body)))
		return errors.New("backend call failed with non-200 status code")
	}
	copyProxyHeaders(resp, w)
	w.Header().Set(sessionIDHeader, string(s.clientGatewaySessionID()))
	p.proxyResponseBody(ctx, s, w, resp, req, backend)
	return nil
}

type (
	// broadcastResponse pairs one backend's decoded response with its name
	// for merge functions.
	broadcastResponse[T any] struct {
		backendName BackendName
		res         T
	}
	broadcastMergeFn[T any] func(*session, []broadcastResponse[T]) T
)

// sendToAllBackendsAndAggregateResponses serves the "list" family: the
// request fans out to every backend, each backend's final response is
// decoded as T, and mergeFn collapses them into the single response sent to
// the client. Interleaved non-response events (notifications, server->client
// requests) are relayed to the client as they arrive; the merged response is
// always the last event written.
func sendToAllBackendsAndAggregateResponses[T any](ctx context.Context, p *Proxy, w http.ResponseWriter, s *session, request *jsonrpc.Request, mergeFn broadcastMergeFn[T], span Span) error {
	events := s.sendToAllBackends(ctx, http.MethodPost, request, span)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set(sessionIDHeader, string(s.clientGatewaySessionID()))
	w.WriteHeader(http.StatusOK)
	var responses []broadcastResponse[T]
	for event := range events {
		s.setLastEventID(event.backend, event.id)
		event.id = s.lastEventID()
		l := len(event.messages)
		if l == 0 {
			continue
		}
		// The final response is always the last message of a backend's
		// stream; everything before it is relayed through.
		if respMsg, ok := event.messages[l-1].(*jsonrpc.Response); ok && respMsg.ID == request.ID {
			switch {
			case respMsg.Error != nil:
				p.l.Error("error response from backend", slog.String("backend", event.backend), slog.Any("error", respMsg.Error))
			case respMsg.Result != nil:
				var result T
				if err := json.Unmarshal(respMsg.Result, &result); err != nil {
					p.l.Error("failed to decode response from backend, ignoring",
						slog.String("backend", event.backend), slog.String("error", err.Error()))
				} else {
					responses = append(responses, broadcastResponse[T]{backendName: event.backend, res: result})
				}
			}
			event.messages = event.messages[:l-1]
		}
		for _, raw := range event.messages {
			if reqMsg, ok := raw.(*jsonrpc.Request); ok {
				if err := p.maybeServerToClientRequestModify(reqMsg, event.backend); err != nil {
					p.l.Error("failed to modify server->client request", slog.String("error", err.Error()))
					return fmt.Errorf("failed to modify server->client request: %w", err)
				}
			}
		}
		if len(event.messages) > 0 {
			event.writeAndMaybeFlush(w)
		}
	}

	merged := mergeFn(s, responses)
	encodedResp, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	event := sseEvent{
		event:    "message",
		id:       uuid.NewString(),
		messages: []jsonrpc.Message{&jsonrpc.Response{ID: request.ID, Result: encodedResp}},
	}
	event.writeAndMaybeFlush(w)
	return nil
}

// mergeToolsList aggregates every backend's tools, filtered per-backend by
// the route's tool selectors. Names are prefixed with the owning backend iff
// the route multiplexes two or more backends.
func (p *Proxy) mergeToolsList(s *session, responses []broadcastResponse[mcpsdk.ListToolsResult]) mcpsdk.ListToolsResult {
	resp := mcpsdk.ListToolsResult{Tools: make([]*mcpsdk.Tool, 0)}
	rc := p.routes[s.route]
	if rc == nil {
		return resp
	}
	multiplexed := len(rc.backends) >= 2
	for _, r := range responses {
		selector := rc.toolSelectors[r.backendName]
		for _, tool := range r.res.Tools {
			if selector != nil && !selector.allows(tool.Name) {
				continue
			}
			if multiplexed {
				tool.Name = downstreamResourceName(tool.Name, r.backendName)
			}
			resp.Tools = append(resp.Tools, tool)
		}
	}
	return resp
}

func (p *Proxy) mergePromptsList(s *session, responses []broadcastResponse[mcpsdk.ListPromptsResult]) mcpsdk.ListPromptsResult {
	resp := mcpsdk.ListPromptsResult{Prompts: make([]*mcpsdk.Prompt, 0)}
	rc := p.routes[s.route]
	if rc == nil {
		return resp
	}
	multiplexed := len(rc.backends) >= 2
	for _, r := range responses {
		for _, prompt := range r.res.Prompts {
			if multiplexed {
				prompt.Name = downstreamResourceName(prompt.Name, r.backendName)
			}
			resp.Prompts = append(resp.Prompts, prompt)
		}
	}
	return resp
}

// extractSubject pulls the "sub" claim from the (already-verified) bearer
// token, for binding the session-persistence token to the caller.
func extractSubject(r *http.Request) string {
	token, err := jwtauth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	claims, err := jwtauth.Claims(token)
	if err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
