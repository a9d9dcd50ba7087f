// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	sessionIDHeader         = "mcp-session-id"
	protocolVersionHeader   = "mcp-protocol-version"
	protocolVersion20250618 = "2025-06-18"
	lastEventIDHeader       = "Last-Event-Id"

	// nameSeparator joins a backend name and a tool/prompt name. A prefixed
	// name is split at its first "__", so the bare name may itself contain
	// "__" but the backend name may not.
	nameSeparator = "__"
)

// Span receives route-to-backend and completion events for one MCP
// request, for wiring into whatever tracer the caller configures; a nil
// Span is always valid and simply records nothing.
type Span interface {
	RecordRouteToBackend(backend, sessionID string, isNewSession bool)
	EndSpan()
	EndSpanOnError(errType string, err error)
}

// Metrics receives counters/durations for MCP requests; a nil Metrics is
// valid and records nothing.
type Metrics interface {
	RecordMethodCount(ctx context.Context, method string)
	RecordMethodErrorCount(ctx context.Context, method string)
	RecordRequestDuration(ctx context.Context, start time.Time, method string)
	RecordRequestErrorDuration(ctx context.Context, start time.Time, errType, method string)
	RecordInitializationDuration(ctx context.Context, start time.Time)
}

type noopMetrics struct{}

func (noopMetrics) RecordMethodCount(context.Context, string)                             {}
func (noopMetrics) RecordMethodErrorCount(context.Context, string)                        {}
func (noopMetrics) RecordRequestDuration(context.Context, time.Time, string)              {}
func (noopMetrics) RecordRequestErrorDuration(context.Context, time.Time, string, string) {}
func (noopMetrics) RecordInitializationDuration(context.Context, time.Time)               {}

// Proxy serves the MCP HTTP surface: one client-facing "/mcp"-style endpoint
// per Route, fanning requests out to every Backend in that route and
// merging their responses.
type Proxy struct {
	l             *slog.Logger
	metrics       Metrics
	tracer        Tracer
	sessionCrypto SessionCrypto

	backendListenerAddr string
	routes              map[RouteName]*routeConfig
}

// Tracer starts one Span per MCP request; a nil Tracer disables tracing.
type Tracer interface {
	StartSpan(ctx context.Context, req *jsonrpc.Request, headers http.Header) Span
}

// NewProxy builds a Proxy from cfg. seed (and optionally fallbackSeed) key
// the session-persistence token encryption; they should be stable across
// gateway restarts so in-flight client sessions survive a redeploy.
func NewProxy(l *slog.Logger, metrics Metrics, tracer Tracer, cfg Config, seed, fallbackSeed string) *Proxy {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	p := &Proxy{
		l:                   l,
		metrics:             metrics,
		tracer:              tracer,
		sessionCrypto:       NewSessionCrypto(seed, fallbackSeed),
		backendListenerAddr: cfg.BackendListenerAddr,
		routes:              make(map[RouteName]*routeConfig, len(cfg.Routes)),
	}
	for _, r := range cfg.Routes {
		p.routes[r.Name] = buildRouteConfig(r)
	}
	return p
}

// ServeMux returns an http.ServeMux with the MCP request handler mounted at
// "/". The caller's edge routing is expected to have already selected the
// target Route and set routeHeader on the request before it reaches here.
func (p *Proxy) ServeMux(routeHeader string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p.serveGET(w, r)
		case http.MethodPost:
			p.servePOST(w, r, routeHeader)
		case http.MethodDelete:
			p.serveDELETE(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func (p *Proxy) getBackendForRoute(route, backend RouteName) (Backend, error) {
	r := p.routes[route]
	if r == nil {
		return Backend{}, fmt.Errorf("no route found for %q", route)
	}
	b, ok := r.backends[backend]
	if !ok {
		return Backend{}, fmt.Errorf("no backend found for %q in route %q", backend, route)
	}
	return b, nil
}

func (p *Proxy) mcpEndpointForBackend(backend Backend) string {
	return p.backendListenerAddr + backend.Path
}

func mustJSONRPCRequestID() jsonrpc.ID {
	id, err := jsonrpc.MakeID(uuid.NewString())
	if err != nil {
		panic(err)
	}
	return id
}

type initializeResult struct {
	sessionID gatewayToMCPServerSessionID
	result    *mcpsdk.InitializeResult
}

// initializeSession sends "initialize" then "notifications/initialized" to
// one backend, returning the backend-assigned session ID (empty for
// stateless backends).
func (p *Proxy) initializeSession(ctx context.Context, routeName RouteName, backend Backend, params json.RawMessage) (*initializeResult, error) {
	reqID := mustJSONRPCRequestID()
	var (
		sessionID  string
		initResult *mcpsdk.InitializeResult
	)
	{
		mcpReq := &jsonrpc.Request{Method: "initialize", Params: params, ID: reqID}
		resp, err := p.invokeJSONRPCRequest(ctx, routeName, backend, nil, mcpReq)
		if err != nil {
			return nil, fmt.Errorf("mcp: send initialize request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("mcp: initialize request failed with status %d: %s", resp.StatusCode, body)
		}
		sessionID = resp.Header.Get(sessionIDHeader)

		var rawMsg jsonrpc.Message
		switch resp.Header.Get("Content-Type") {
		case "text/event-stream":
			parser := newSSEEventParser(resp.Body, backend.Name)
			for {
				event, parseErr := parser.next()
				if event != nil {
					if len(event.messages) < 1 {
						return nil, errors.New("mcp: empty initialize sse event")
					}
					rawMsg = event.messages[len(event.messages)-1]
				}
				if parseErr != nil {
					if errors.Is(parseErr, io.EOF) {
						break
					}
					p.l.Error("failed to read MCP initialize sse body", slog.String("error", parseErr.Error()))
					break
				}
			}
		default:
			body, _ := io.ReadAll(resp.Body)
			rawMsg, err = jsonrpc.DecodeMessage(body)
			if err != nil {
				return nil, fmt.Errorf("mcp: decode initialize response: %w", err)
			}
		}

		msg, ok := rawMsg.(*jsonrpc.Response)
		if !ok {
			return nil, fmt.Errorf("mcp: initialize response is not a jsonrpc response: %T", rawMsg)
		}
		if err := json.Unmarshal(msg.Result, &initResult); err != nil {
			return nil, fmt.Errorf("mcp: decode initialize result: %w", err)
		}
	}

	{
		mcpReq := &jsonrpc.Request{Method: "notifications/initialized", Params: json.RawMessage(`{}`)}
		resp, err := p.invokeJSONRPCRequest(ctx, routeName, backend, &compositeSessionEntry{sessionID: gatewayToMCPServerSessionID(sessionID)}, mcpReq)
		if err != nil {
			return nil, fmt.Errorf("mcp: send notifications/initialized: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusAccepted {
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("mcp: notifications/initialized failed with status %d: %s", resp.StatusCode, body)
		}
	}

	return &initializeResult{sessionID: gatewayToMCPServerSessionID(sessionID), result: initResult}, nil
}

func (p *Proxy) invokeJSONRPCRequest(ctx context.Context, routeName RouteName, backend Backend, cse *compositeSessionEntry, msg jsonrpc.Message) (*http.Response, error) {
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode jsonrpc message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.mcpEndpointForBackend(backend), bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("mcp: build backend request: %w", err)
	}
	addMCPHeaders(req, msg, routeName, backend.Name)
	if cse != nil {
		if len(cse.sessionID) > 0 {
			req.Header.Set(sessionIDHeader, string(cse.sessionID))
		}
		if len(cse.lastEventID) > 0 {
			req.Header.Set(lastEventIDHeader, cse.lastEventID)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	client := http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: send backend request: %w", err)
	}
	return resp, nil
}

func addMCPHeaders(httpReq *http.Request, msg jsonrpc.Message, routeName RouteName, backendName BackendName) {
	httpReq.Header.Set("x-agentgateway-mcp-backend", backendName)
	httpReq.Header.Set("x-agentgateway-mcp-route", routeName)
	if mcpReq, ok := msg.(*jsonrpc.Request); ok && mcpReq != nil {
		httpReq.Header.Set("x-agentgateway-mcp-request-id", fmt.Sprintf("%v", mcpReq.ID.Raw()))
		httpReq.Header.Set("x-agentgateway-mcp-method", mcpReq.Method)
	}
}

// downstreamResourceName prefixes name with backendName so multiple
// backends' tools and prompts don't collide in the merged listing.
func downstreamResourceName(name string, backendName BackendName) string {
	return backendName + nameSeparator + name
}

// upstreamResourceName splits a client-facing prefixed name back into its
// backend and bare name.
func upstreamResourceName(fullName string) (backendName BackendName, name string, err error) {
	idx := strings.Index(fullName, nameSeparator)
	if idx < 0 {
		return "", "", fmt.Errorf("mcp: invalid resource name %q: missing backend prefix", fullName)
	}
	return fullName[:idx], fullName[idx+len(nameSeparator):], nil
}
