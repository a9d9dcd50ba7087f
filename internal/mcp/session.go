// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type (
	// clientGatewaySessionID is the plaintext form of the session-persistence
	// token, before SessionCrypto encryption:
	//
	//	{route}@{subject}@{backend1}:{base64(sessionID1)},...,{backendN}:{base64(sessionIDN)}
	//
	// base64 avoids the separator characters colliding with arbitrary binary
	// upstream session IDs. The "{subject}@" component ties the token to the
	// authenticated caller, mitigating session-hijacking via a leaked token.
	clientGatewaySessionID string

	// secureClientGatewaySessionID is clientGatewaySessionID after
	// SessionCrypto.Encrypt -- this is what's actually handed to clients.
	secureClientGatewaySessionID string

	// clientGatewayEventID packs each backend's last-seen SSE event ID:
	//
	//	{backend1}:{base64(eventID1)},...,{backendN}:{base64(eventIDN)}
	clientGatewayEventID string

	secureClientGatewayEventID string

	// gatewayToMCPServerSessionID is the session ID a single upstream MCP
	// server assigned the gateway.
	gatewayToMCPServerSessionID string

	compositeSessionEntry struct {
		backendName BackendName
		sessionID   gatewayToMCPServerSessionID
		lastEventID string
	}
)

func (g gatewayToMCPServerSessionID) String() string  { return string(g) }
func (c clientGatewaySessionID) String() string       { return string(c) }
func (s secureClientGatewaySessionID) String() string { return string(s) }

func clientGatewaySessionIDFromEntries(subject string, entries []compositeSessionEntry, routeName RouteName) clientGatewaySessionID {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("@")
	for _, e := range entries {
		b.WriteString(e.backendName)
		b.WriteString(":")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(e.sessionID)))
		b.WriteString(",")
	}
	id := b.String()[:b.Len()-1]
	return clientGatewaySessionID(routeName + "@" + id)
}

func (c clientGatewaySessionID) backendSessionIDs() (map[BackendName]*compositeSessionEntry, string, error) {
	out := make(map[BackendName]*compositeSessionEntry)
	parts := strings.Split(string(c), "@")
	if len(parts) != 3 {
		return nil, "", errors.New("mcp: invalid session token: missing '@' separator")
	}
	route := parts[0]
	_ = parts[1] // subject, not needed for routing
	for _, part := range strings.Split(parts[2], ",") {
		colon := strings.Index(part, ":")
		if colon < 0 {
			return nil, "", fmt.Errorf("mcp: invalid session token part %q", part)
		}
		backendName := part[:colon]
		if backendName == "" {
			return nil, "", fmt.Errorf("mcp: empty backend name in session token part %q", part)
		}
		var sessionID gatewayToMCPServerSessionID
		if b64 := part[colon+1:]; b64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, "", fmt.Errorf("mcp: decode session token part %q: %w", part, err)
			}
			sessionID = gatewayToMCPServerSessionID(decoded)
		}
		out[backendName] = &compositeSessionEntry{backendName: backendName, sessionID: sessionID}
	}
	return out, route, nil
}

func (e clientGatewayEventID) backendEventIDs() map[BackendName]string {
	result := map[BackendName]string{}
	for _, part := range strings.Split(string(e), ",") {
		colon := strings.Index(part, ":")
		if colon < 0 {
			continue
		}
		backendName := part[:colon]
		if backendName == "" {
			continue
		}
		eventID := part[colon+1:]
		if eventID != "" {
			if decoded, err := base64.StdEncoding.DecodeString(eventID); err == nil {
				eventID = string(decoded)
			}
		}
		result[backendName] = eventID
	}
	return result
}

// session is one client-facing MCP session, composed of one backend session
// per upstream in the route.
type session struct {
	id                 secureClientGatewaySessionID
	route              RouteName
	proxy              *Proxy
	mu                 sync.RWMutex
	perBackendSessions map[BackendName]*compositeSessionEntry
}

func (s *session) clientGatewaySessionID() secureClientGatewaySessionID { return s.id }

// newSession creates a composite session by initializing one sub-session
// per backend in parallel; a backend that fails to initialize is dropped
// rather than failing the whole session, since the remaining backends may
// still serve the client's tools. params is the raw initialize params JSON,
// already adjusted by the caller (e.g. roots stripped for multiplexed
// routes).
func (p *Proxy) newSession(ctx context.Context, params json.RawMessage, routeName RouteName, subject string, span Span) (*session, error) {
	route := p.routes[routeName]
	if route == nil {
		return nil, fmt.Errorf("mcp: no backends found for route %q", routeName)
	}

	entries := make([]compositeSessionEntry, len(route.backends))
	var wg sync.WaitGroup
	i := 0
	for _, backend := range route.backends {
		idx := i
		i++
		wg.Add(1)
		go func() {
			defer wg.Done()
			startAt := time.Now()
			initResult, err := p.initializeSession(ctx, routeName, backend, params)
			if err != nil {
				p.l.Error("failed to initialize MCP backend session", slog.String("backend", backend.Name), slog.String("error", err.Error()))
				return
			}
			p.metrics.RecordInitializationDuration(ctx, startAt)
			if span != nil {
				span.RecordRouteToBackend(backend.Name, string(initResult.sessionID), true)
			}
			entries[idx] = compositeSessionEntry{sessionID: initResult.sessionID, backendName: backend.Name}
		}()
	}
	wg.Wait()

	finalEntries := make([]compositeSessionEntry, 0, len(entries))
	for _, e := range entries {
		if e.backendName != "" {
			finalEntries = append(finalEntries, e)
		}
	}
	if len(finalEntries) == 0 {
		return nil, errors.New("mcp: failed to initialize session with any backend")
	}

	encrypted, err := p.sessionCrypto.Encrypt(string(clientGatewaySessionIDFromEntries(subject, finalEntries, routeName)))
	if err != nil {
		return nil, fmt.Errorf("mcp: encrypt session token: %w", err)
	}
	return &session{proxy: p, id: secureClientGatewaySessionID(encrypted)}, nil
}

func (p *Proxy) sessionFromID(id secureClientGatewaySessionID, lastEvent secureClientGatewayEventID) (*session, error) {
	decrypted, err := p.sessionCrypto.Decrypt(string(id))
	if err != nil {
		return nil, fmt.Errorf("mcp: decrypt session token: %w", err)
	}
	perBackendSessionIDs, route, err := clientGatewaySessionID(decrypted).backendSessionIDs()
	if err != nil {
		return nil, err
	}
	// Refuse to resume a session whose backend set no longer matches the
	// route: sub-session ids from a previous config shape cannot be
	// reattached safely.
	rc := p.routes[route]
	if rc == nil {
		return nil, fmt.Errorf("mcp: unknown route %q in session token", route)
	}
	if len(perBackendSessionIDs) != len(rc.backends) {
		return nil, fmt.Errorf("mcp: session token names %d backends, route %q has %d", len(perBackendSessionIDs), route, len(rc.backends))
	}
	for backend := range perBackendSessionIDs {
		if _, ok := rc.backends[backend]; !ok {
			return nil, fmt.Errorf("mcp: unknown backend %q in session token", backend)
		}
	}
	if len(lastEvent) != 0 {
		decryptedEventID, err := p.sessionCrypto.Decrypt(string(lastEvent))
		if err != nil {
			return nil, fmt.Errorf("mcp: decrypt last-event token: %w", err)
		}
		for backend, eventID := range clientGatewayEventID(decryptedEventID).backendEventIDs() {
			if entry, ok := perBackendSessionIDs[backend]; ok {
				entry.lastEventID = eventID
			}
		}
	}
	return &session{id: id, route: route, proxy: p, perBackendSessions: perBackendSessionIDs}, nil
}

// Close tears down every backend sub-session that tracks one (stateless
// backends have nothing to close).
func (s *session) Close() error {
	for backendName, sess := range s.perBackendSessions {
		if sess.sessionID == "" {
			continue
		}
		backend, err := s.proxy.getBackendForRoute(s.route, backendName)
		if err != nil {
			s.proxy.l.Error("failed to resolve backend for session close", slog.String("backend", backendName), slog.String("error", err.Error()))
			continue
		}
		req, err := http.NewRequest(http.MethodDelete, s.proxy.mcpEndpointForBackend(backend), nil)
		if err != nil {
			continue
		}
		addMCPHeaders(req, nil, s.route, backendName)
		req.Header.Set(sessionIDHeader, sess.sessionID.String())
		resp, err := (&http.Client{}).Do(req)
		if err != nil {
			s.proxy.l.Error("failed to close MCP backend session", slog.String("backend", backendName), slog.String("error", err.Error()))
			continue
		}
		_ = resp.Body.Close()
	}
	return nil
}

func (s *session) getCompositeSessionEntry(backend BackendName) *compositeSessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perBackendSessions[backend]
}

func (s *session) setLastEventID(backend BackendName, lastEventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.perBackendSessions[backend]; ok {
		entry.lastEventID = lastEventID
	}
}

func (s *session) lastEventID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for _, entry := range s.perBackendSessions {
		b.WriteString(entry.backendName)
		b.WriteString(":")
		b.WriteString(base64.StdEncoding.EncodeToString([]byte(entry.lastEventID)))
		b.WriteString(",")
	}
	if b.Len() == 0 {
		return ""
	}
	plaintext := b.String()[:b.Len()-1]
	encrypted, err := s.proxy.sessionCrypto.Encrypt(plaintext)
	if err != nil {
		s.proxy.l.Error("failed to encrypt last event id", slog.String("error", err.Error()))
		return ""
	}
	return encrypted
}

var heartbeatInterval = getHeartbeatInterval(1 * time.Minute)

// getHeartbeatInterval reads MCP_PROXY_HEARTBEAT_INTERVAL, defaulting to def
// when unset or invalid.
func getHeartbeatInterval(def time.Duration) time.Duration {
	hbi, err := time.ParseDuration(os.Getenv("MCP_PROXY_HEARTBEAT_INTERVAL"))
	if err != nil {
		return def
	}
	return hbi
}

// serverToClientPingIDPrefix marks keep-alive pings this gateway originates,
// so the client's ping replies are recognized and swallowed rather than
// routed upstream.
const serverToClientPingIDPrefix = "agentgateway-server-to-client-ping-"

func newHeartbeatPingMessage() *jsonrpc.Request {
	id, _ := jsonrpc.MakeID(serverToClientPingIDPrefix + uuid.NewString())
	params, _ := json.Marshal(&mcpsdk.PingParams{})
	return &jsonrpc.Request{ID: id, Method: "ping", Params: params}
}

// streamNotifications relays every backend's server-initiated events to w
// over SSE, periodically sending a ping heartbeat to keep the connection
// alive across proxy timeouts.
func (s *session) streamNotifications(ctx context.Context, w http.ResponseWriter) error {
	backendMsgs := s.sendToAllBackends(ctx, http.MethodGet, nil, nil)

	var (
		heartbeats      <-chan time.Time
		heartbeatTicker *time.Ticker
	)
	if heartbeatInterval > 0 {
		heartbeatTicker = time.NewTicker(heartbeatInterval)
		defer heartbeatTicker.Stop()
		heartbeats = heartbeatTicker.C
	} else {
		heartbeats = make(chan time.Time)
	}

	initial := &sseEvent{event: "message", messages: []jsonrpc.Message{newHeartbeatPingMessage()}}
	initial.writeAndMaybeFlush(w)

	for {
		select {
		case event, ok := <-backendMsgs:
			if !ok {
				return nil
			}
			s.setLastEventID(event.backend, event.id)
			event.id = s.lastEventID()
			for _, raw := range event.messages {
				if msg, ok := raw.(*jsonrpc.Request); ok {
					if err := s.proxy.maybeServerToClientRequestModify(msg, event.backend); err != nil {
						s.proxy.l.Error("failed to modify server->client request", slog.String("error", err.Error()))
						continue
					}
				}
			}
			event.writeAndMaybeFlush(w)
			if heartbeatTicker != nil {
				heartbeatTicker.Reset(heartbeatInterval)
			}
		case <-heartbeats:
			hb := &sseEvent{event: "message", messages: []jsonrpc.Message{newHeartbeatPingMessage()}}
			hb.writeAndMaybeFlush(w)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendToAllBackends sends httpMethod to every backend in this session and
// returns a channel streaming each backend's response events, closed once
// all backends have finished.
func (s *session) sendToAllBackends(ctx context.Context, httpMethod string, request *jsonrpc.Request, span Span) <-chan *sseEvent {
	backendMsgs := make(chan *sseEvent, 200)
	var wg sync.WaitGroup

	wg.Add(len(s.perBackendSessions))
	for backendName, cse := range s.perBackendSessions {
		go func() {
			defer wg.Done()
			backend, err := s.proxy.getBackendForRoute(s.route, backendName)
			if err != nil {
				s.proxy.l.Error("failed to resolve backend", slog.String("backend", backendName), slog.String("error", err.Error()))
				return
			}
			if err := s.sendRequestPerBackend(ctx, backendMsgs, s.route, backend, cse, httpMethod, request); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.proxy.l.Error("failed to collect MCP backend messages", slog.String("backend", backendName), slog.String("error", err.Error()))
				}
				return
			}
			if span != nil {
				span.RecordRouteToBackend(backendName, string(cse.sessionID), false)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(backendMsgs)
	}()
	return backendMsgs
}

func (s *session) sendRequestPerBackend(ctx context.Context, eventChan chan<- *sseEvent, routeName RouteName, backend Backend, cse *compositeSessionEntry, httpMethod string, request *jsonrpc.Request) error {
	var body io.Reader
	if request != nil {
		encoded, err := jsonrpc.EncodeMessage(request)
		if err != nil {
			return fmt.Errorf("mcp: encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, s.proxy.mcpEndpointForBackend(backend), body)
	if err != nil {
		return fmt.Errorf("mcp: build backend request: %w", err)
	}
	addMCPHeaders(req, request, routeName, backend.Name)
	req.Header.Set(protocolVersionHeader, protocolVersion20250618)
	req.Header.Set(sessionIDHeader, cse.sessionID.String())
	if httpMethod != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream, application/json")
	if cse.lastEventID != "" {
		req.Header.Set(lastEventIDHeader, cse.lastEventID)
	}

	client := http.Client{Timeout: 1200 * time.Second}
	httpResp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("mcp: send backend request: %w", err)
	}

	switch httpResp.StatusCode {
	case http.StatusNoContent, http.StatusMethodNotAllowed, http.StatusAccepted:
		_ = httpResp.Body.Close()
		return nil
	case http.StatusOK:
	default:
		body, _ := io.ReadAll(httpResp.Body)
		_ = httpResp.Body.Close()
		return fmt.Errorf("mcp: backend GET failed with status %d: %s", httpResp.StatusCode, body)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.Header.Get("Content-Type") == "application/json" {
		respBody, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("mcp: read backend response: %w", err)
		}
		msg, err := jsonrpc.DecodeMessage(respBody)
		if err != nil {
			return fmt.Errorf("mcp: decode backend response: %w", err)
		}
		eventChan <- &sseEvent{backend: backend.Name, event: "message", messages: []jsonrpc.Message{msg}}
		return nil
	}

	parser := newSSEEventParser(httpResp.Body, backend.Name)
	for {
		event, err := parser.next()
		if event != nil {
			eventChan <- event
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("mcp: read backend sse body: %w", err)
		}
	}
	return nil
}
