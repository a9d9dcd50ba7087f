// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package snapshot implements the per-request value graph that every policy
// in the pipeline reads from: headers, body, peer addresses, JWT claims,
// backend selection and LLM accounting. It is a flat var bag built for CEL
// evaluation, widened to cover every attribute namespace the CEL grammar
// names: request, response, source, destination, jwt, backend, llm,
// extauthz, extproc.
//
// A Snapshot is built once per request and extended, never mutated in place,
// as the request moves through the pipeline: the request-phase snapshot is
// frozen and a child snapshot is derived for the response phase, so that a
// response-time CEL expression can still see request.* fields while a
// request-time expression can never observe response.* (it doesn't exist
// yet). Child() implements that freeze-and-extend step.
package snapshot

import (
	"encoding/json"
	"net"
	"strconv"
	"time"
)

// Request holds the attributes of the inbound HTTP request.
type Request struct {
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Scheme        string            `json:"scheme"`
	Authority     string            `json:"authority"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body,omitempty"`
	BodyTruncated bool              `json:"body_truncated"`
	Size          int64             `json:"size"`
	// EndOfStream marks the last body frame of the request, the signal the
	// LLM translation stage waits for before treating Body as complete.
	EndOfStream bool `json:"end_of_stream,omitempty"`
}

// Response holds the attributes of the upstream's HTTP response.
type Response struct {
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers"`
	Body          []byte            `json:"body,omitempty"`
	BodyTruncated bool              `json:"body_truncated"`
	Size          int64             `json:"size"`
	// EndOfStream marks the last body frame of the response. For a streaming
	// LLM response, every frame before this one is itself a complete
	// SSE/event-stream event the translation stage forwards incrementally.
	EndOfStream bool `json:"end_of_stream,omitempty"`
	// LastChunk holds only the bytes delivered in the most recent body frame,
	// separate from Body's full-response accumulation, so a streaming
	// translator can re-emit one upstream frame at a time instead of
	// retranslating the whole response on every frame.
	LastChunk []byte `json:"-"`
}

// Peer is a source or destination socket address.
type Peer struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// PeerFromAddr splits a net.Addr into a Peer, defaulting silently to the
// zero Peer when addr is nil or not a TCP-shaped address.
func PeerFromAddr(addr net.Addr) *Peer {
	if addr == nil {
		return &Peer{}
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return &Peer{Address: addr.String()}
	}
	p := &Peer{Address: host}
	if n, err := strconv.Atoi(port); err == nil {
		p.Port = n
	}
	return p
}

// JWT holds the claims of a verified bearer token, as attached by the
// Authentication policy.
type JWT struct {
	Raw    string         `json:"raw,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Backend describes the resolved upstream for this request.
type Backend struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// LLM holds token-accounting state, amended as the response streams in.
type LLM struct {
	Model        string `json:"model"`
	BackendName  string `json:"backend_name"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	Streaming    bool   `json:"streaming"`
}

// Snapshot is an immutable-once-frozen, append-only value graph. Reads walk
// up the parent chain; writes are only permitted on the unfrozen leaf.
type Snapshot struct {
	parent *Snapshot
	frozen bool

	request        *Request
	response       *Response
	source         *Peer
	destination    *Peer
	jwt            *JWT
	backend        *Backend
	llm            *LLM
	extauthz       map[string]any
	extproc        map[string]any
	startTime      time.Time
	firstTokenTime time.Time
}

// New creates a root snapshot with StartTime set to now.
func New() *Snapshot {
	return &Snapshot{startTime: time.Now()}
}

// frozenError is returned by setters once a snapshot has been frozen by Child.
type frozenError struct{ field string }

func (e frozenError) Error() string {
	return "snapshot: cannot set " + e.field + " on a frozen snapshot"
}

// Child freezes s and returns a new mutable snapshot layered on top of it.
// Field reads on the child fall back to s (and s's own parent chain) for any
// field the child never sets itself.
func (s *Snapshot) Child() *Snapshot {
	s.frozen = true
	return &Snapshot{parent: s}
}

func (s *Snapshot) Request() *Request {
	if s.request != nil || s == nil {
		return s.request
	}
	if s.parent != nil {
		return s.parent.Request()
	}
	return nil
}

func (s *Snapshot) SetRequest(r *Request) error {
	if s.frozen {
		return frozenError{"request"}
	}
	s.request = r
	return nil
}

func (s *Snapshot) Response() *Response {
	if s.response != nil || s == nil {
		return s.response
	}
	if s.parent != nil {
		return s.parent.Response()
	}
	return nil
}

func (s *Snapshot) SetResponse(r *Response) error {
	if s.frozen {
		return frozenError{"response"}
	}
	s.response = r
	return nil
}

func (s *Snapshot) Source() *Peer {
	if s.source != nil {
		return s.source
	}
	if s.parent != nil {
		return s.parent.Source()
	}
	return nil
}

func (s *Snapshot) SetSource(p *Peer) error {
	if s.frozen {
		return frozenError{"source"}
	}
	s.source = p
	return nil
}

func (s *Snapshot) Destination() *Peer {
	if s.destination != nil {
		return s.destination
	}
	if s.parent != nil {
		return s.parent.Destination()
	}
	return nil
}

func (s *Snapshot) SetDestination(p *Peer) error {
	if s.frozen {
		return frozenError{"destination"}
	}
	s.destination = p
	return nil
}

func (s *Snapshot) JWT() *JWT {
	if s.jwt != nil {
		return s.jwt
	}
	if s.parent != nil {
		return s.parent.JWT()
	}
	return nil
}

func (s *Snapshot) SetJWT(j *JWT) error {
	if s.frozen {
		return frozenError{"jwt"}
	}
	s.jwt = j
	return nil
}

func (s *Snapshot) Backend() *Backend {
	if s.backend != nil {
		return s.backend
	}
	if s.parent != nil {
		return s.parent.Backend()
	}
	return nil
}

func (s *Snapshot) SetBackend(b *Backend) error {
	if s.frozen {
		return frozenError{"backend"}
	}
	s.backend = b
	return nil
}

func (s *Snapshot) LLM() *LLM {
	if s.llm != nil {
		return s.llm
	}
	if s.parent != nil {
		return s.parent.LLM()
	}
	return nil
}

// SetLLM is always permitted, even on a frozen snapshot: token counts are
// amended throughout the streaming response, after the response snapshot has
// already been frozen for a later phase of the token-count amendment flow.
func (s *Snapshot) SetLLM(l *LLM) { s.llm = l }

func (s *Snapshot) ExtAuthzMetadata() map[string]any {
	if s.extauthz != nil {
		return s.extauthz
	}
	if s.parent != nil {
		return s.parent.ExtAuthzMetadata()
	}
	return nil
}

func (s *Snapshot) SetExtAuthzMetadata(m map[string]any) error {
	if s.frozen {
		return frozenError{"extauthz"}
	}
	s.extauthz = m
	return nil
}

func (s *Snapshot) ExtProcMetadata() map[string]any {
	if s.extproc != nil {
		return s.extproc
	}
	if s.parent != nil {
		return s.parent.ExtProcMetadata()
	}
	return nil
}

func (s *Snapshot) SetExtProcMetadata(m map[string]any) error {
	if s.frozen {
		return frozenError{"extproc"}
	}
	s.extproc = m
	return nil
}

func (s *Snapshot) StartTime() time.Time {
	if !s.startTime.IsZero() {
		return s.startTime
	}
	if s.parent != nil {
		return s.parent.StartTime()
	}
	return time.Time{}
}

func (s *Snapshot) FirstTokenTime() time.Time {
	if !s.firstTokenTime.IsZero() {
		return s.firstTokenTime
	}
	if s.parent != nil {
		return s.parent.FirstTokenTime()
	}
	return time.Time{}
}

func (s *Snapshot) SetFirstTokenTime(t time.Time) { s.firstTokenTime = t }

// CELVars materializes the full value graph into the flat map the cel
// package's Program.Eval expects. Materialization walks the parent chain
// lazily: only the sections actually asked for by a CEL expression's free
// variables get built, but since cel-go's map activation wants every declared
// top-level variable bound, CELVars eagerly builds one map entry per section
// (the sections themselves -- request.headers, response.body, and so on --
// stay as Go values read on demand by CEL's field selection, not
// pre-flattened further).
func (s *Snapshot) CELVars() map[string]any {
	vars := map[string]any{
		"start_time": s.StartTime(),
	}
	if ft := s.FirstTokenTime(); !ft.IsZero() {
		vars["first_token_time"] = ft
	}
	if r := s.Request(); r != nil {
		vars["request"] = requestToMap(r)
	}
	if r := s.Response(); r != nil {
		vars["response"] = responseToMap(r)
	}
	if p := s.Source(); p != nil {
		vars["source"] = peerToMap(p)
	}
	if p := s.Destination(); p != nil {
		vars["destination"] = peerToMap(p)
	}
	if j := s.JWT(); j != nil {
		vars["jwt"] = j.Claims
	}
	if b := s.Backend(); b != nil {
		vars["backend"] = map[string]any{
			"name": b.Name, "provider": b.Provider, "model": b.Model,
		}
		vars["backend_name"] = b.Name
	}
	if l := s.LLM(); l != nil {
		vars["llm"] = map[string]any{
			"model": l.Model, "backend_name": l.BackendName,
			"input_tokens": l.InputTokens, "output_tokens": l.OutputTokens,
			"total_tokens": l.TotalTokens, "streaming": l.Streaming,
		}
		vars["model"] = l.Model
		vars["input_tokens"] = l.InputTokens
		vars["output_tokens"] = l.OutputTokens
		vars["total_tokens"] = l.TotalTokens
	}
	if m := s.ExtAuthzMetadata(); m != nil {
		vars["extauthz"] = m
	}
	if m := s.ExtProcMetadata(); m != nil {
		vars["extproc"] = m
	}
	return vars
}

func requestToMap(r *Request) map[string]any {
	return map[string]any{
		"method": r.Method, "path": r.Path, "scheme": r.Scheme,
		"authority": r.Authority, "headers": r.Headers, "body": r.Body,
		"body_truncated": r.BodyTruncated, "size": r.Size,
	}
}

func responseToMap(r *Response) map[string]any {
	return map[string]any{
		"status": r.Status, "headers": r.Headers, "body": r.Body,
		"body_truncated": r.BodyTruncated, "size": r.Size,
	}
}

// RequestBodyComplete reports whether the request body has been fully
// observed (either a non-streaming body, or the EndOfStream frame of a
// streaming one).
func (s *Snapshot) RequestBodyComplete() bool {
	r := s.Request()
	return r != nil && r.EndOfStream
}

func peerToMap(p *Peer) map[string]any {
	return map[string]any{"address": p.Address, "port": p.Port}
}

// document is the fully-materialized, parent-chain-free representation used
// for JSON round-tripping: serialize(S) must satisfy
// deserialize(serialize(S)).CELVars() == S.CELVars() for any CEL expression.
type document struct {
	Request        *Request       `json:"request,omitempty"`
	Response       *Response      `json:"response,omitempty"`
	Source         *Peer          `json:"source,omitempty"`
	Destination    *Peer          `json:"destination,omitempty"`
	JWT            *JWT           `json:"jwt,omitempty"`
	Backend        *Backend       `json:"backend,omitempty"`
	LLM            *LLM           `json:"llm,omitempty"`
	ExtAuthz       map[string]any `json:"extauthz,omitempty"`
	ExtProc        map[string]any `json:"extproc,omitempty"`
	StartTime      time.Time      `json:"start_time"`
	FirstTokenTime time.Time      `json:"first_token_time,omitempty"`
}

// MarshalJSON flattens the parent chain before encoding.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(document{
		Request: s.Request(), Response: s.Response(),
		Source: s.Source(), Destination: s.Destination(),
		JWT: s.JWT(), Backend: s.Backend(), LLM: s.LLM(),
		ExtAuthz: s.ExtAuthzMetadata(), ExtProc: s.ExtProcMetadata(),
		StartTime: s.StartTime(), FirstTokenTime: s.FirstTokenTime(),
	})
}

// UnmarshalJSON rebuilds a root (parentless) snapshot from a previously
// marshaled document.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	*s = Snapshot{
		request: d.Request, response: d.Response,
		source: d.Source, destination: d.Destination,
		jwt: d.JWT, backend: d.Backend, llm: d.LLM,
		extauthz: d.ExtAuthz, extproc: d.ExtProc,
		startTime: d.StartTime, firstTokenTime: d.FirstTokenTime,
	}
	return nil
}

// FromJSON decodes a previously serialized snapshot.
func FromJSON(data []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}
