// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mcp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

var (
	sseEventPrefix = []byte("event: ")
	sseIDPrefix    = []byte("id: ")
	sseDataPrefix  = []byte("data: ")
)

// sseEventParser reads bytes from a reader and parses SSE events, gracefully
// handling the different line terminations (CR, LF, CRLF) upstream MCP
// servers may use.
type sseEventParser struct {
	backend BackendName
	r       io.Reader
	readBuf [4096]byte
	buf     []byte
}

func newSSEEventParser(r io.Reader, backend BackendName) sseEventParser {
	return sseEventParser{r: r, backend: backend}
}

// next reads the next SSE event from the stream.
func (s *sseEventParser) next() (*sseEvent, error) {
	for {
		event, ok, err := s.extractEvent()
		if err != nil {
			return nil, err
		}
		if ok {
			return event, nil
		}

		n, err := s.r.Read(s.readBuf[:])
		if n > 0 {
			normalized := normalizeNewlines(s.readBuf[:n])
			s.buf = append(s.buf, normalized...)
			continue
		}

		if err != nil {
			if errors.Is(err, io.EOF) && len(s.buf) > 0 {
				event, parseErr := s.parseEvent(s.buf)
				s.buf = nil
				return event, errors.Join(err, parseErr)
			}
			return nil, err
		}
	}
}

// parseEvent parses one normalized chunk into an sseEvent.
func (s *sseEventParser) parseEvent(chunk []byte) (*sseEvent, error) {
	ret := &sseEvent{backend: s.backend}

	for line := range bytes.SplitSeq(chunk, []byte{'\n'}) {
		switch {
		case bytes.HasPrefix(line, sseEventPrefix):
			ret.event = string(bytes.TrimSpace(line[len(sseEventPrefix):]))
		case bytes.HasPrefix(line, sseIDPrefix):
			ret.id = string(bytes.TrimSpace(line[len(sseIDPrefix):]))
		case bytes.HasPrefix(line, sseDataPrefix):
			data := bytes.TrimSpace(line[len(sseDataPrefix):])
			msg, err := jsonrpc.DecodeMessage(data)
			if err != nil {
				return nil, fmt.Errorf("mcp: decode jsonrpc message from sse data: %w", err)
			}
			ret.messages = append(ret.messages, msg)
		}
	}

	return ret, nil
}

// extractEvent tries to find a complete event (double newline) in remainder.
func (s *sseEventParser) extractEvent() (*sseEvent, bool, error) {
	if idx := bytes.Index(s.buf, []byte("\n\n")); idx >= 0 {
		chunk := s.buf[:idx]
		s.buf = s.buf[idx+2:]
		event, err := s.parseEvent(chunk)
		return event, true, err
	}
	return nil, false, nil
}

func normalizeNewlines(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
	return b
}

// sseEvent is one parsed SSE frame, tagged with the upstream backend it came
// from so a fan-out caller can attribute it.
type sseEvent struct {
	event, id string
	messages  []jsonrpc.Message
	backend   BackendName
}

func (s *sseEvent) writeAndMaybeFlush(w io.Writer) {
	if s.event != "" {
		_, _ = w.Write(sseEventPrefix)
		_, _ = w.Write([]byte(s.event))
		_, _ = w.Write([]byte{'\n'})
	}
	if s.id != "" {
		_, _ = w.Write(sseIDPrefix)
		_, _ = w.Write([]byte(s.id))
		_, _ = w.Write([]byte{'\n'})
	}
	for _, msg := range s.messages {
		_, _ = w.Write(sseDataPrefix)
		data, _ := jsonrpc.EncodeMessage(msg)
		_, _ = w.Write(data)
		_, _ = w.Write([]byte{'\n'})
	}
	_, _ = w.Write([]byte{'\n', '\n'})

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
