// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translate

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentgateway/agentgateway-go/internal/apischema/anthropic"
	"github.com/agentgateway/agentgateway-go/internal/apischema/bedrock"
	"github.com/agentgateway/agentgateway-go/internal/apischema/openai"
)

// invalidRequestErrorType is the fixed error "type" every translated error
// carries, regardless of the actual upstream error class: the upstream's
// HTTP status code is preserved on the response separately, so the body's
// type field does not need to distinguish rate-limit vs validation vs
// server errors for the client to react correctly.
const invalidRequestErrorType = "invalid_request_error"

// TranslateError converts a non-2xx upstream error body into clientFormat's
// native error envelope ("messages" -> Anthropic's ErrorResponse, any
// other format -> openai.Error); both marshal as {type:"error",
// error:{type,message}}. The message is taken from Bedrock's
// {"message": ...} shape or an {"error":{"message": ...}} shape (see
// extractErrorMessage); any other body is forwarded as the message text
// verbatim.
func TranslateError(clientFormat string, body io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("translate error: read body: %w", err)
	}
	message := extractErrorMessage(buf)

	var out []byte
	switch clientFormat {
	case "messages":
		out, err = json.Marshal(anthropic.ErrorResponse{
			Type:  "error",
			Error: anthropic.ErrorBody{Type: invalidRequestErrorType, Message: message},
		})
	default:
		out, err = json.Marshal(openai.Error{
			Type:  "error",
			Error: openai.ErrorType{Type: invalidRequestErrorType, Message: message},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("translate error: marshal envelope: %w", err)
	}
	return out, nil
}

// extractErrorMessage pulls the human-readable message out of buf,
// recognizing Bedrock's {"message": "..."} shape and an already-translated
// {"error":{"message": "..."}} shape (a no-op re-translation, e.g. a
// Bedrock-fronted OpenAI-compatible proxy that already speaks this
// envelope); any other body is used as-is.
func extractErrorMessage(buf []byte) string {
	var bedrockErr bedrock.ConverseErrorResponse
	if err := json.Unmarshal(buf, &bedrockErr); err == nil && bedrockErr.Message != "" {
		return bedrockErr.Message
	}
	var wrapped openai.Error
	if err := json.Unmarshal(buf, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return string(buf)
}
