package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the raw JSON representation of a JSON-RPC message.
type Message []byte

// ErrEmptyBatch is returned when a batch array carries no messages.
var ErrEmptyBatch = errors.New("empty JSON-RPC batch")

// ValidationError describes why a body failed JSON-RPC structural validation.
// Code is ErrorCodeParseError for undecodable JSON and ErrorCodeInvalidRequest
// for well-formed JSON that is not a valid envelope.
type ValidationError struct {
	Code  ErrorCode
	Index int // position within a batch, -1 for single messages
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("batch element %d: %v", e.Index, e.Err)
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AnyMessage is a generic JSON-RPC message (request, notification, or response).
type AnyMessage struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Response represents a JSON-RPC response. The id member is always present
// and is null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON enforces JSON-RPC 2.0 envelope semantics: the version tag, a
// string method, a string/number id, structured params and the
// result-xor-error rule for responses.
func (m *AnyMessage) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("message must be a JSON object: %w", err)
	}

	var version string
	if raw, ok := fields["jsonrpc"]; !ok {
		return fmt.Errorf("missing jsonrpc member")
	} else if err := json.Unmarshal(raw, &version); err != nil || version != ProtocolVersion {
		return fmt.Errorf("invalid JSON-RPC version: expected %q, got %s", ProtocolVersion, string(raw))
	}

	var method string
	rawMethod, hasMethod := fields["method"]
	if hasMethod {
		if err := json.Unmarshal(rawMethod, &method); err != nil {
			return fmt.Errorf("method must be a string")
		}
		if method == "" {
			return fmt.Errorf("method must not be empty")
		}
	}

	var id *RequestID
	if rawID, ok := fields["id"]; ok {
		id = new(RequestID)
		if err := id.UnmarshalJSON(rawID); err != nil {
			return err
		}
	}

	params := fields["params"]
	if len(params) > 0 {
		switch firstByte(params) {
		case '{', '[':
		default:
			return fmt.Errorf("params must be an object or an array")
		}
	}

	result := fields["result"]
	var rpcErr *Error
	if rawErr, ok := fields["error"]; ok && !isNull(rawErr) {
		if firstByte(rawErr) != '{' {
			return fmt.Errorf("error member must be an object")
		}
		var shape struct {
			Code    *json.Number `json:"code"`
			Message *string      `json:"message"`
			Data    any          `json:"data"`
		}
		if err := json.Unmarshal(rawErr, &shape); err != nil || shape.Code == nil || shape.Message == nil {
			return fmt.Errorf("error member must carry a numeric code and a string message")
		}
		code, err := shape.Code.Int64()
		if err != nil {
			return fmt.Errorf("error code must be an integer")
		}
		rpcErr = &Error{Code: ErrorCode(code), Message: *shape.Message, Data: shape.Data}
	}

	hasResult := len(result) > 0
	hasError := rpcErr != nil

	if hasMethod {
		if hasResult || hasError {
			return fmt.Errorf("request message cannot have result or error fields")
		}
		if id != nil && id.IsNil() {
			return fmt.Errorf("request id must not be null")
		}
	} else {
		if hasResult && hasError {
			return fmt.Errorf("response message cannot have both result and error fields")
		}
		if !hasResult && !hasError {
			return fmt.Errorf("response message must have either result or error field")
		}
		if id == nil {
			return fmt.Errorf("response message must carry an id")
		}
		if id.IsNil() && !hasError {
			return fmt.Errorf("successful response must carry a non-null id")
		}
	}

	m.JSONRPCVersion = version
	m.Method = method
	m.Params = params
	m.Result = result
	m.Error = rpcErr
	m.ID = id

	return nil
}

// Type returns "request", "notification" or "response".
func (m *AnyMessage) Type() string {
	if m.Method != "" {
		if m.ID == nil {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// AsRequest returns the message as a Request if it is a request message, otherwise nil
func (m *AnyMessage) AsRequest() *Request {
	if m.Method == "" {
		return nil
	}

	return &Request{
		JSONRPCVersion: m.JSONRPCVersion,
		Method:         m.Method,
		Params:         m.Params,
		ID:             m.ID,
	}
}

// AsResponse returns the message as a Response if it is a response message, otherwise nil
func (m *AnyMessage) AsResponse() *Response {
	if m.Method != "" {
		return nil
	}

	return &Response{
		JSONRPCVersion: m.JSONRPCVersion,
		Result:         m.Result,
		Error:          m.Error,
		ID:             m.ID,
	}
}

// IsRequest reports whether the message expects a response.
func (m *AnyMessage) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// DecodeMessages parses a request body holding a single JSON-RPC message or a
// batch. The returned bool reports whether the body was a batch. Every
// element is structurally validated; the first failure is returned as a
// *ValidationError.
func DecodeMessages(body []byte) ([]AnyMessage, bool, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, &ValidationError{Code: ErrorCodeParseError, Index: -1, Err: errors.New("empty body")}
	}
	if !json.Valid(body) {
		return nil, false, &ValidationError{Code: ErrorCodeParseError, Index: -1, Err: errors.New("invalid JSON")}
	}

	if body[0] != '[' {
		var msg AnyMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, false, &ValidationError{Code: ErrorCodeInvalidRequest, Index: -1, Err: err}
		}
		return []AnyMessage{msg}, false, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, true, &ValidationError{Code: ErrorCodeInvalidRequest, Index: -1, Err: err}
	}
	if len(elems) == 0 {
		return nil, true, &ValidationError{Code: ErrorCodeInvalidRequest, Index: -1, Err: ErrEmptyBatch}
	}

	msgs := make([]AnyMessage, len(elems))
	for i, elem := range elems {
		if err := json.Unmarshal(elem, &msgs[i]); err != nil {
			return nil, true, &ValidationError{Code: ErrorCodeInvalidRequest, Index: i, Err: err}
		}
	}
	return msgs, true, nil
}

func firstByte(b []byte) byte {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return b[0]
}

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
