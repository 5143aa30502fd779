package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Transport-reserved codes. JSON-RPC 2.0 leaves -32000 to -32099 for
// implementation-defined server errors.
const (
	// ErrorCodeBadRequest is used for transport-level rejections such as a
	// missing session header or a non-initialize request without a session.
	ErrorCodeBadRequest ErrorCode = -32000
	// ErrorCodeSessionNotFound signals an unknown, expired or terminated session.
	ErrorCodeSessionNotFound ErrorCode = -32001
	// ErrorCodeSessionLimit signals that the session registry is at capacity.
	ErrorCodeSessionLimit ErrorCode = -32002
	// ErrorCodeForbidden signals a host or origin rejection.
	ErrorCodeForbidden ErrorCode = -32003
	// ErrorCodeRateLimited signals that the client exceeded its request budget.
	ErrorCodeRateLimited ErrorCode = -32029
)
