package jsonrpc

import (
	"encoding/json"
	"net/http"
)

// WriteHTTPError answers an HTTP request with a JSON-RPC error envelope and a
// null id. It is used for rejections that happen before a message can be
// dispatched.
func WriteHTTPError(w http.ResponseWriter, status int, code ErrorCode, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(nil, code, message, data))
}

// WriteHTTPResponse writes v as a JSON body with the given status.
func WriteHTTPResponse(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
