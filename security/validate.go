package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
)

func validateJSONRPC(maxBytes int64, rej rejecter) Middleware {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			msgs, status, vErr := ReadMessages(w, r, maxBytes)
			if vErr != nil {
				reason := ReasonJSONRPC
				if status == http.StatusRequestEntityTooLarge {
					reason = ReasonBodyTooLarge
				}
				rej.reject(w, r, reason, status, vErr.Code, vErr.Error(), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithMessages(r.Context(), msgs)))
		})
	}
}

// ReadMessages reads and structurally validates a JSON-RPC POST body capped
// at maxBytes. On failure it returns the HTTP status to answer with and the
// validation error carrying the JSON-RPC code.
func ReadMessages(w http.ResponseWriter, r *http.Request, maxBytes int64) (*Messages, int, *jsonrpc.ValidationError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, &jsonrpc.ValidationError{Code: jsonrpc.ErrorCodeInvalidRequest, Index: -1, Err: errors.New("request body too large")}
		}
		return nil, http.StatusBadRequest, &jsonrpc.ValidationError{Code: jsonrpc.ErrorCodeParseError, Index: -1, Err: err}
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	msgs, batch, err := jsonrpc.DecodeMessages(body)
	if err != nil {
		var vErr *jsonrpc.ValidationError
		if !errors.As(err, &vErr) {
			vErr = &jsonrpc.ValidationError{Code: jsonrpc.ErrorCodeInvalidRequest, Index: -1, Err: err}
		}
		return nil, http.StatusBadRequest, vErr
	}
	return &Messages{Msgs: msgs, Batch: batch}, 0, nil
}
