package security

import (
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/mcp"
)

func protocolVersion(rej rejecter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			v := strings.TrimSpace(r.Header.Get(ProtocolVersionHeader))
			if v == "" {
				v = mcp.FallbackProtocolVersion
			} else if !mcp.IsSupportedProtocolVersion(v) {
				rej.reject(w, r, ReasonProtocolVersion, http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest,
					"unsupported protocol version "+v+" (supported: "+strings.Join(mcp.SupportedProtocolVersions, ", ")+")",
					map[string]any{"supported": mcp.SupportedProtocolVersions, "requested": v})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithProtocolVersion(r.Context(), v)))
		})
	}
}

func acceptCheck(rej rejecter) Middleware {
	anyMCP := []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	streamOnly := []contenttype.MediaType{eventStreamMediaType}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			available := anyMCP
			if r.Method == http.MethodGet {
				available = streamOnly
			}
			if _, _, err := contenttype.GetAcceptableMediaType(r, available); err != nil {
				rej.reject(w, r, ReasonAccept, http.StatusNotAcceptable, jsonrpc.ErrorCodeBadRequest,
					"not acceptable: client must accept application/json or text/event-stream", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func contentTypeCheck(rej rejecter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			ctype, err := contenttype.GetMediaType(r)
			if err != nil || !ctype.Matches(jsonMediaType) {
				rej.reject(w, r, ReasonContentType, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeBadRequest,
					"content-type must be application/json", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
