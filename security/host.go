package security

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
)

// HostAllowed reports whether host matches an entry of allowed. Entries
// without a port match any port.
func HostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	name := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		name = h
	}
	name = strings.Trim(name, "[]")

	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == host {
			return true
		}
		if _, _, err := net.SplitHostPort(a); err != nil && strings.Trim(a, "[]") == name {
			return true
		}
	}
	return false
}

// OriginAllowed reports whether origin is listed. Comparison ignores case
// and a trailing slash.
func OriginAllowed(origin string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	norm := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, a := range allowed {
		if strings.ToLower(strings.TrimSuffix(strings.TrimSpace(a), "/")) == norm {
			return true
		}
	}
	return false
}

func hostCheck(hosts, origins []string, enforceOrigin bool, rej rejecter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HostAllowed(r.Host, hosts) {
				rej.reject(w, r, ReasonHost, http.StatusForbidden, jsonrpc.ErrorCodeForbidden, "forbidden", nil)
				return
			}
			if origin := r.Header.Get("Origin"); origin != "" && enforceOrigin && !OriginAllowed(origin, origins) {
				rej.reject(w, r, ReasonOrigin, http.StatusForbidden, jsonrpc.ErrorCodeForbidden, "forbidden", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
