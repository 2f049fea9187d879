// Package middleware provides the HTTP middleware wrapped around the
// WebSocket gateway and plugin routes.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// Origins decides whether a browser origin may talk to the daemon. It backs
// both the CORS middleware and the WebSocket upgrader.
type Origins struct {
	allowAll bool
	exact    map[string]bool
	patterns []string
}

// NewOrigins builds the matcher. An empty list or a lone "*" allows any
// origin. Entries like "https://*.example.com" match subdomains.
func NewOrigins(allowed []string) *Origins {
	o := &Origins{exact: make(map[string]bool)}
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		o.allowAll = true
		return o
	}
	for _, a := range allowed {
		if strings.Contains(a, "*") {
			o.patterns = append(o.patterns, a)
		} else {
			o.exact[a] = true
		}
	}
	return o
}

// Allowed reports whether origin passes. An empty origin is same-origin and
// always passes.
func (o *Origins) Allowed(origin string) bool {
	if origin == "" || o.allowAll || o.exact[origin] {
		return true
	}
	for _, p := range o.patterns {
		if matchWildcardOrigin(p, origin) {
			return true
		}
	}
	return false
}

// CheckOrigin adapts the matcher to websocket.Upgrader.CheckOrigin.
func (o *Origins) CheckOrigin(r *http.Request) bool {
	return o.Allowed(r.Header.Get("Origin"))
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	Origins        *Origins
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int // Preflight cache duration in seconds
}

// CORS creates a middleware that handles CORS headers.
func CORS(cfg CORSConfig) Middleware {
	if cfg.Origins == nil {
		cfg.Origins = NewOrigins(nil)
	}
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 86400 // 24 hours
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && !cfg.Origins.Allowed(origin) {
				// Same-origin style handling: no CORS headers, preflight refused.
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchWildcardOrigin checks if origin matches a pattern with wildcard.
// "https://*.example.com" matches "https://app.example.com" but not
// "https://example.com".
func matchWildcardOrigin(pattern, origin string) bool {
	patternScheme, patternHost, ok1 := strings.Cut(pattern, "://")
	originScheme, originHost, ok2 := strings.Cut(origin, "://")
	if !ok1 || !ok2 || patternScheme != originScheme {
		return false
	}

	patternHost, _, _ = strings.Cut(patternHost, ":")
	originHost, _, _ = strings.Cut(originHost, ":")

	if !strings.HasPrefix(patternHost, "*.") {
		return patternHost == originHost
	}
	suffix := patternHost[1:] // ".example.com"
	return strings.HasSuffix(originHost, suffix) && len(originHost) > len(suffix)
}
