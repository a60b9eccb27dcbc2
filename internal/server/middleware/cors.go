package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// readOnlyMethods are the only methods the status API serves.
const readOnlyMethods = "GET, HEAD, OPTIONS"

// CORS lets browser dashboards on allowedOrigins read the status API. An
// empty list, or "*", allows any origin. Preflights are answered here and
// never reach the routes.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin != "" {
				w.Header().Add("Vary", "Origin")
				if anyOrigin || slices.ContainsFunc(allowedOrigins, func(o string) bool { return strings.EqualFold(o, origin) }) {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Expose-Headers", "Retry-After")
					if preflight {
						h.Set("Access-Control-Allow-Methods", readOnlyMethods)
						h.Set("Access-Control-Allow-Headers", "Authorization, X-API-Key")
						h.Set("Access-Control-Max-Age", "600")
					}
				} else if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
			}
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
