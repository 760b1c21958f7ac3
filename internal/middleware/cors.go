package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// OriginAllowed reports whether origin may call the API. "*" admits any.
func OriginAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	origin = strings.TrimRight(origin, "/")
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// CORS answers preflight requests and reflects allowed origins with
// credentials enabled.
func CORS(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if OriginAllowed(allowed, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
