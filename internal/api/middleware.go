package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAPIKeyMiddleware guards the service-to-service endpoints with a
// shared key carried in the X-Internal-API-Key header.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				http.Error(w, "internal API key not configured", http.StatusServiceUnavailable)
				return
			}
			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				http.Error(w, "invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
