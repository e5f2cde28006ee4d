package middleware

import "net/http"

// DefaultMaxBodyBytes bounds request bodies when no limit is configured (64KB).
const DefaultMaxBodyBytes = 64 * 1024

// MaxBodySize returns middleware that limits request body size to max bytes.
func MaxBodySize(max int64) func(http.Handler) http.Handler {
	if max <= 0 {
		max = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
