package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/grok-ai/BeER/internal/answer"
)

// WorkerTokenHeader carries the shared secret workers present when joining.
const WorkerTokenHeader = "X-Beer-Worker-Token"

// RequireWorkerToken rejects requests whose worker token does not match token.
func RequireWorkerToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(WorkerTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				answer.Write(w, answer.New(answer.UnauthorizedError, map[string]interface{}{"error": "invalid worker token"}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
