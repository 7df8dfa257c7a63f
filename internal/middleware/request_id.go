package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestID accepts a caller-supplied X-Request-Id or mints one, stores it
// on the context, and echoes it on the response. The operator client reuses
// its id when it retries a chunk, which keeps audit rows for a replayed
// chunk correlatable.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
