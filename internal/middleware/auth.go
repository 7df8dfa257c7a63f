package middleware

import (
	"net/http"
	"strings"

	"github.com/subflow-platform/importer-api/internal/auth"
)

type AuthMiddleware struct {
	// TokenHash is the argon2id-encoded hash of the operator token.
	TokenHash string
}

func (m AuthMiddleware) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.TokenHash == "" {
			writeError(w, r, http.StatusServiceUnavailable, "auth_unconfigured", "Operator token is not configured", nil)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}

		ok, err := auth.VerifySecret(token, m.TokenHash)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal_error", "Token verification failed", nil)
			return
		}
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "Invalid operator token", nil)
			return
		}

		ctx := WithOperator(r.Context(), Operator{TokenDigest: auth.HashToken(token)})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
