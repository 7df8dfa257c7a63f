package middleware

import (
	"net/http"
	"strings"
)

// BodyLimitOverride raises the request body cap for one path prefix. The
// upload endpoint needs room for a whole import file where the JSON
// endpoints do not.
type BodyLimitOverride struct {
	PathPrefix string
	MaxBytes   int64
}

func (o BodyLimitOverride) matches(path, trimmed string) bool {
	if o.PathPrefix == "" || o.MaxBytes <= 0 {
		return false
	}
	return strings.HasPrefix(path, o.PathPrefix) || strings.HasPrefix(trimmed, o.PathPrefix)
}

// LimitBodyBytesWithOverrides caps request bodies at defaultMax, with
// per-prefix exceptions. Prefixes match with and without the /api mount.
func LimitBodyBytesWithOverrides(defaultMax int64, overrides []BodyLimitOverride) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			maxBytes := defaultMax
			trimmed := strings.TrimPrefix(r.URL.Path, "/api")
			for _, override := range overrides {
				if override.matches(r.URL.Path, trimmed) {
					maxBytes = override.MaxBytes
					break
				}
			}
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
