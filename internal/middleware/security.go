package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// APIKeyHeader names the header checked by APIKeyAuth
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests that do not present the configured key. An
// empty key disables the check.
func APIKeyAuth(logger *slog.Logger, key string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		want := []byte(key)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				logger.WarnContext(ctx, "missing API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeProblem(w, http.StatusUnauthorized, "/errors/unauthorized", "Unauthorized",
					"API key required", GetRequestID(ctx))
				return
			}

			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				logger.WarnContext(ctx, "invalid API key",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeProblem(w, http.StatusUnauthorized, "/errors/unauthorized", "Unauthorized",
					"Invalid API key", GetRequestID(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
