package admin

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"payplan/pkg/requestcontext"
)

// HeaderAdminToken carries the shared operator secret.
const HeaderAdminToken = "X-Admin-Token"

// RequireAdminToken rejects requests whose admin token does not match.
func RequireAdminToken(expectedToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidToken(r, expectedToken) {
				ctx := r.Context()
				logger.WarnContext(ctx, "admin token mismatch",
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"admin token required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ValidToken reports whether the request carries the expected admin token.
// An empty expected token never matches.
func ValidToken(r *http.Request, expectedToken string) bool {
	if expectedToken == "" {
		return false
	}
	token := r.Header.Get(HeaderAdminToken)
	// constant-time comparison
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}
