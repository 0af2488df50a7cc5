package middleware

import (
	"log/slog"
	"net/http"

	"github.com/penshort/accounts/internal/auth"
	"github.com/penshort/accounts/internal/metrics"
	"github.com/penshort/accounts/internal/model"
	"github.com/penshort/accounts/internal/token"
)

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Logger  *slog.Logger
	Tokens  *token.Manager
	Metrics metrics.Recorder
}

// Auth returns a middleware that authenticates requests carrying a bearer
// token. On success the verified principal is stored in the request context.
// Every failure produces the same 401 response.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				logAuthFailure(cfg.Logger, r, "missing_token")
				recorder.IncTokenRejected()
				writeAuthError(w)
				return
			}

			claims, err := cfg.Tokens.Inspect(raw)
			if err != nil {
				logAuthFailure(cfg.Logger, r, "invalid_token")
				recorder.IncTokenRejected()
				writeAuthError(w)
				return
			}

			principal := &model.Principal{
				UserID:  claims.Data.UserID,
				TokenID: claims.ID,
			}

			cfg.Logger.Debug("authentication successful",
				slog.Int64("user_id", principal.UserID),
				slog.String("token_id", principal.TokenID),
				slog.String("endpoint", r.Method+" "+r.URL.Path),
				slog.String("request_id", GetRequestID(r.Context())),
			)

			ctx := auth.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func logAuthFailure(logger *slog.Logger, r *http.Request, reason string) {
	logger.Warn("authentication failed",
		slog.String("reason", reason),
		slog.String("ip", getClientIP(r)),
		slog.String("endpoint", r.Method+" "+r.URL.Path),
		slog.String("request_id", GetRequestID(r.Context())),
	)
}

// writeAuthError writes a 401 Unauthorized response.
// Uses the same message for all auth failures to prevent enumeration.
func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="accounts"`)
	writeError(w, http.StatusUnauthorized, codeUnauthenticated, "Invalid or missing token")
}
