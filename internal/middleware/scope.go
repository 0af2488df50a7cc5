package middleware

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/penshort/accounts/internal/auth"
	"github.com/penshort/accounts/internal/metrics"
)

// RequireSelf returns middleware that only lets the authenticated user act
// on their own account. The account id is read from the chi URL parameter
// param. Must be applied after Auth middleware.
//
// A missing principal yields 401. A principal whose id differs from the path
// id, including a path id that is not a number, yields 403.
func RequireSelf(param string, recorder metrics.Recorder) func(http.Handler) http.Handler {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			self := auth.UserIDFromContext(r.Context())
			if self == 0 {
				writeAuthError(w)
				return
			}

			target, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
			if err != nil || target != self {
				recorder.IncForbidden()
				writeError(w, http.StatusForbidden, codeForbidden, "You can only modify your own account")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
