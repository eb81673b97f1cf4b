package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"forma/internal/httputil"
)

// Recovery converts handler panics into logged 500 responses. The stack is
// captured at recover time so the log points at the panicking frame, not at
// this middleware. ErrAbortHandler still propagates through recover as the
// net/http contract expects.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				logger.Error("panic recovered",
					"error", v,
					"path", r.URL.Path,
					"method", r.Method,
					"stack", string(debug.Stack()),
				)

				httputil.RespondError(w, http.StatusInternalServerError, "internal server error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
