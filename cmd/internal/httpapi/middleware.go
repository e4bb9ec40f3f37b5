package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"attend/cmd/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// requireOperator rejects callers without operator credentials and stores the principal on the context.
func (h *handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.auth.Operator(r)
		switch {
		case errors.Is(err, auth.ErrForbidden):
			h.log.Warn("http.auth.forbidden", "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "FORBIDDEN", "operator role required")
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Bearer realm="attend"`)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

// observe reports each request under its chi route pattern so ids do not explode label cardinality.
func observe(o HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := ""
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			o.ObserveHTTP(route, r.Method, statusClass(status), time.Since(start).Seconds())
		})
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
