// Package httpapi exposes the attendance service over HTTP: operator session management,
// the public check-in endpoint, CSV export and the ops endpoints.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"attend/cmd/internal/attendance"
	"attend/cmd/internal/auth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
)

// HTTPObserver records finished requests by route pattern. *metrics.Metrics satisfies it.
type HTTPObserver interface {
	ObserveHTTP(route, method, class string, seconds float64)
}

// Options wires the router. Service and Auth are required.
type Options struct {
	Service *attendance.Service
	Auth    *auth.Authenticator
	Log     *slog.Logger

	// WS serves /ws when set.
	WS http.Handler
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Observer records per-route request metrics when set.
	Observer HTTPObserver
	// Ready backs /readyz. Nil means always ready.
	Ready func(ctx context.Context) error

	AllowedOrigins []string

	// APIRateLimit is requests per minute per client IP across /api. Zero uses 300.
	APIRateLimit int
	// CheckInRateLimit is public check-in attempts per minute per client IP. Zero uses 20.
	CheckInRateLimit int
	// RequestTimeout bounds non-streaming API handlers. Zero uses 15s.
	RequestTimeout time.Duration

	Now func() time.Time
}

type handler struct {
	svc  *attendance.Service
	auth *auth.Authenticator
	log  *slog.Logger
	now  func() time.Time
}

// NewRouter builds the chi router.
func NewRouter(opts Options) (http.Handler, error) {
	if opts.Service == nil {
		return nil, errors.New("httpapi: nil service")
	}
	if opts.Auth == nil {
		return nil, errors.New("httpapi: nil authenticator")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.APIRateLimit <= 0 {
		opts.APIRateLimit = 300
	}
	if opts.CheckInRateLimit <= 0 {
		opts.CheckInRateLimit = 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	h := &handler{svc: opts.Service, auth: opts.Auth, log: opts.Log, now: opts.Now}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if opts.Observer != nil {
		r.Use(observe(opts.Observer))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ready != nil {
			if err := opts.Ready(r.Context()); err != nil {
				opts.Log.Info("readyz.not_ready", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	if opts.WS != nil {
		r.Method(http.MethodGet, "/ws", opts.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           int((10 * time.Minute).Seconds()),
		}))
		r.Use(httprate.Limit(opts.APIRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(rateLimited),
		))

		r.Route("/checkin/{id}", func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))
			r.Get("/", h.resolveLink)
			r.With(httprate.Limit(opts.CheckInRateLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(rateLimited),
			)).Post("/", h.checkIn)
		})

		r.With(h.requireOperator, middleware.Timeout(opts.RequestTimeout)).Get("/sites", h.listSites)

		r.Route("/sessions", func(r chi.Router) {
			r.Use(h.requireOperator)

			// Streaming export is exempt from the request timeout.
			r.Method(http.MethodGet, "/{id}/export", gzhttp.GzipHandler(http.HandlerFunc(h.exportCheckIns)))

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(opts.RequestTimeout))
				r.Post("/", h.createSession)
				r.Get("/", h.listSessions)
				r.Get("/{id}", h.getSession)
				r.Patch("/{id}/notes", h.updateNotes)
				r.Post("/{id}/rotate", h.rotateToken)
				r.Post("/{id}/close", h.closeSession)
				r.Get("/{id}/checkins", h.listCheckIns)
				r.Post("/{id}/checkins", h.manualCheckIn)
			})
		})
	})

	return r, nil
}

func rateLimited(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
}
