// Package app wires the attend server runtime: config, logging, storage, the
// attendance service, HTTP routes and the realtime dashboard gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"attend/cmd/internal/attendance"
	"attend/cmd/internal/auth"
	"attend/cmd/internal/bus"
	"attend/cmd/internal/httpapi"
	"attend/cmd/internal/metrics"
	"attend/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// App is the attend server runtime: it owns storage, the service and the HTTP server.
type App struct {
	cfg Config
	log Logger

	store  attendance.Store
	dbPool *pgxpool.Pool

	svc     *attendance.Service
	hub     *realtime.Hub
	relay   *bus.Relay
	metrics *metrics.Metrics

	handler         http.Handler
	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.closeResources(context.Background())
		}
	}()

	sites := attendance.MustDefaultCatalog()
	if cfg.SitesFile != "" {
		var err error
		if sites, err = attendance.LoadSiteCatalog(cfg.SitesFile); err != nil {
			return nil, err
		}
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log,
		realtime.WithHubObserver(a.metrics),
		realtime.WithCheckInBaseURL(cfg.PublicBaseURL),
	)
	var publisher attendance.EventPublisher = a.hub
	if cfg.NATSURL != "" {
		relay, err := bus.Connect(cfg.NATSURL, a.hub,
			bus.WithSubjectPrefix(cfg.NATSSubjectPrefix),
			bus.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		a.relay = relay
		publisher = relay
	}

	svc, err := attendance.NewService(a.store,
		attendance.WithPublisher(publisher),
		attendance.WithObserver(a.metrics),
		attendance.WithLogger(log),
		attendance.WithSites(sites),
		attendance.WithBaseURL(cfg.PublicBaseURL),
	)
	if err != nil {
		return nil, err
	}
	a.svc = svc

	authn, err := auth.New(cfg.Auth)
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, a.hub, svc, authn.OperatorSubject, cfg.WS)
	if err != nil {
		return nil, err
	}

	router, err := httpapi.NewRouter(httpapi.Options{
		Service:          svc,
		Auth:             authn,
		Log:              log,
		WS:               ws,
		Metrics:          a.metrics.Handler(),
		Observer:         a.metrics,
		Ready:            a.ready,
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		APIRateLimit:     cfg.APIRateLimit,
		CheckInRateLimit: cfg.CheckInRateLimit,
		RequestTimeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	a.shutdownTracing, err = initTracing(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		return nil, err
	}

	var h http.Handler = WithSecurityHeaders(WithRequestLogging(router, log))
	if cfg.OTelEndpoint != "" {
		h = otelhttp.NewHandler(h, cfg.OTelServiceName)
	}
	a.handler = h

	ok = true
	return a, nil
}

// Service exposes the attendance service for CLI commands that run without the HTTP server.
func (a *App) Service() *attendance.Service { return a.svc }

// Handler is the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// openStore decides between Postgres-backed persistence and the in-memory dev store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = attendance.NewMemoryStore()
		return nil
	}

	if a.cfg.AutoMigrate {
		if err := Migrate(ctx, a.cfg.DatabaseURL, MigrateUp, a.log); err != nil {
			return err
		}
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.dbPool = pool

	// The app owns the pool; PostgresStore.Close is a no-op.
	st, err := attendance.NewPostgresStore(pool)
	if err != nil {
		return err
	}
	a.store = st
	a.log.Info("db.enabled.postgres_store")
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.dbPool == nil {
		if a.cfg.ReadinessRequireDB {
			return errors.New("db not configured")
		}
		return nil
	}
	return PingDB(ctx, a.dbPool, 2*time.Second)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 2*time.Minute),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"public_base_url", a.cfg.PublicBaseURL,
		"ws_url", wsBaseURL(a.cfg.PublicBaseURL)+"/ws",
		"db_enabled", a.dbPool != nil,
		"relay_enabled", a.relay != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.closeResources(shutdownCtx)

	if runErr == nil {
		a.log.Info("server.stopped")
	}
	return runErr
}

// Close releases storage and relay resources without running the server.
func (a *App) Close(ctx context.Context) {
	a.closeResources(ctx)
}

func (a *App) closeResources(ctx context.Context) {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			a.log.Warn("bus.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Warn("tracing.shutdown.fail", "err", err)
		}
		a.shutdownTracing = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// OpenService builds a Postgres-backed service without the HTTP stack, for CLI commands.
// The returned close func releases the pool.
func OpenService(ctx context.Context, cfg Config, log Logger) (*attendance.Service, func(), error) {
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("ATTEND_DATABASE_URL is not set")
	}
	pool, err := NewDBPool(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	st, err := attendance.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	sites := attendance.MustDefaultCatalog()
	if cfg.SitesFile != "" {
		if sites, err = attendance.LoadSiteCatalog(cfg.SitesFile); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	svc, err := attendance.NewService(st,
		attendance.WithLogger(log),
		attendance.WithSites(sites),
		attendance.WithBaseURL(cfg.PublicBaseURL),
	)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return svc, pool.Close, nil
}
