package app

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"attend/cmd/internal/auth"
	"attend/cmd/internal/realtime"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string `env:"ATTEND_HTTP_ADDR, default=0.0.0.0:8080"`

	// PublicBaseURL is the origin encoded into check-in links. Empty derives it from HTTPAddr.
	PublicBaseURL string `env:"ATTEND_PUBLIC_BASE_URL"`

	LogLevel  string `env:"ATTEND_LOG_LEVEL, default=info"`
	LogFormat string `env:"ATTEND_LOG_FORMAT, default=json"`

	ReadHeaderTimeout time.Duration `env:"ATTEND_HTTP_READ_HEADER_TIMEOUT, default=5s"`
	ReadTimeout       time.Duration `env:"ATTEND_HTTP_READ_TIMEOUT, default=15s"`
	WriteTimeout      time.Duration `env:"ATTEND_HTTP_WRITE_TIMEOUT, default=2m"`
	IdleTimeout       time.Duration `env:"ATTEND_HTTP_IDLE_TIMEOUT, default=60s"`
	MaxHeaderBytes    int           `env:"ATTEND_HTTP_MAX_HEADER_BYTES, default=1048576"`
	RequestTimeout    time.Duration `env:"ATTEND_HTTP_REQUEST_TIMEOUT, default=15s"`

	CORSAllowedOrigins []string `env:"ATTEND_CORS_ALLOWED_ORIGINS, default=http://localhost:*,http://127.0.0.1:*"`
	APIRateLimit       int      `env:"ATTEND_API_RATE_LIMIT, default=300"`
	CheckInRateLimit   int      `env:"ATTEND_CHECKIN_RATE_LIMIT, default=20"`

	DatabaseURL string `env:"ATTEND_DATABASE_URL"`
	DBMaxConns  int32  `env:"ATTEND_DB_MAX_CONNS, default=10"`
	DBMinConns  int32  `env:"ATTEND_DB_MIN_CONNS, default=0"`
	AutoMigrate bool   `env:"ATTEND_AUTO_MIGRATE, default=false"`

	// DBConnectAttempts bounds startup pings while Postgres is still coming up.
	DBConnectAttempts int           `env:"ATTEND_DB_CONNECT_ATTEMPTS, default=5"`
	DBConnMaxLifetime time.Duration `env:"ATTEND_DB_CONN_MAX_LIFETIME, default=30m"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `env:"ATTEND_READINESS_REQUIRE_DB, default=false"`

	// SitesFile is an optional YAML site catalog. Empty uses the built-in sites.
	SitesFile string `env:"ATTEND_SITES_FILE"`

	NATSURL           string `env:"ATTEND_NATS_URL"`
	NATSSubjectPrefix string `env:"ATTEND_NATS_SUBJECT_PREFIX, default=attend.events"`

	OTelEndpoint    string `env:"ATTEND_OTEL_ENDPOINT"`
	OTelServiceName string `env:"ATTEND_OTEL_SERVICE_NAME, default=attend"`

	// RequireHTTPSLinks refuses to start when check-in links would be served over plain http.
	RequireHTTPSLinks bool `env:"ATTEND_REQUIRE_HTTPS_LINKS, default=false"`

	WS   realtime.Config
	Auth auth.Config
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return loadConfig(ctx, nil)
}

// loadConfig processes cfg from lookuper, or the OS environment when nil.
func loadConfig(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	ec := &envconfig.Config{Target: &cfg}
	if lookuper != nil {
		ec.Lookuper = lookuper
	}
	if err := envconfig.ProcessWith(ctx, ec); err != nil {
		return Config{}, err
	}

	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = runtimeBaseURL(cfg.HTTPAddr)
	}
	return cfg, nil
}
