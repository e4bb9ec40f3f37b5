package realtime

import "time"

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
)

// Config holds the dashboard gateway knobs. Tags are read by go-envconfig.
//
// Security defaults:
// - Origin is required.
// - Only localhost is allowed (secure-by-default for dev).
type Config struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool `env:"ATTEND_WS_DEV_INSECURE, default=false"`

	OriginRequired bool     `env:"ATTEND_WS_ORIGIN_REQUIRED, default=true"`
	AllowedOrigins []string `env:"ATTEND_WS_ALLOWED_ORIGINS, default=http://localhost,http://127.0.0.1"`

	WriteTimeout    time.Duration `env:"ATTEND_WS_WRITE_TIMEOUT, default=5s"`
	// ReadIdleTimeout drops a connection that has neither sent a frame nor
	// answered a ping for this long.
	ReadIdleTimeout time.Duration `env:"ATTEND_WS_READ_IDLE_TIMEOUT, default=2m"`
	SendQueueSize   int           `env:"ATTEND_WS_SEND_QUEUE, default=256"`

	HeartbeatInterval time.Duration `env:"ATTEND_WS_HEARTBEAT_INTERVAL, default=25s"`
	HeartbeatTimeout  time.Duration `env:"ATTEND_WS_HEARTBEAT_TIMEOUT, default=5s"`

	RateEvents int           `env:"ATTEND_WS_RATE_EVENTS, default=60"`
	RateWindow time.Duration `env:"ATTEND_WS_RATE_WINDOW, default=10s"`
}

// DefaultConfig returns the secure defaults without reading the environment.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueueSize:     wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// normalized fills zero or out-of-range values with defaults.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	// Pongs refresh liveness, so the idle limit must span at least two pings.
	if c.ReadIdleTimeout < 2*c.HeartbeatInterval {
		c.ReadIdleTimeout = 2 * c.HeartbeatInterval
	}
	return c
}
