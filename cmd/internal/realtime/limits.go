package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Dashboards only send small control envelopes.
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max length of a session id accepted in session_join / session_leave.
	maxSessionIDLen = 64

	// Max sessions one connection may subscribe to at once.
	maxSubscriptionsPerConn = 32
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
