package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	defaultPresenceGrace = 30 * time.Second
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 200
	defaultPreviewChars  = 100
	defaultCommandQueue  = 1024
	defaultNotifyTimeout = 10 * time.Second
)
