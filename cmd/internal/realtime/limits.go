package realtime

import "time"

// Max bytes per websocket frame read. Clients only ever send hello.
const maxFrameBytes = 4 << 10

// closeSessionRevoked is the application close code sent after session.revoked.
const closeSessionRevoked = 4001

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound limit (events per window).
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second
)
