package realtime

import (
	"sync"

	v1 "vitalis/shared/contracts/realtime/v1"
)

// Client represents one connected websocket bound to a session.
//
// Send is never closed by the server so concurrent publishers cannot panic.
// done signals goroutines to stop; Close is idempotent.
type Client struct {
	ConnID string
	UserID string
	Send   chan v1.Envelope

	mu        sync.Mutex
	sessionID string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID, sessionID, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 16
	}
	return &Client{
		ConnID:    connID,
		UserID:    userID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// SessionID returns the session the connection is currently bound to.
// It changes when the session is rotated by a refresh.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) rebind(sessionID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the queue is
// full or the client is closing.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
