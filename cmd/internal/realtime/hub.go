package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vitalis/cmd/internal/auth/session"
	v1 "vitalis/shared/contracts/realtime/v1"
)

// Hub indexes live connections by session and fans session lifecycle
// events out to them. It implements session.Notifier and never blocks the
// caller: a full send queue closes that connection instead.
type Hub struct {
	log *slog.Logger

	mu        sync.RWMutex
	bySession map[string]map[*Client]struct{}
}

var _ session.Notifier = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		bySession: make(map[string]map[*Client]struct{}),
	}
}

// Register starts delivering events for c.SessionID to c.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.SessionID()
	set, ok := h.bySession[id]
	if !ok {
		set = make(map[*Client]struct{})
		h.bySession[id] = set
	}
	set[c] = struct{}{}
}

// Unregister stops delivery to c. Unknown clients are ignored.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.SessionID()
	set, ok := h.bySession[id]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.bySession, id)
	}
}

// Len reports the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, set := range h.bySession {
		n += len(set)
	}
	return n
}

// SessionEvent pushes session.revoked to every connection bound to a destroyed session.
// A session rotated by refresh is not revoked: its connections move to the successor.
func (h *Hub) SessionEvent(_ context.Context, ev session.Event) {
	if ev.Kind != session.EventDestroyed {
		return
	}
	if ev.ReplacedBy != "" {
		h.rebind(ev.SessionID, ev.ReplacedBy)
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.bySession[ev.SessionID]))
	for c := range h.bySession[ev.SessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	env, err := v1.NewEnvelope(v1.TypeSessionRevoked, NewEnvelopeID(at), at, v1.SessionRevokedPayload{
		SessionID: ev.SessionID,
		Reason:    string(ev.Reason),
	})
	if err != nil {
		h.log.Error("ws.revoke.encode.fail", "err", err)
		return
	}

	for _, c := range targets {
		if !c.offer(env) {
			h.log.Info("ws.revoke.drop", "conn_id", c.ConnID, "session_id", ev.SessionID)
			c.Close()
		}
	}
}

func (h *Hub) rebind(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.bySession[from]
	if !ok {
		return
	}
	delete(h.bySession, from)

	dst, ok := h.bySession[to]
	if !ok {
		dst = make(map[*Client]struct{}, len(set))
		h.bySession[to] = dst
	}
	for c := range set {
		c.rebind(to)
		dst[c] = struct{}{}
	}
	h.log.Debug("ws.rebind", "from_session_id", from, "session_id", to, "conns", len(set))
}
