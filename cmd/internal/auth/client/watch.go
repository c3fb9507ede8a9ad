package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	authv1 "vitalis/shared/contracts/auth/v1"
	rtv1 "vitalis/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Watch subscribes to server-pushed session events and blocks until the
// held session is revoked (returns nil), ctx ends, or the stream fails.
// On revocation local state is cleared and Error is SESSION_EXPIRED.
func (c *Controller) Watch(ctx context.Context) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.base.JoinPath("ws", "session").Path

	hdr := http.Header{}
	hdr.Set("Origin", c.base.Scheme+"://"+c.base.Host)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient:   c.hc,
		HTTPHeader:   hdr,
		Subprotocols: []string{rtv1.Subprotocol},
	})
	if err != nil {
		return fmt.Errorf("authclient: dial session events: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	hello, err := rtv1.NewEnvelope(rtv1.TypeHello, "", time.Now(), rtv1.HelloPayload{Client: "authclient"})
	if err != nil {
		return err
	}
	b, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("authclient: send hello: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("authclient: session events: %w", err)
		}

		var env rtv1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("authclient.watch.bad_envelope", "err", err)
			continue
		}

		switch env.Type {
		case rtv1.TypeHelloAck:
			var p rtv1.HelloAckPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.log.Debug("authclient.watch.ready", "session_id", p.SessionID)

		case rtv1.TypeSessionRevoked:
			var p rtv1.SessionRevokedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.log.Warn("authclient.watch.bad_payload", "err", err)
				continue
			}
			c.revoked(p)
			_ = conn.Close(websocket.StatusNormalClosure, "revoked")
			return nil

		case rtv1.TypeError:
			var p rtv1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.log.Warn("authclient.watch.server_error", "code", p.Code, "message", p.Message)
		}
	}
}

func (c *Controller) revoked(p rtv1.SessionRevokedPayload) {
	c.update(func() {
		// Already logged out, or a newer login holds a different session.
		if c.state.Session == nil || c.state.Session.ID != p.SessionID {
			return
		}
		c.forget()
		c.state.IsLoading = false
		c.state.Error = apiError(authv1.CodeSessionExpired, "Session ended: "+p.Reason)
	})
}
