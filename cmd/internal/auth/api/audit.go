package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent is one security-relevant action.
type AuditEvent struct {
	Action    string
	UserID    string
	SessionID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// Auditor records AuditEvents. Failures are logged by the caller and never fail a request.
type Auditor interface {
	Audit(ctx context.Context, ev AuditEvent) error
}

// LogAuditor writes audit events to a structured logger.
type LogAuditor struct {
	Log *slog.Logger
}

func (a LogAuditor) Audit(ctx context.Context, ev AuditEvent) error {
	l := a.Log
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"action", ev.Action}
	if ev.UserID != "" {
		attrs = append(attrs, "user_id", ev.UserID)
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.IP != nil {
		attrs = append(attrs, "ip", ev.IP.String())
	}
	if len(ev.Meta) > 0 {
		attrs = append(attrs, "meta", ev.Meta)
	}
	l.InfoContext(ctx, "audit", attrs...)
	return nil
}

// PostgresAuditor appends events to the audit_log table.
type PostgresAuditor struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresAuditor writes into schema.audit_log. An empty schema means "public".
func NewPostgresAuditor(pool *pgxpool.Pool, schema string) (*PostgresAuditor, error) {
	if pool == nil {
		return nil, fmt.Errorf("authapi: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	return &PostgresAuditor{pool: pool, table: pgx.Identifier{schema, "audit_log"}.Sanitize()}, nil
}

func (a *PostgresAuditor) Audit(ctx context.Context, ev AuditEvent) error {
	action := strings.TrimSpace(ev.Action)
	if action == "" {
		return nil
	}

	var ipVal any
	if ev.IP != nil {
		ipVal = ev.IP.String()
	}

	var metaVal any
	if len(ev.Meta) > 0 {
		b, err := json.Marshal(ev.Meta)
		if err != nil {
			return fmt.Errorf("authapi: audit meta: %w", err)
		}
		metaVal = string(b)
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.table+` (
			action, user_id, session_id, ip_address, user_agent, meta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, action, trimOrNil(ev.UserID), trimOrNil(ev.SessionID), ipVal, trimOrNil(ev.UserAgent), metaVal, at)
	return err
}

func (h *Handler) audit(ctx context.Context, ev AuditEvent) {
	if h.auditor == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = h.now()
	}
	if err := h.auditor.Audit(ctx, ev); err != nil {
		h.log.Error("auth.audit.insert.fail", "err", err, "action", ev.Action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
