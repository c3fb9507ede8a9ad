package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over the sessions table.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var _ Store = (*PostgresStore)(nil)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed store in schema (empty means "public").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier %q", schema)
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{schema, "sessions"}.Sanitize()}, nil
}

const sessionColumns = `id, user_id, token_hash, refresh_token_hash, expires_at, refresh_expires_at,
	created_at, last_activity_at, ip_address, user_agent, fingerprint, remember_me,
	is_active, deactivated_at, deactivation_reason`

func scanSession(row pgx.Row) (Session, error) {
	var (
		s                                          Session
		tokenHash, refreshHash, ip, ua, fp, reason *string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&tokenHash,
		&refreshHash,
		&s.ExpiresAt,
		&s.RefreshExpiresAt,
		&s.CreatedAt,
		&s.LastActivityAt,
		&ip,
		&ua,
		&fp,
		&s.RememberMe,
		&s.IsActive,
		&s.DeactivatedAt,
		&reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	s.TokenHash = deref(tokenHash)
	s.RefreshTokenHash = deref(refreshHash)
	s.IPAddress = deref(ip)
	s.UserAgent = deref(ua)
	s.Fingerprint = deref(fp)
	s.DeactivationReason = Reason(deref(reason))
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.RefreshExpiresAt = s.RefreshExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastActivityAt = s.LastActivityAt.UTC()
	if s.DeactivatedAt != nil {
		at := s.DeactivatedAt.UTC()
		s.DeactivatedAt = &at
	}
	return s, nil
}

func (p *PostgresStore) Insert(ctx context.Context, s Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO `+p.table+` (
			id, user_id, token_hash, refresh_token_hash, expires_at, refresh_expires_at,
			created_at, last_activity_at, ip_address, user_agent, fingerprint, remember_me, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE)
	`,
		s.ID, s.UserID, s.TokenHash, s.RefreshTokenHash, s.ExpiresAt, s.RefreshExpiresAt,
		s.CreatedAt, s.LastActivityAt, nullIfEmpty(s.IPAddress), nullIfEmpty(s.UserAgent),
		nullIfEmpty(s.Fingerprint), s.RememberMe,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (Session, error) {
	return scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM `+p.table+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTokenHash(ctx context.Context, digest string) (Session, error) {
	return scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+p.table+` WHERE token_hash = $1 AND is_active`, digest))
}

func (p *PostgresStore) GetByRefreshHash(ctx context.Context, digest string) (Session, error) {
	return scanSession(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+p.table+` WHERE refresh_token_hash = $1 AND is_active`, digest))
}

func (p *PostgresStore) ListActiveByUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM `+p.table+` WHERE user_id = $1 AND is_active ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Touch(ctx context.Context, id string, lastActivityAt, expiresAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE `+p.table+` SET last_activity_at = $2, expires_at = $3 WHERE id = $1 AND is_active`,
		id, lastActivityAt, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Deactivate relies on the row lock taken by UPDATE: of two concurrent
// callers only one sees is_active = TRUE.
func (p *PostgresStore) Deactivate(ctx context.Context, id string, now time.Time, reason Reason) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE `+p.table+`
		SET is_active = FALSE,
			token_hash = NULL,
			refresh_token_hash = NULL,
			deactivated_at = $2,
			deactivation_reason = $3
		WHERE id = $1 AND is_active
	`, id, now, string(reason))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM `+p.table+` WHERE is_active AND expires_at <= $1 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM `+p.table+` WHERE NOT is_active AND deactivated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
