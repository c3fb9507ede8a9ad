package identity

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

	"vitalis/cmd/identity/ids"
	"vitalis/cmd/security/password"
)

// PostgresDirectory implements Directory over the users table.
//
// The pool is owned by the caller and never closed here. Table identifiers
// are schema-qualified and quoted.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	hasher password.Hasher
	schema string
}

var _ Directory = (*PostgresDirectory)(nil)

// PostgresOption configures the directory.
type PostgresOption func(*PostgresDirectory) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "public").
func WithSchema(schema string) PostgresOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a PostgresDirectory.
func NewPostgresDirectory(pool *pgxpool.Pool, hasher password.Hasher, opts ...PostgresOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, hasher: hasher, schema: "public"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return d, nil
}

func (d *PostgresDirectory) users() string {
	return pgx.Identifier{d.schema, "users"}.Sanitize()
}

const userColumns = `id, email, name, role, status, email_verified, two_factor_enabled, created_at, updated_at, profile, password_hash`

func scanUserAuth(row pgx.Row) (UserAuth, error) {
	var (
		ua      UserAuth
		role    string
		status  string
		profile []byte
	)
	err := row.Scan(
		&ua.User.ID,
		&ua.User.Email,
		&ua.User.Name,
		&role,
		&status,
		&ua.User.EmailVerified,
		&ua.User.TwoFactorEnabled,
		&ua.User.CreatedAt,
		&ua.User.UpdatedAt,
		&profile,
		&ua.PasswordHash,
	)
	if err != nil {
		return UserAuth{}, err
	}
	r, err := ParseRole(role)
	if err != nil {
		return UserAuth{}, err
	}
	ua.User.Role = r
	ua.User.Status = Status(status)
	ua.User.CreatedAt = ua.User.CreatedAt.UTC()
	ua.User.UpdatedAt = ua.User.UpdatedAt.UTC()
	if len(profile) > 0 {
		ua.User.Profile = profile
	}
	return ua, nil
}

func (d *PostgresDirectory) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"
	q := `SELECT ` + userColumns + ` FROM ` + d.users() + ` WHERE id = $1`
	ua, err := scanUserAuth(d.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return ua.User, nil
}

func (d *PostgresDirectory) GetUserByEmail(ctx context.Context, email string) (User, error) {
	ua, err := d.getAuth(ctx, "identity.GetUserByEmail", email)
	if err != nil {
		return User{}, err
	}
	return ua.User, nil
}

func (d *PostgresDirectory) GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error) {
	return d.getAuth(ctx, "identity.GetUserAuthByEmail", email)
}

func (d *PostgresDirectory) getAuth(ctx context.Context, op, email string) (UserAuth, error) {
	q := `SELECT ` + userColumns + ` FROM ` + d.users() + ` WHERE email_norm = $1`
	ua, err := scanUserAuth(d.pool.QueryRow(ctx, q, NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return UserAuth{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return UserAuth{}, fmt.Errorf("%s: %w", op, err)
	}
	return ua, nil
}

func (d *PostgresDirectory) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	n, err := normalizeCreate(op, in)
	if err != nil {
		return User{}, err
	}
	hash, err := d.hasher.Hash(n.Password)
	if err != nil {
		return User{}, invalid(op, err.Error())
	}
	id, err := ids.NewULID(n.Now)
	if err != nil {
		return User{}, err
	}

	var profile any
	if n.Profile != nil {
		profile = []byte(n.Profile)
	}

	q := `INSERT INTO ` + d.users() + ` (id, email, email_norm, name, role, status, email_verified, two_factor_enabled, password_hash, profile, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`
	_, err = d.pool.Exec(ctx, q,
		id, n.Email, n.emailNorm, n.Name, n.Role.String(), string(n.Status),
		n.EmailVerified, n.TwoFactorEnabled, hash, profile, n.Now,
	)
	if err != nil {
		if field, ok := pgUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}

	return User{
		ID:               id,
		Email:            n.Email,
		Name:             n.Name,
		Role:             n.Role,
		Status:           n.Status,
		EmailVerified:    n.EmailVerified,
		TwoFactorEnabled: n.TwoFactorEnabled,
		CreatedAt:        n.Now.UTC(),
		UpdatedAt:        n.Now.UTC(),
		Profile:          n.Profile,
	}, nil
}

func (d *PostgresDirectory) SetStatus(ctx context.Context, id string, status Status, now time.Time) error {
	const op = "identity.SetStatus"
	if !status.Valid() {
		return invalid(op, "invalid status")
	}
	q := `UPDATE ` + d.users() + ` SET status = $2, updated_at = $3 WHERE id = $1`
	return d.exec1(ctx, op, q, id, string(status), orNow(now))
}

func (d *PostgresDirectory) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"
	if hash == "" {
		return invalid(op, "empty hash")
	}
	q := `UPDATE ` + d.users() + ` SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return d.exec1(ctx, op, q, id, hash, orNow(now))
}

func (d *PostgresDirectory) exec1(ctx context.Context, op, q string, args ...any) error {
	tag, err := d.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func pgUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	c := strings.ToLower(pgErr.ConstraintName)
	switch {
	case strings.Contains(c, "email"):
		return "email", true
	case strings.Contains(c, "pkey"):
		return "id", true
	default:
		return "unique", true
	}
}
