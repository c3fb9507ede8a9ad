package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"vitalis/cmd/identity"
	"vitalis/cmd/security/password"
)

var testSecret = []byte(strings.Repeat("s", 32))

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Secret = testSecret
	cfg.MaxDuration = time.Hour
	cfg.RefreshDuration = 4 * time.Hour
	cfg.MaxConcurrent = 3
	return cfg
}

type fixture struct {
	svc   *Service
	store *MemoryStore
	dir   *identity.MemoryDirectory
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) fixture {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := password.DefaultHasher()
	h.Params.MemoryKiB, h.Params.Iterations, h.Params.Parallelism = 8*1024, 1, 1

	st := NewMemoryStore()
	dir := identity.NewMemoryDirectory(h)
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	svc, err := NewService(cfg, st, dir, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return fixture{svc: svc, store: st, dir: dir}
}

func (f fixture) user(t *testing.T, email string) identity.User {
	t.Helper()
	u, err := f.dir.CreateUser(context.Background(), identity.CreateUserInput{
		Email:    email,
		Name:     "Test User",
		Password: "correct horse battery",
		Now:      t0,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return u
}

func (f fixture) create(t *testing.T, u identity.User, at time.Time) Session {
	t.Helper()
	s, err := f.svc.CreateSession(context.Background(), at, u, testDevice())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func testDevice() DeviceContext {
	return DeviceContext{IP: net.ParseIP("198.51.100.10"), UserAgent: "Mozilla/5.0 test"}
}
