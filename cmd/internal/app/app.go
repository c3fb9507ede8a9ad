// Package app wires the Vitalis auth server: config, logging, stores, HTTP
// routes, the session event gateway and the background janitor.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"

	"vitalis/cmd/identity"
	authapi "vitalis/cmd/internal/auth/api"
	"vitalis/cmd/internal/auth/session"
	"vitalis/cmd/internal/metrics"
	"vitalis/cmd/internal/realtime"
	"vitalis/cmd/security/password"
)

// App owns every long-lived dependency of the server process.
type App struct {
	cfg Config
	log Logger

	dbPool  *pgxpool.Pool
	closers []func() error

	sessions *session.Service
	auth     *authapi.Handler
	hub      *realtime.Hub
	ws       *realtime.WSGateway
	metrics  *metrics.Metrics
}

// New constructs a fully wired App. Subsystem settings are read from v.
func New(ctx context.Context, v *viper.Viper, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	a := &App{cfg: cfg, log: log}
	wired := false
	defer func() {
		if !wired {
			a.close()
		}
	}()

	var err error

	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}

	if cfg.DatabaseURL != "" {
		a.dbPool, err = NewDBPool(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		pool := a.dbPool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		log.Info("db.enabled", "schema", cfg.DBSchema)
	} else {
		log.Info("db.disabled.inmemory_directory")
	}

	hasher, err := password.LoadHasher(v)
	if err != nil {
		return nil, err
	}
	dir, err := a.newDirectory(hasher)
	if err != nil {
		return nil, err
	}
	created, err := identity.EnsureBootstrapAdmin(ctx, dir, cfg.BootstrapAdminEmail, cfg.BootstrapAdminName, cfg.BootstrapAdminPassword, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		log.Info("identity.bootstrap_admin.created", "email", identity.NormalizeEmail(cfg.BootstrapAdminEmail))
	}

	store, err := a.newSessionStore(ctx)
	if err != nil {
		return nil, err
	}

	scfg, err := loadSessionConfig(v, cfg, log)
	if err != nil {
		return nil, err
	}
	if !scfg.CookieSecure {
		log.Warn("security.cookie.insecure", "hint", "session cookies are sent over plain HTTP")
	}

	a.hub = realtime.NewHub(log)
	opts := []session.Option{session.WithLogger(log), session.WithNotifier(a.hub)}
	if a.metrics != nil {
		opts = append(opts, session.WithNotifier(a.metrics))
	}
	a.sessions, err = session.NewService(scfg, store, dir, opts...)
	if err != nil {
		return nil, err
	}

	authn, err := identity.NewAuthenticator(dir, hasher, log)
	if err != nil {
		return nil, err
	}

	var auditor authapi.Auditor = authapi.LogAuditor{Log: log}
	if a.dbPool != nil {
		if auditor, err = authapi.NewPostgresAuditor(a.dbPool, cfg.DBSchema); err != nil {
			return nil, err
		}
	}

	a.auth, err = authapi.NewHandler(log, authapi.LoadConfig(v), a.sessions, authn,
		authapi.WithAuditor(auditor),
		authapi.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, realtime.LoadGatewayConfig(v), a.hub, a.auth)
	if err != nil {
		return nil, err
	}
	wired = true
	return a, nil
}

func (a *App) newDirectory(hasher password.Hasher) (identity.Directory, error) {
	if a.dbPool == nil {
		return identity.NewMemoryDirectory(hasher), nil
	}
	return identity.NewPostgresDirectory(a.dbPool, hasher, identity.WithSchema(a.cfg.DBSchema))
}

func (a *App) newSessionStore(ctx context.Context) (session.Store, error) {
	switch a.cfg.SessionBackend {
	case BackendPostgres:
		if a.dbPool == nil {
			return nil, errors.New("session backend postgres requires a database")
		}
		a.log.Info("session.store", "backend", BackendPostgres)
		return session.NewPostgresStore(a.dbPool, a.cfg.DBSchema)

	case BackendRedis:
		opts := session.RedisOptions{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			Prefix:   a.cfg.RedisPrefix,
		}
		if a.cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rs, err := session.NewRedisStore(ctx, opts)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rs.Close)
		a.log.Info("session.store", "backend", BackendRedis, "addr", a.cfg.RedisAddr)
		return rs, nil

	default:
		a.log.Warn("session.store", "backend", BackendMemory, "hint", "sessions are lost on restart and not shared between instances")
		return session.NewMemoryStore(), nil
	}
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	r := a.routes()
	var h http.Handler = r
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log)
	h = WithRequestID(h)
	return h
}

// Run starts the HTTP server and the session janitor and blocks until ctx
// is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		a.sessions.RunJanitor(runCtx, 0)
	}()

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"session_backend", a.cfg.SessionBackend,
		"db_enabled", a.dbPool != nil,
		"metrics", a.metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	stop()
	<-janitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.log.Info("server.stopped")
	return runErr
}

// close releases stores in reverse order of acquisition.
func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
