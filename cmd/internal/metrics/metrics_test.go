package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vitalis/cmd/internal/auth/session"
)

func TestSessionEvents(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()
	m.SessionEvent(ctx, session.Event{Kind: session.EventCreated})
	m.SessionEvent(ctx, session.Event{Kind: session.EventCreated})
	m.SessionEvent(ctx, session.Event{Kind: session.EventDestroyed, Reason: session.ReasonLogout})

	if got := testutil.ToFloat64(m.sessionsCreated); got != 2 {
		t.Fatalf("created=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Fatalf("active=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsEnded.WithLabelValues("logout")); got != 1 {
		t.Fatalf("destroyed{logout}=%v want 1", got)
	}
}

func TestLoginAndRateLimitCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.Login(LoginSuccess)
	m.Login(LoginInvalid)
	m.Login(LoginInvalid)
	m.RateLimited("login")

	if got := testutil.ToFloat64(m.logins.WithLabelValues(LoginInvalid)); got != 2 {
		t.Fatalf("invalid logins=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.rateLimited.WithLabelValues("login")); got != 1 {
		t.Fatalf("rate limited=%v want 1", got)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.Login(LoginSuccess)
	m.ObserveHTTP("/api/auth/login", http.MethodPost, 200, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"vitalis_auth_logins_total",
		"vitalis_http_request_duration_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.Login(LoginSuccess)
	m.RateLimited("login")
	m.SessionEvent(context.Background(), session.Event{Kind: session.EventCreated})
	m.ObserveHTTP("/", http.MethodGet, 200, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
}
