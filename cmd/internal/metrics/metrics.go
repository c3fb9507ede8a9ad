// Package metrics exposes Prometheus collectors for authentication and
// session lifecycle.
//
// Collectors live in a private registry so tests and multiple servers in one
// process do not collide on the global default registerer. All methods are
// safe on a nil *Metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vitalis/cmd/internal/auth/session"
)

const namespace = "vitalis"

// Login outcomes.
const (
	LoginSuccess     = "success"
	LoginInvalid     = "invalid_credentials"
	LoginInactive    = "account_inactive"
	LoginTwoFactor   = "two_factor_required"
	LoginRateLimited = "rate_limited"
	LoginError       = "error"
)

type Metrics struct {
	reg *prom.Registry

	logins          *prom.CounterVec
	rateLimited     *prom.CounterVec
	sessionsCreated prom.Counter
	sessionsEnded   *prom.CounterVec
	sessionsActive  prom.Gauge
	httpDuration    *prom.HistogramVec
}

var _ session.Notifier = (*Metrics)(nil)

// New registers every collector plus Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prom.NewRegistry(),
		logins: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		rateLimited: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter, by endpoint.",
		}, []string{"endpoint"}),
		sessionsCreated: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions issued.",
		}),
		sessionsEnded: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Sessions deactivated, by reason.",
		}, []string{"reason"}),
		sessionsActive: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions created minus sessions destroyed since process start.",
		}),
		httpDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prom.DefBuckets,
		}, []string{"route", "method", "code"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.logins,
		m.rateLimited,
		m.sessionsCreated,
		m.sessionsEnded,
		m.sessionsActive,
		m.httpDuration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prom.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SessionEvent implements session.Notifier.
func (m *Metrics) SessionEvent(_ context.Context, ev session.Event) {
	if m == nil {
		return
	}
	switch ev.Kind {
	case session.EventCreated:
		m.sessionsCreated.Inc()
		m.sessionsActive.Inc()
	case session.EventDestroyed:
		m.sessionsEnded.WithLabelValues(string(ev.Reason)).Inc()
		m.sessionsActive.Dec()
	}
}

// Login records one login attempt.
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(endpoint).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(code)).Observe(elapsed.Seconds())
}
