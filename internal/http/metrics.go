package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/teamgate/internal/domain"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

type routerMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	loginAttempts  *prometheus.CounterVec
	teamMutations  *prometheus.CounterVec
}

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		m := &routerMetrics{
			requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "teamgate",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Count of processed HTTP requests",
			}, []string{"method", "route", "status"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "teamgate",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "Latency distribution of HTTP handlers",
				Buckets:   histogramBuckets,
			}, []string{"method", "route", "status"}),
			rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "teamgate",
				Subsystem: "api",
				Name:      "rate_limit_hits_total",
				Help:      "Number of rate-limited responses",
			}, []string{"route", "key"}),
			loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "teamgate",
				Subsystem: "auth",
				Name:      "login_attempts_total",
				Help:      "Wallet sign-in verifications by outcome",
			}, []string{"outcome"}),
			teamMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "teamgate",
				Subsystem: "team",
				Name:      "mutations_total",
				Help:      "Team membership mutations by action and outcome",
			}, []string{"action", "outcome"}),
		}
		m.requestTotal = registerCollector(m.requestTotal)
		m.requestLatency = registerCollector(m.requestLatency)
		m.rateLimitHits = registerCollector(m.rateLimitHits)
		m.loginAttempts = registerCollector(m.loginAttempts)
		m.teamMutations = registerCollector(m.teamMutations)
		r.metrics = m
	})
}

// registerCollector registers c, reusing an identical collector that is
// already registered (several routers in one process share them).
func registerCollector[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if r.metrics == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.metrics.requestTotal.With(labels).Inc()
	r.metrics.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if r.metrics == nil {
		return
	}
	r.metrics.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordLogin(err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.loginAttempts.With(prometheus.Labels{"outcome": outcome(err)}).Inc()
}

func (r *Router) recordTeamMutation(action string, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.teamMutations.With(prometheus.Labels{"action": action, "outcome": outcome(err)}).Inc()
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if de, ok := domain.AsError(err); ok {
		return string(de.Code)
	}
	return "error"
}
