package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrs",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}))

		r.requestLatency = register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scrs",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}))

		r.rateLimitHits = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrs",
			Subsystem: "api",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}))

		r.admissions = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrs",
			Name:      "session_admissions_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}))

		r.claims = register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrs",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome",
		}, []string{"outcome"}))

		r.metricsInitialized = true
	})
}

// register adds c to the default registry, reusing an identical collector
// registered by an earlier router.
func register[T prometheus.Collector](c T) T {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(route, key string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (r *Router) recordAdmission(err error) {
	if !r.metricsInitialized {
		return
	}
	_, outcome := classify(err)
	r.admissions.WithLabelValues(outcome).Inc()
}

func (r *Router) recordClaim(err error) {
	if !r.metricsInitialized {
		return
	}
	_, outcome := classify(err)
	r.claims.WithLabelValues(outcome).Inc()
}
