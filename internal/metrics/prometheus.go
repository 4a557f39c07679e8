// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /api/metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{endpoint,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{endpoint,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_tokens_total{dialect,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_credentials{state} — pool composition by availability state
	credentialState *prometheus.GaugeVec

	// gateway_credential_errors_total{credential,kind}
	credentialErrors *prometheus.CounterVec

	// circuit_breaker_state — 0=closed, 1=open, 2=half-open
	circuitBreakerState prometheus.Gauge

	// gateway_circuit_breaker_rejections_total
	cbRejections prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_compress_cache_total{result}
	compressCache *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: -1,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts (includes endpoint failovers)",
			},
			[]string{"endpoint", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"dialect", "direction"},
		),

		credentialState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_credentials",
				Help: "Credential pool composition by state",
			},
			[]string{"state"},
		),

		credentialErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credential_errors_total",
				Help: "Credential errors by kind",
			},
			[]string{"credential", "kind"},
		),

		circuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
		}),

		cbRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Requests rejected due to circuit breaker state",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		compressCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_compress_cache_total",
				Help: "Compressor cache lookups by result",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.tokensTotal,
		r.credentialState,
		r.credentialErrors,
		r.circuitBreakerState,
		r.cbRejections,
		r.rateLimitTotal,
		r.compressCache,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(endpoint, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(endpoint, outcome).Inc()
	r.upstreamDuration.WithLabelValues(endpoint, outcome).Observe(dur.Seconds())
}

// AddTokens accumulates token usage for one completed request.
func (r *Registry) AddTokens(dialect string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(dialect, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(dialect, "output").Add(float64(outputTokens))
	}
}

// SetCredentialStates publishes the pool composition.
func (r *Registry) SetCredentialStates(available, cooling, disabled, quotaExhausted int) {
	r.credentialState.WithLabelValues("available").Set(float64(available))
	r.credentialState.WithLabelValues("cooling").Set(float64(cooling))
	r.credentialState.WithLabelValues("disabled").Set(float64(disabled))
	r.credentialState.WithLabelValues("quota_exhausted").Set(float64(quotaExhausted))
}

func (r *Registry) RecordCredentialError(credentialID, kind string) {
	r.credentialErrors.WithLabelValues(credentialID, kind).Inc()
}

// SetCircuitBreaker sets the state gauge.
func (r *Registry) SetCircuitBreaker(state int64) {
	r.cbMu.Lock()
	if r.lastCBState != float64(state) {
		r.lastCBState = float64(state)
		r.circuitBreakerState.Set(float64(state))
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection() {
	r.cbRejections.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CompressCacheHit()  { r.compressCache.WithLabelValues("hit").Inc() }
func (r *Registry) CompressCacheMiss() { r.compressCache.WithLabelValues("miss").Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
