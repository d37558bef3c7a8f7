// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_admission_decisions_total{reason}
	admissionDecisions *prometheus.CounterVec

	// relay_queue_wait_seconds{api_key}
	queueWait *prometheus.HistogramVec

	// relay_queue_depth{api_key}
	queueDepth *prometheus.GaugeVec

	// relay_scheduler_selections_total{platform}
	schedulerSelections *prometheus.CounterVec

	// relay_scheduler_no_account_total{platform}
	schedulerExhausted *prometheus.CounterVec

	// relay_concurrency_leases_active{scope}
	concurrencyActive *prometheus.GaugeVec

	// relay_account_lock_waits_total{account_id}
	accountLockWaits *prometheus.CounterVec

	// relay_upstream_requests_total{platform,outcome}
	upstreamRequests *prometheus.CounterVec

	// relay_upstream_duration_seconds{platform,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_tokens_total{platform,direction}
	tokensTotal *prometheus.CounterVec

	// relay_cost_usd_total{platform,account_type}
	costTotal *prometheus.CounterVec

	// relay_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, end-to-end including queue wait and upstream time",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"route"},
		),

		admissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_admission_decisions_total",
				Help: "Pre-admission check outcomes by rejection reason (or \"admitted\")",
			},
			[]string{"reason"},
		),

		queueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_queue_wait_seconds",
				Help:    "Time a request spent waiting in the concurrency admission queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"api_key"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Current number of requests waiting in an API key's admission queue",
			},
			[]string{"api_key"},
		),

		schedulerSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_scheduler_selections_total",
				Help: "Account scheduler selections by platform",
			},
			[]string{"platform"},
		),

		schedulerExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_scheduler_no_account_total",
				Help: "Scheduler selections that failed to find any eligible account",
			},
			[]string{"platform"},
		),

		concurrencyActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_concurrency_leases_active",
				Help: "Current number of active concurrency leases by scope",
			},
			[]string{"scope"},
		),

		accountLockWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_account_lock_waits_total",
				Help: "Requests that waited on a serializing platform's per-account lock",
			},
			[]string{"account_id"},
		),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_requests_total",
				Help: "Total upstream provider forward attempts",
			},
			[]string{"platform", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_duration_seconds",
				Help:    "Upstream provider forward duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"platform", "outcome"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals by platform and direction",
			},
			[]string{"platform", "direction"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_cost_usd_total",
				Help: "Accumulated rated cost in USD by platform and account type",
			},
			[]string{"platform", "account_type"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Fixed-window rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.admissionDecisions,
		r.queueWait,
		r.queueDepth,
		r.schedulerSelections,
		r.schedulerExhausted,
		r.concurrencyActive,
		r.accountLockWaits,
		r.upstreamRequests,
		r.upstreamDuration,
		r.tokensTotal,
		r.costTotal,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAdmission records a pre-admission check outcome. reason is
// "admitted" for a successful chain, or the relayerr.Kind string name for
// a rejection.
func (r *Registry) RecordAdmission(reason string) {
	r.admissionDecisions.WithLabelValues(reason).Inc()
}

// ObserveQueueWait records how long a request waited in an API key's
// admission queue before being admitted or timing out.
func (r *Registry) ObserveQueueWait(apiKeyID string, wait time.Duration) {
	r.queueWait.WithLabelValues(apiKeyID).Observe(wait.Seconds())
}

func (r *Registry) SetQueueDepth(apiKeyID string, depth int64) {
	r.queueDepth.WithLabelValues(apiKeyID).Set(float64(depth))
}

// RecordSchedulerSelection records one successful account selection.
func (r *Registry) RecordSchedulerSelection(platform string) {
	r.schedulerSelections.WithLabelValues(platform).Inc()
}

func (r *Registry) RecordSchedulerExhausted(platform string) {
	r.schedulerExhausted.WithLabelValues(platform).Inc()
}

func (r *Registry) SetConcurrencyActive(scope string, n int64) {
	r.concurrencyActive.WithLabelValues(scope).Set(float64(n))
}

func (r *Registry) RecordAccountLockWait(accountID string) {
	r.accountLockWaits.WithLabelValues(accountID).Inc()
}

// RecordUpstream records one upstream forward attempt. outcome is "ok",
// "error", or "cancelled".
func (r *Registry) RecordUpstream(platform, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(platform, outcome).Inc()
	r.upstreamDuration.WithLabelValues(platform, outcome).Observe(dur.Seconds())
}

func (r *Registry) AddTokens(platform string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(platform, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(platform, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddCost(platform, accountType string, usd float64) {
	r.costTotal.WithLabelValues(platform, accountType).Add(usd)
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
