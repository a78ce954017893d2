// Package metrics registers the Prometheus metrics used by the proxy.
// Everything is registered on the default registry at init, so mounting
// promhttp.Handler exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes used as the "outcome" label of RequestsTotal.
const (
	OutcomeBilled        = "billed"
	OutcomeCached        = "cached"
	OutcomeAuthError     = "auth_error"
	OutcomeConfigError   = "config_error"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeUpstreamError = "upstream_error"
	OutcomeBillingFailed = "billing_failed"
)

var (
	// RequestsTotal counts make-request calls by model group and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total model requests handled by the proxy.",
		},
		[]string{"model_group", "outcome"},
	)

	// RequestDuration observes dispatch latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxy_request_duration_seconds",
			Help:    "Model request duration in seconds, admission to billing.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model_group"},
	)

	// BilledUnits counts usage units charged to accounts.
	BilledUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_billed_units_total",
			Help: "Total usage units charged to accounts.",
		},
		[]string{"model_group"},
	)

	// BillingFailures counts dispatched requests whose charge could not be
	// recorded.
	BillingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_billing_failures_total",
			Help: "Dispatched requests whose usage could not be recorded.",
		},
		[]string{"model_group"},
	)

	// QuotaRejections counts admission denials.
	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_quota_rejections_total",
			Help: "Requests rejected by quota admission.",
		},
		[]string{"model_group"},
	)

	// CacheLookups counts client result cache lookups ("hit", "miss").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_cache_lookups_total",
			Help: "Client result cache lookups.",
		},
		[]string{"result"},
	)

	// WindowServiceConstructions counts window service adapters built.
	WindowServiceConstructions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_window_service_constructions_total",
			Help: "Window service adapters constructed, by class.",
		},
		[]string{"class"},
	)

	// RetryAttempts counts retries (not first attempts) of auxiliary calls.
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_retry_attempts_total",
			Help: "Retries of auxiliary scoring calls.",
		},
		[]string{"operation"},
	)

	// RetryExhausted counts auxiliary calls that ran out of attempts.
	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_retry_exhausted_total",
			Help: "Auxiliary scoring calls that exhausted their retries.",
		},
		[]string{"operation"},
	)

	// CircuitState reports each provider breaker: 0 = closed, 1 = open,
	// 2 = half open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_provider_circuit_state",
			Help: "Provider circuit breaker state (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// RateLimited counts API calls rejected by the per-key rate limiter.
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_rate_limited_total",
			Help: "API calls rejected by the per-key rate limiter.",
		},
	)

	// LifecycleState reports 0 = running, 1 = shutting down, 2 = terminated.
	LifecycleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "proxy_lifecycle_state",
			Help: "Process lifecycle state (0=running 1=shutting_down 2=terminated).",
		},
	)
)
