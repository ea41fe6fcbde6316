// Package metrics holds Herald's Prometheus instruments.
//
// Every instrument lives on an injected Registry backed by its own
// prometheus.Registry, never the global default, so tests and several
// servers in one process do not collide. Components receive the Registry
// through a WithMetrics option and skip instrumentation when it is nil.
//
// # Label conventions
//
//	Pushes / PushFailures  →  source = send | flush | retry
//	RetryAttempts          →  result = delivered | unreachable | failed
//	HTTPRequests           →  method, path (route pattern), status
//	HTTPDuration           →  method, path
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push sources.
const (
	SourceSend  = "send"
	SourceFlush = "flush"
	SourceRetry = "retry"
)

// Retry results.
const (
	ResultDelivered   = "delivered"
	ResultUnreachable = "unreachable"
	ResultFailed      = "failed"
)

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all Herald application metrics.
type Registry struct {
	reg *prometheus.Registry

	// Message lifecycle.
	MessagesCreated prometheus.Counter
	Pushes          *prometheus.CounterVec
	PushFailures    *prometheus.CounterVec
	Acknowledged    prometheus.Counter
	RetryAttempts   *prometheus.CounterVec
	Expired         prometheus.Counter

	// Realtime channels.
	ChannelsOpen prometheus.Gauge

	// Retry sweep.
	SweepDuration prometheus.Histogram

	// HTTP.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with every Herald instrument plus the Go runtime and
// process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		MessagesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "herald_messages_created_total",
			Help: "Total messages accepted by Send",
		}),
		Pushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_pushes_total",
			Help: "Total successful pushes over the realtime channel",
		}, []string{"source"}),
		PushFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_push_failures_total",
			Help: "Total pushes no channel accepted",
		}, []string{"source"}),
		Acknowledged: f.NewCounter(prometheus.CounterOpts{
			Name: "herald_messages_acknowledged_total",
			Help: "Total messages moved to the acknowledged state",
		}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_retry_attempts_total",
			Help: "Retry sweep attempts by result",
		}, []string{"result"}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: "herald_messages_expired_total",
			Help: "Total messages first observed as expired",
		}),
		ChannelsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "herald_channels_open",
			Help: "Currently open realtime channels",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_sweep_duration_seconds",
			Help:    "Duration of one retry sweep",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status code",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an http.Handler serving the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
