// Package metrics exposes Prometheus instrumentation for the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the controller's instruments.
type Metrics struct {
	// WebhookCallbacks counts inbound provider callbacks by outcome:
	// no_tenant, running, woken, wake_failed, rate_limited.
	WebhookCallbacks *prometheus.CounterVec

	// WakeDuration observes how long synchronous wakes held the request open.
	WakeDuration prometheus.Histogram

	// SweepRuns counts reconciliation sweeps by result (ok, error).
	SweepRuns *prometheus.CounterVec

	// SweepWebhooksArmed counts webhooks armed by the sweep.
	SweepWebhooksArmed prometheus.Counter

	// SweepDuration observes full-sweep wall time.
	SweepDuration prometheus.Histogram

	// ProxyRequests counts forwarded requests by kind (http, websocket).
	ProxyRequests *prometheus.CounterVec
}

// New registers the instruments on reg. A nil registerer yields a detached
// registry, which keeps tests independent of global state.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		WebhookCallbacks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhook_callbacks_total",
			Help: "Inbound provider callbacks by outcome.",
		}, []string{"outcome"}),
		WakeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_wake_duration_seconds",
			Help:    "Synchronous wake duration on the webhook path.",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
		}),
		SweepRuns: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sweep_runs_total",
			Help: "Reconciliation sweep runs by result.",
		}, []string{"result"}),
		SweepWebhooksArmed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gateway_sweep_webhooks_armed_total",
			Help: "Webhooks armed for stale tenants by the sweep.",
		}),
		SweepDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_sweep_duration_seconds",
			Help:    "Wall time of one reconciliation sweep.",
			Buckets: []float64{.1, .5, 1, 5, 15, 60},
		}),
		ProxyRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Requests forwarded to tenant gateways.",
		}, []string{"kind"}),
	}
}
