// Package reconciler re-arms push webhooks for tenants that have gone quiet.
// A sleeping sandbox cannot poll the provider; arming its webhook makes the
// next inbound message hit the controller's wake path instead of vanishing.
// Tenants with a fresh heartbeat are left alone: their sandbox is polling,
// and the push/poll invariant forbids both delivery modes at once.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/metrics"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

const pageSize = 100

// WebhookArmer registers push delivery for a tenant's bot.
type WebhookArmer interface {
	SetWebhook(ctx context.Context, botToken, tenantID string) error
}

// Result records what the sweep did for one tenant; surfaced by the debug
// endpoint.
type Result struct {
	TenantID         string `json:"tenantId"`
	Action           string `json:"action"`
	HeartbeatAgeSecs int64  `json:"heartbeatAgeSeconds,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Reconciler runs the periodic webhook re-arm sweep.
type Reconciler struct {
	store     store.Store
	tracker   *heartbeat.Tracker
	telegram  WebhookArmer
	met       *metrics.Metrics
	threshold time.Duration
	interval  time.Duration
}

func New(s store.Store, tracker *heartbeat.Tracker, tg WebhookArmer, met *metrics.Metrics, threshold, interval time.Duration) *Reconciler {
	if threshold == 0 {
		threshold = heartbeat.DefaultThreshold
	}
	if interval == 0 {
		interval = 3 * time.Minute
	}
	if met == nil {
		met = metrics.New(nil)
	}
	return &Reconciler{
		store:     s,
		tracker:   tracker,
		telegram:  tg,
		met:       met,
		threshold: threshold,
		interval:  interval,
	}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("reconciler: starting", "interval", r.interval, "threshold", r.threshold)

	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler: shutting down")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	start := time.Now()
	results, err := r.Sweep(ctx, false)
	r.met.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.met.SweepRuns.WithLabelValues("error").Inc()
		slog.Error("reconciler: sweep failed", "err", err)
		return
	}
	r.met.SweepRuns.WithLabelValues("ok").Inc()
	armed := 0
	for _, res := range results {
		if res.Action == "webhook set" {
			armed++
		}
	}
	slog.Info("reconciler: sweep complete", "tenants", len(results), "armed", armed, "took", time.Since(start))
}

// Sweep visits every known tenant exactly once, following the store's paging
// cursor to exhaustion. Per-tenant failures are recorded and do not abort the
// sweep for other tenants. With dryRun set, no webhooks are actually armed.
func (r *Reconciler) Sweep(ctx context.Context, dryRun bool) ([]Result, error) {
	var results []Result
	cursor := ""
	for {
		page, next, err := r.store.ListTenants(ctx, cursor, pageSize)
		if err != nil {
			return results, err
		}
		for _, cfg := range page {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			results = append(results, r.sweepTenant(ctx, cfg, dryRun))
		}
		if next == "" {
			return results, nil
		}
		cursor = next
	}
}

func (r *Reconciler) sweepTenant(ctx context.Context, cfg *store.TenantConfig, dryRun bool) Result {
	res := Result{TenantID: cfg.TenantID}

	age, found, err := r.tracker.Age(ctx, cfg.TenantID)
	if err != nil {
		// Arming on a read error could put push and poll live at once against
		// a healthy sandbox; skip and let the next tick retry.
		slog.Error("reconciler: heartbeat read failed", "tenant", cfg.TenantID, "err", err)
		res.Action = "error"
		res.Error = err.Error()
		return res
	}
	if found {
		res.HeartbeatAgeSecs = int64(age.Seconds())
		if age < r.threshold {
			res.Action = "skip (heartbeat fresh)"
			return res
		}
	}

	if dryRun {
		res.Action = "would set webhook"
		return res
	}
	if err := r.telegram.SetWebhook(ctx, cfg.BotToken, cfg.TenantID); err != nil {
		slog.Error("reconciler: set webhook failed", "tenant", cfg.TenantID, "err", err)
		res.Action = "error"
		res.Error = err.Error()
		return res
	}
	r.met.SweepWebhooksArmed.Inc()
	slog.Info("reconciler: webhook armed", "tenant", cfg.TenantID)
	res.Action = "webhook set"
	return res
}
