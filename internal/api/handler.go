// Package api exposes the control-plane HTTP surface: the Telegram webhook
// wake path, the heartbeat sink, and the bearer-token admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/metrics"
	"github.com/cobot-ai/sandbox-gateway/internal/process"
	"github.com/cobot-ai/sandbox-gateway/internal/ratelimit"
	"github.com/cobot-ai/sandbox-gateway/internal/reconciler"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/storage"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
	"github.com/cobot-ai/sandbox-gateway/internal/telegram"
)

const maxUpdateBytes = 1 << 20

// Messenger is the subset of the Telegram client the handler needs.
type Messenger interface {
	SetWebhook(ctx context.Context, botToken, tenantID string) error
	DeleteWebhook(ctx context.Context, botToken string) error
	SendMessage(ctx context.Context, botToken string, chatID int64, text string) error
}

// Booter brings a tenant's gateway up or restarts it.
type Booter interface {
	EnsureGateway(ctx context.Context, sb *sandbox.Sandbox, cfg *store.TenantConfig) error
	Restart(ctx context.Context, sb *sandbox.Sandbox, cfg *store.TenantConfig) error
}

// Sweeper runs a webhook reconciliation pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context, dryRun bool) ([]reconciler.Result, error)
}

// Config holds handler configuration
type Config struct {
	AdminToken         string
	HeartbeatThreshold time.Duration
}

// Handler is the main gateway HTTP handler
type Handler struct {
	store     store.Store
	hb        *heartbeat.Tracker
	tg        Messenger
	lc        Booter
	sandboxes sandbox.Client
	procs     *process.Manager
	mounter   *storage.Mounter
	limiter   ratelimit.Limiter
	sweeper   Sweeper
	met       *metrics.Metrics
	gatherer  prometheus.Gatherer
	proxy     http.Handler
	cfg       Config
}

func New(s store.Store, hb *heartbeat.Tracker, tg Messenger, lc Booter, sandboxes sandbox.Client,
	procs *process.Manager, mounter *storage.Mounter, limiter ratelimit.Limiter, sweeper Sweeper,
	met *metrics.Metrics, gatherer prometheus.Gatherer, proxy http.Handler, cfg Config) *Handler {
	if cfg.HeartbeatThreshold == 0 {
		cfg.HeartbeatThreshold = heartbeat.DefaultThreshold
	}
	if met == nil {
		met = metrics.New(nil)
	}
	return &Handler{
		store: s, hb: hb, tg: tg, lc: lc, sandboxes: sandboxes,
		procs: procs, mounter: mounter, limiter: limiter, sweeper: sweeper,
		met: met, gatherer: gatherer, proxy: proxy, cfg: cfg,
	}
}

// Router returns the chi router with all routes registered
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", h.Health)
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/webhook/{routingKey}", h.Webhook)
	r.Get("/webhook/{routingKey}", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/boot", h.Boot)
		r.Post("/restart", h.Restart)
		r.Get("/logs", h.Logs)
		r.Get("/tenants", h.Tenants)
		r.Get("/debug/mount", h.DebugMount)
		r.Post("/debug/exec", h.DebugExec)
		r.Post("/debug/sweep", h.DebugSweep)
	})

	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	if h.proxy != nil {
		r.NotFound(h.proxy.ServeHTTP)
	}
	return r
}

// Health returns 200 OK
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Heartbeat records a liveness ping from a tenant's gateway workload.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	if err := h.hb.Record(r.Context(), tenantID); err != nil {
		slog.Error("heartbeat record failed", "tenant", tenantID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Webhook handles a provider callback for a sleeping or running tenant. The
// provider retries aggressively on non-2xx, so every outcome short of a
// malformed route answers 200.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	routingKey := chi.URLParam(r, "routingKey")

	cfg, err := h.resolveTenant(ctx, routingKey)
	if err != nil {
		slog.Error("webhook: tenant resolution failed", "routing_key", routingKey, "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		return
	}
	if cfg == nil {
		slog.Warn("webhook: no tenant for routing key", "routing_key", routingKey)
		h.met.WebhookCallbacks.WithLabelValues("no_tenant").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	chatID := telegram.ChatID(body)

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, cfg.TenantID)
		if err == nil && !allowed {
			slog.Warn("webhook: rate limited", "tenant", cfg.TenantID)
			h.met.WebhookCallbacks.WithLabelValues("rate_limited").Inc()
			writeJSON(w, http.StatusOK, map[string]string{"status": "rate_limited"})
			return
		}
	}

	// Classify against the live process table, not the stored heartbeat: a
	// fresh heartbeat from a since-crashed gateway must not stop the wake,
	// and a gateway that is up before its first heartbeat lands must not be
	// booted twice.
	sb, err := h.sandboxes.Ensure(ctx, cfg.TenantID)
	var proc *sandbox.Process
	if err != nil {
		slog.Error("webhook: sandbox ensure failed", "tenant", cfg.TenantID, "err", err)
		// No process table to consult; the wake path retries the ensure and
		// cleans up the webhook either way.
	} else {
		proc = h.procs.FindGateway(ctx, sb)
	}

	if proc != nil {
		h.handleRunning(ctx, cfg, chatID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h.handleWake(ctx, cfg, sb, chatID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunning covers the case where the webhook fired while the gateway is
// alive and should be polling: clear the stale webhook so the provider goes
// back to long-poll delivery, and tell the user to resend.
func (h *Handler) handleRunning(ctx context.Context, cfg *store.TenantConfig, chatID int64) {
	h.met.WebhookCallbacks.WithLabelValues("running").Inc()
	if err := h.tg.DeleteWebhook(ctx, cfg.BotToken); err != nil {
		slog.Warn("webhook: delete failed on running tenant", "tenant", cfg.TenantID, "err", err)
	}
	if err := h.hb.Record(ctx, cfg.TenantID); err != nil {
		slog.Warn("webhook: heartbeat refresh failed", "tenant", cfg.TenantID, "err", err)
	}
	h.touchActivity(ctx, cfg.TenantID)
	if chatID != 0 {
		if err := h.tg.SendMessage(ctx, cfg.BotToken, chatID,
			"Reconnected. Please resend your last message."); err != nil {
			slog.Warn("webhook: notify failed", "tenant", cfg.TenantID, "err", err)
		}
	}
	slog.Info("webhook: tenant already running, webhook cleared", "tenant", cfg.TenantID)
}

// handleWake is the synchronous wake path. The heartbeat write comes before
// anything else so a concurrent callback sees the tenant as waking rather
// than starting a second wake, and the webhook delete runs no matter how the
// wake itself ends.
func (h *Handler) handleWake(ctx context.Context, cfg *store.TenantConfig, sb *sandbox.Sandbox, chatID int64) {
	if err := h.hb.Record(ctx, cfg.TenantID); err != nil {
		slog.Warn("webhook: pre-wake heartbeat write failed", "tenant", cfg.TenantID, "err", err)
	}
	h.touchActivity(ctx, cfg.TenantID)

	if chatID != 0 {
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.tg.SendMessage(nctx, cfg.BotToken, chatID,
				"Waking your assistant, this takes a minute..."); err != nil {
				slog.Warn("webhook: wake notice failed", "tenant", cfg.TenantID, "err", err)
			}
		}()
	}

	start := time.Now()
	defer func() {
		// The gateway owns update delivery once it is polling; a webhook
		// left behind would shadow it. Cleared even when the wake failed,
		// so the next callback retries from a clean state.
		dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.tg.DeleteWebhook(dctx, cfg.BotToken); err != nil {
			slog.Warn("webhook: delete after wake failed", "tenant", cfg.TenantID, "err", err)
		}
	}()

	var err error
	if sb == nil {
		sb, err = h.sandboxes.Ensure(ctx, cfg.TenantID)
	}
	if err == nil {
		err = h.lc.EnsureGateway(ctx, sb, cfg)
	}
	h.met.WakeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("webhook: wake failed", "tenant", cfg.TenantID, "err", err)
		h.met.WebhookCallbacks.WithLabelValues("wake_failed").Inc()
		if chatID != 0 {
			if err := h.tg.SendMessage(ctx, cfg.BotToken, chatID,
				"Your assistant could not be woken. Please try again in a few minutes."); err != nil {
				slog.Warn("webhook: failure notice failed", "tenant", cfg.TenantID, "err", err)
			}
		}
		return
	}
	h.met.WebhookCallbacks.WithLabelValues("woken").Inc()
	slog.Info("webhook: tenant woken", "tenant", cfg.TenantID, "took", time.Since(start).Round(time.Millisecond))
	if chatID != 0 {
		// The message that triggered this callback was consumed by the
		// acknowledgement; without this prompt it is silently lost.
		if err := h.tg.SendMessage(ctx, cfg.BotToken, chatID,
			"Your assistant is ready. Please resend your last message."); err != nil {
			slog.Warn("webhook: ready notice failed", "tenant", cfg.TenantID, "err", err)
		}
	}
}

// resolveTenant maps a webhook routing key to a tenant config. The key is
// usually the tenant ID itself; the routing table covers aliases such as the
// provider user ID.
func (h *Handler) resolveTenant(ctx context.Context, key string) (*store.TenantConfig, error) {
	cfg, err := h.store.GetTenant(ctx, key)
	if err != nil || cfg != nil {
		return cfg, err
	}
	tenantID, err := h.store.ResolveRoutingKey(ctx, key)
	if err != nil || tenantID == "" {
		return nil, err
	}
	return h.store.GetTenant(ctx, tenantID)
}

func (h *Handler) touchActivity(ctx context.Context, tenantID string) {
	if err := h.store.TouchActivity(ctx, tenantID, time.Now()); err != nil {
		slog.Warn("activity touch failed", "tenant", tenantID, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
