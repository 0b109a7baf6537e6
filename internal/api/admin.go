package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

const maxExecTimeout = 120 * time.Second

// requireAdmin gates the operator surface behind a bearer token. With no
// token configured the surface is disabled outright.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AdminToken == "" {
			http.Error(w, "admin surface disabled", http.StatusServiceUnavailable)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Boot registers (or updates) a tenant and brings its gateway up. The
// heartbeat is written before the wake so concurrent webhook callbacks see
// the tenant as live instead of piling on, and the provider webhook is
// cleared afterwards regardless of outcome since the gateway polls once up.
func (h *Handler) Boot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	var req struct {
		BotToken string `json:"botToken"`
		UserID   string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	existing, err := h.store.GetTenant(ctx, tenantID)
	if err != nil {
		slog.Error("boot: tenant lookup failed", "tenant", tenantID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	cfg := &store.TenantConfig{
		TenantID:  tenantID,
		BotToken:  req.BotToken,
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if existing != nil {
		cfg.CreatedAt = existing.CreatedAt
		if cfg.BotToken == "" {
			cfg.BotToken = existing.BotToken
		}
		if cfg.UserID == "" {
			cfg.UserID = existing.UserID
		}
	}
	if cfg.BotToken == "" {
		http.Error(w, "botToken required", http.StatusBadRequest)
		return
	}
	if err := h.store.PutTenant(ctx, cfg); err != nil {
		slog.Error("boot: store tenant failed", "tenant", tenantID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if cfg.UserID != "" {
		if err := h.store.PutRoutingKey(ctx, cfg.UserID, tenantID); err != nil {
			slog.Warn("boot: routing key write failed", "tenant", tenantID, "err", err)
		}
	}

	if err := h.hb.Record(ctx, tenantID); err != nil {
		slog.Warn("boot: heartbeat write failed", "tenant", tenantID, "err", err)
	}
	h.touchActivity(ctx, tenantID)

	// Detached context: the request context may already be dead after a
	// startup timeout or client disconnect, and the delete must still land.
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.tg.DeleteWebhook(dctx, cfg.BotToken); err != nil {
			slog.Warn("boot: webhook delete failed", "tenant", tenantID, "err", err)
		}
	}()

	sb, err := h.sandboxes.Ensure(ctx, tenantID)
	if err == nil {
		err = h.lc.EnsureGateway(ctx, sb, cfg)
	}
	if err != nil {
		slog.Error("boot failed", "tenant", tenantID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "booted", "tenantId": tenantID})
}

// Restart force-restarts a tenant's gateway workload. Same ordering as Boot:
// the heartbeat lands before the kill so the sweep cannot re-arm the webhook
// mid-restart, and any webhook it armed before the heartbeat took effect is
// cleared once the gateway polls again.
func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	cfg, err := h.store.GetTenant(ctx, tenantID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if cfg == nil {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}

	if err := h.hb.Record(ctx, tenantID); err != nil {
		slog.Warn("restart: heartbeat write failed", "tenant", tenantID, "err", err)
	}
	h.touchActivity(ctx, tenantID)

	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := h.tg.DeleteWebhook(dctx, cfg.BotToken); err != nil {
			slog.Warn("restart: webhook delete failed", "tenant", tenantID, "err", err)
		}
	}()

	sb, err := h.sandboxes.Ensure(ctx, tenantID)
	if err == nil {
		err = h.lc.Restart(ctx, sb, cfg)
	}
	if err != nil {
		slog.Error("restart failed", "tenant", tenantID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "tenantId": tenantID})
}

// Logs returns the gateway's captured stdout/stderr. A sleeping tenant has
// no sandbox to read from, so this never wakes one.
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	live, err := h.hb.IsLive(ctx, tenantID, h.cfg.HeartbeatThreshold)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !live {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "sandbox is sleeping"})
		return
	}
	sb, err := h.sandboxes.Ensure(ctx, tenantID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	proc := h.procs.FindGateway(ctx, sb)
	if proc == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "gateway not running"})
		return
	}
	logs, err := h.procs.Logs(ctx, sb, proc)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"pid":      proc.PID,
		"status":   proc.Status,
		"command":  proc.Command,
		"stdout":   logs.Stdout,
		"stderr":   logs.Stderr,
	})
}

// Tenants lists every registered tenant, paging through the store.
func (h *Handler) Tenants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	type entry struct {
		TenantID  string    `json:"tenantId"`
		UserID    string    `json:"userId,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}
	out := []entry{}
	cursor := ""
	for {
		page, next, err := h.store.ListTenants(ctx, cursor, pageSize)
		if err != nil {
			slog.Error("list tenants failed", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for _, cfg := range page {
			out = append(out, entry{TenantID: cfg.TenantID, UserID: cfg.UserID, CreatedAt: cfg.CreatedAt})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out, "count": len(out)})
}

const pageSize = 100

// DebugMount reports whether the tenant's persistent storage is in the
// sandbox mount table.
func (h *Handler) DebugMount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	if !h.mounter.Configured() {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false, "mounted": false})
		return
	}
	sb, err := h.sandboxes.Ensure(ctx, tenantID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	mounted, err := h.mounter.IsMounted(ctx, sb)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": true,
		"mounted":    mounted,
		"path":       h.mounter.MountPath(),
	})
}

// DebugExec runs a shell command inside the tenant sandbox.
func (h *Handler) DebugExec(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		http.Error(w, "tenant required", http.StatusBadRequest)
		return
	}
	var req struct {
		Command     string `json:"command"`
		TimeoutSecs int    `json:"timeoutSecs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}
	timeout := time.Duration(req.TimeoutSecs) * time.Second
	if timeout <= 0 || timeout > maxExecTimeout {
		timeout = maxExecTimeout
	}
	sb, err := h.sandboxes.Ensure(ctx, tenantID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	logs, err := h.sandboxes.Exec(ctx, sb, req.Command, timeout)
	resp := map[string]any{"stdout": logs.Stdout, "stderr": logs.Stderr}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// DebugSweep triggers a webhook reconciliation pass and returns the
// per-tenant results. dry_run=true reports without arming webhooks.
func (h *Handler) DebugSweep(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	results, err := h.sweeper.Sweep(r.Context(), dryRun)
	if err != nil {
		slog.Error("sweep failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dryRun": dryRun, "results": results})
}
