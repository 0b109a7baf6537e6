// Package proxy forwards inbound traffic to a tenant's running gateway. Every
// forwarded request passes through lifecycle assurance first; the proxy never
// talks to a sandbox that has not been confirmed reachable.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cobot-ai/sandbox-gateway/internal/lifecycle"
	"github.com/cobot-ai/sandbox-gateway/internal/metrics"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

// TenantHeader identifies the target tenant on proxied requests.
const TenantHeader = "X-Tenant-ID"

// Proxy forwards HTTP and WebSocket traffic to tenant gateways.
type Proxy struct {
	store     store.Store
	sandboxes sandbox.Client
	lc        *lifecycle.Controller
	met       *metrics.Metrics
	upgrader  websocket.Upgrader
	dialer    *websocket.Dialer
}

func New(s store.Store, sandboxes sandbox.Client, lc *lifecycle.Controller, met *metrics.Metrics) *Proxy {
	if met == nil {
		met = metrics.New(nil)
	}
	return &Proxy{
		store:     s,
		sandboxes: sandboxes,
		lc:        lc,
		met:       met,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway authenticates its own clients; origin filtering
			// happens there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// ServeHTTP resolves the tenant, ensures its gateway, and forwards. Missing
// or unknown tenant identity is a client error, not a lifecycle failure.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get(TenantHeader)
	if tenantID == "" {
		http.Error(w, "missing "+TenantHeader+" header", http.StatusBadRequest)
		return
	}
	cfg, err := p.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		slog.Error("proxy: tenant lookup failed", "tenant", tenantID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if cfg == nil {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}

	sb, err := p.sandboxes.Ensure(r.Context(), tenantID)
	if err != nil {
		slog.Error("proxy: sandbox not available", "tenant", tenantID, "err", err)
		http.Error(w, "gateway failed to start, try again in a moment", http.StatusServiceUnavailable)
		return
	}
	if err := p.lc.EnsureGateway(r.Context(), sb, cfg); err != nil {
		slog.Error("proxy: gateway not available", "tenant", tenantID, "err", err)
		http.Error(w, "gateway failed to start, try again in a moment", http.StatusServiceUnavailable)
		return
	}

	if err := p.store.TouchActivity(r.Context(), tenantID, time.Now()); err != nil {
		slog.Warn("proxy: activity touch failed", "tenant", tenantID, "err", err)
	}

	if websocket.IsWebSocketUpgrade(r) {
		p.met.ProxyRequests.WithLabelValues("websocket").Inc()
		p.relayWebSocket(w, r, sb)
		return
	}
	p.met.ProxyRequests.WithLabelValues("http").Inc()
	p.forwardHTTP(w, r, sb)
}

func (p *Proxy) forwardHTTP(w http.ResponseWriter, r *http.Request, sb *sandbox.Sandbox) {
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(sb.IP, strconv.Itoa(p.lc.GatewayPort())),
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Warn("proxy: forward failed", "tenant", sb.TenantID, "err", err)
		http.Error(w, "gateway unreachable", http.StatusBadGateway)
	}
	rp.ServeHTTP(w, r)
}

// relayWebSocket bridges the client and the gateway. A close or error on
// either side closes the other, so neither connection is leaked.
func (p *Proxy) relayWebSocket(w http.ResponseWriter, r *http.Request, sb *sandbox.Sandbox) {
	backendURL := fmt.Sprintf("ws://%s%s",
		net.JoinHostPort(sb.IP, strconv.Itoa(p.lc.GatewayPort())), r.URL.RequestURI())
	backend, resp, err := p.dialer.DialContext(r.Context(), backendURL, nil)
	if err != nil {
		slog.Error("proxy: backend websocket dial failed", "tenant", sb.TenantID, "err", err)
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "gateway websocket unreachable", status)
		return
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		backend.Close()
		slog.Error("proxy: client upgrade failed", "tenant", sb.TenantID, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go p.relay(ctx, cancel, client, backend, sb.TenantID, "client->gateway")
	go p.relay(ctx, cancel, backend, client, sb.TenantID, "gateway->client")
	<-ctx.Done()
	client.Close()
	backend.Close()
}

func (p *Proxy) relay(ctx context.Context, cancel context.CancelFunc, src, dst *websocket.Conn, tenantID, direction string) {
	defer cancel()
	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := src.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("proxy: relay read ended", "tenant", tenantID, "direction", direction, "err", err)
			}
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			slog.Debug("proxy: relay write ended", "tenant", tenantID, "direction", direction, "err", err)
			return
		}
	}
}
