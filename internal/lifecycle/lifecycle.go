// Package lifecycle is the single choke point for making a tenant's gateway
// usable: every caller (webhook wake path, admin boot/restart, proxy) goes
// through EnsureGateway before trusting a sandbox. No caller talks to a
// sandbox directly.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/process"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/storage"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

// DefaultGatewayPort is the port the gateway workload binds inside its
// sandbox.
const DefaultGatewayPort = 18789

// Config holds lifecycle policy and the shared environment injected into
// every tenant gateway.
type Config struct {
	GatewayPort    int
	StartupTimeout time.Duration
	SettleDelay    time.Duration
	RestartGrace   time.Duration

	// Shared model-provider credentials and controller callback base, passed
	// through to the workload when set.
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GatewayToken    string
	WebhookBaseURL  string
}

// Controller ensures a bound, reachable gateway process exists per tenant.
type Controller struct {
	sandboxes sandbox.Client
	procs     *process.Manager
	mounter   *storage.Mounter
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration)
}

func New(sandboxes sandbox.Client, procs *process.Manager, mounter *storage.Mounter, cfg Config) *Controller {
	if cfg.GatewayPort == 0 {
		cfg.GatewayPort = DefaultGatewayPort
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = process.DefaultStartupTimeout
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = storage.DefaultSettleDelay
	}
	if cfg.RestartGrace == 0 {
		cfg.RestartGrace = 3 * time.Second
	}
	return &Controller{
		sandboxes: sandboxes,
		procs:     procs,
		mounter:   mounter,
		cfg:       cfg,
		sleep:     sleepCtx,
	}
}

// NewForTest creates a Controller whose settle and grace delays do not
// actually sleep.
func NewForTest(sandboxes sandbox.Client, procs *process.Manager, mounter *storage.Mounter, cfg Config) *Controller {
	c := New(sandboxes, procs, mounter, cfg)
	c.sleep = func(context.Context, time.Duration) {}
	return c
}

// GatewayPort returns the configured gateway port.
func (c *Controller) GatewayPort() int { return c.cfg.GatewayPort }

// EnsureGateway makes sure a reachable gateway process exists in the sandbox.
// A live process is reused as-is: no restart, no remount. A found-but-
// unreachable process is considered wedged, killed, and replaced. Fails only
// if the process never binds its port within the startup timeout.
func (c *Controller) EnsureGateway(ctx context.Context, sb *sandbox.Sandbox, cfg *store.TenantConfig) error {
	if existing := c.procs.FindGateway(ctx, sb); existing != nil {
		if err := c.procs.WaitForReady(ctx, sb, existing, c.cfg.GatewayPort, c.cfg.StartupTimeout); err == nil {
			return nil
		}
		slog.Info("lifecycle: existing gateway not reachable, restarting", "tenant", sb.TenantID, "pid", existing.PID)
		c.procs.Kill(ctx, sb, existing)
	}

	slog.Info("lifecycle: starting gateway", "tenant", sb.TenantID)

	if _, fresh := c.mounter.EnsureMounted(ctx, sb); fresh {
		c.sleep(ctx, c.cfg.SettleDelay)
	}

	proc, err := c.procs.Start(ctx, sb, c.buildEnv(cfg))
	if err != nil {
		return err
	}
	if err := c.procs.WaitForReady(ctx, sb, proc, c.cfg.GatewayPort, c.cfg.StartupTimeout); err != nil {
		slog.Error("lifecycle: gateway startup failed", "tenant", sb.TenantID, "err", err)
		return err
	}
	slog.Info("lifecycle: gateway ready", "tenant", sb.TenantID, "port", c.cfg.GatewayPort)
	return nil
}

// Restart force-kills any gateway processes and starts a fresh one.
func (c *Controller) Restart(ctx context.Context, sb *sandbox.Sandbox, cfg *store.TenantConfig) error {
	if _, err := c.sandboxes.Exec(ctx, sb, "pkill -9 -f cobot || true", 15*time.Second); err != nil {
		slog.Info("lifecycle: pkill sweep failed (ignored)", "tenant", sb.TenantID, "err", err)
	}
	if existing := c.procs.FindGateway(ctx, sb); existing != nil {
		c.procs.Kill(ctx, sb, existing)
	}
	c.sleep(ctx, c.cfg.RestartGrace)
	return c.EnsureGateway(ctx, sb, cfg)
}

func (c *Controller) buildEnv(cfg *store.TenantConfig) map[string]string {
	env := map[string]string{
		"TELEGRAM_BOT_TOKEN": cfg.BotToken,
		"TELEGRAM_DM_POLICY": "open",
		"TENANT_ID":          cfg.TenantID,
	}
	if c.cfg.AnthropicAPIKey != "" {
		env["ANTHROPIC_API_KEY"] = c.cfg.AnthropicAPIKey
	}
	if c.cfg.OpenAIAPIKey != "" {
		env["OPENAI_API_KEY"] = c.cfg.OpenAIAPIKey
	}
	if c.cfg.GatewayToken != "" {
		env["COBOT_GATEWAY_TOKEN"] = c.cfg.GatewayToken
	}
	if c.cfg.WebhookBaseURL != "" {
		env["WEBHOOK_BASE_URL"] = c.cfg.WebhookBaseURL
	}
	return env
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
