// Package storage attaches the networked object-storage volume to a sandbox's
// filesystem before the workload starts. Mount state is verified against the
// sandbox's live mount table, never inferred from mount API error text.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
)

// DefaultSettleDelay is how long callers should wait after a fresh mount
// before trusting filesystem operations against the mount path. Network
// filesystem mounts do not guarantee immediate read-after-mount consistency.
const DefaultSettleDelay = 3 * time.Second

const execTimeout = 30 * time.Second

// Config holds bucket credentials. Empty credentials disable mounting; the
// workload then runs without persistent storage.
type Config struct {
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	MountPath       string
}

// Mounter idempotently mounts the tenant bucket into a sandbox via s3fs.
type Mounter struct {
	sandboxes sandbox.Client
	cfg       Config
}

func New(sandboxes sandbox.Client, cfg Config) *Mounter {
	if cfg.MountPath == "" {
		cfg.MountPath = "/data/cobot"
	}
	return &Mounter{sandboxes: sandboxes, cfg: cfg}
}

// MountPath returns the in-sandbox path the bucket is mounted at.
func (m *Mounter) MountPath() string { return m.cfg.MountPath }

// Configured reports whether bucket credentials are present.
func (m *Mounter) Configured() bool {
	return m.cfg.AccessKeyID != "" && m.cfg.SecretAccessKey != "" && m.cfg.Endpoint != ""
}

// EnsureMounted makes sure the bucket is mounted in the sandbox. Returns
// (mounted, fresh): fresh is true only when this call performed the mount, in
// which case the caller must apply the settle delay before touching the path.
// Missing credentials and mount failures are non-fatal (false, false).
func (m *Mounter) EnsureMounted(ctx context.Context, sb *sandbox.Sandbox) (bool, bool) {
	if !m.Configured() {
		slog.Info("storage: not configured, skipping mount", "tenant", sb.TenantID)
		return false, false
	}

	// Mount table first: avoids redundant mount calls and any need to parse
	// "already mounted" error text.
	mounted, err := m.IsMounted(ctx, sb)
	if err != nil {
		slog.Warn("storage: mount table check failed", "tenant", sb.TenantID, "err", err)
	}
	if mounted {
		return true, false
	}

	slog.Info("storage: mounting bucket", "tenant", sb.TenantID, "bucket", m.cfg.Bucket, "path", m.cfg.MountPath)
	if _, err := m.sandboxes.Exec(ctx, sb, m.mountCommand(), execTimeout); err != nil {
		// The mount API can report transient errors for state changes that
		// actually succeeded; the mount table is the source of truth.
		if ok, recheckErr := m.IsMounted(ctx, sb); recheckErr == nil && ok {
			slog.Info("storage: mounted despite error, verified via mount table", "tenant", sb.TenantID)
			return true, false
		}
		slog.Error("storage: mount failed", "tenant", sb.TenantID, "err", err)
		return false, false
	}
	return true, true
}

// IsMounted checks the sandbox's live mount table for the expected s3fs mount.
func (m *Mounter) IsMounted(ctx context.Context, sb *sandbox.Sandbox) (bool, error) {
	logs, err := m.sandboxes.Exec(ctx, sb, "mount", execTimeout)
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	return strings.Contains(logs.Stdout, "s3fs on "+m.cfg.MountPath), nil
}

func (m *Mounter) mountCommand() string {
	return fmt.Sprintf(
		"mkdir -p %s && printf '%%s:%%s\\n' %s %s > /etc/passwd-s3fs && chmod 600 /etc/passwd-s3fs && "+
			"s3fs %s %s -o passwd_file=/etc/passwd-s3fs -o url=%s -o use_path_request_style",
		m.cfg.MountPath,
		shellQuote(m.cfg.AccessKeyID), shellQuote(m.cfg.SecretAccessKey),
		m.cfg.Bucket, m.cfg.MountPath, m.cfg.Endpoint,
	)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
