// Package process discovers, starts, and supervises the tenant gateway
// workload inside a sandbox.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
)

// DefaultStartupTimeout covers container cold starts including image pull and
// application bootstrap.
const DefaultStartupTimeout = 180 * time.Second

// LauncherCommand is the tenant gateway launcher.
const LauncherCommand = "/usr/local/bin/start-cobot.sh"

// gatewayPatterns identify a gateway process; cliPatterns identify one-shot
// CLI invocations that share the command name and must never be mistaken for
// the gateway, even while nominally running.
var (
	gatewayPatterns = []string{"start-cobot.sh", "cobot gateway"}
	cliPatterns     = []string{"cobot onboard", "cobot --version"}
)

// StartupError is returned when the gateway never becomes reachable within
// the startup timeout. It carries the captured process output so operators
// can distinguish configuration errors from environment errors.
type StartupError struct {
	TenantID string
	Stdout   string
	Stderr   string
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("gateway startup for tenant %s: %v", e.TenantID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Manager drives gateway processes through the sandbox platform client.
type Manager struct {
	sandboxes sandbox.Client
}

func NewManager(sandboxes sandbox.Client) *Manager {
	return &Manager{sandboxes: sandboxes}
}

// FindGateway scans the sandbox's process list for a live gateway process.
// Returns nil if none is found. Listing failures also yield nil: the sandbox
// may still be warming up, and "not found" is the safe answer.
func (m *Manager) FindGateway(ctx context.Context, sb *sandbox.Sandbox) *sandbox.Process {
	procs, err := m.sandboxes.ListProcesses(ctx, sb)
	if err != nil {
		slog.Info("process: could not list processes", "tenant", sb.TenantID, "err", err)
		return nil
	}
	for i := range procs {
		p := &procs[i]
		if !matchesAny(p.Command, gatewayPatterns) || matchesAny(p.Command, cliPatterns) {
			continue
		}
		if p.Status == sandbox.StatusRunning || p.Status == sandbox.StatusStarting {
			return p
		}
	}
	return nil
}

// Start launches the gateway launcher with the tenant environment. It does
// not block for readiness.
func (m *Manager) Start(ctx context.Context, sb *sandbox.Sandbox, env map[string]string) (*sandbox.Process, error) {
	proc, err := m.sandboxes.StartProcess(ctx, sb, LauncherCommand, env)
	if err != nil {
		return nil, fmt.Errorf("start gateway: %w", err)
	}
	return proc, nil
}

// WaitForReady blocks until the gateway's port accepts connections or the
// timeout elapses. On timeout the captured stdout/stderr are fetched and
// surfaced in a StartupError.
func (m *Manager) WaitForReady(ctx context.Context, sb *sandbox.Sandbox, proc *sandbox.Process, port int, timeout time.Duration) error {
	if err := m.sandboxes.WaitForPort(ctx, sb, port, timeout); err != nil {
		logs, logsErr := m.sandboxes.ProcessLogs(ctx, sb, proc)
		if logsErr != nil {
			slog.Warn("process: could not fetch logs after startup failure", "tenant", sb.TenantID, "err", logsErr)
		}
		return &StartupError{
			TenantID: sb.TenantID,
			Stdout:   logs.Stdout,
			Stderr:   logs.Stderr,
			Err:      err,
		}
	}
	return nil
}

// Kill terminates a process best-effort. A second kill of an exited process
// errors; that is swallowed here.
func (m *Manager) Kill(ctx context.Context, sb *sandbox.Sandbox, proc *sandbox.Process) {
	if err := m.sandboxes.KillProcess(ctx, sb, proc); err != nil {
		slog.Info("process: kill failed (ignored)", "tenant", sb.TenantID, "pid", proc.PID, "err", err)
	}
}

// Logs fetches the gateway's captured output.
func (m *Manager) Logs(ctx context.Context, sb *sandbox.Sandbox, proc *sandbox.Process) (sandbox.Logs, error) {
	return m.sandboxes.ProcessLogs(ctx, sb, proc)
}

func matchesAny(command string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(command, p) {
			return true
		}
	}
	return false
}
