// Package sandbox is the client to the container platform that hosts the
// per-tenant compute sandboxes. A sandbox is addressed by its stable key
// derived from the tenant ID; handles are obtained fresh per operation and
// never cached across invocations. The platform implementation here runs one
// pod per tenant and drives processes inside it over the exec transport.
package sandbox

import (
	"context"
	"time"
)

// ProcessStatus is the lifecycle state of a process inside a sandbox.
type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusExited   ProcessStatus = "exited"
)

// Sandbox is a runtime handle to a tenant's sandbox. It is ephemeral and
// carries no authority: the live process table inside the sandbox is the
// source of truth for anything with side effects.
type Sandbox struct {
	TenantID  string
	PodName   string
	Namespace string
	IP        string
}

// Process describes one process inside a sandbox.
type Process struct {
	PID     int
	Command string
	Status  ProcessStatus
}

// Logs holds captured process output.
type Logs struct {
	Stdout string
	Stderr string
}

// Client is the platform interface. Ensure is idempotent and safe to race:
// two concurrent callers for the same tenant converge on the same sandbox.
type Client interface {
	Ensure(ctx context.Context, tenantID string) (*Sandbox, error)
	ListProcesses(ctx context.Context, sb *Sandbox) ([]Process, error)
	StartProcess(ctx context.Context, sb *Sandbox, command string, env map[string]string) (*Process, error)
	KillProcess(ctx context.Context, sb *Sandbox, proc *Process) error
	ProcessLogs(ctx context.Context, sb *Sandbox, proc *Process) (Logs, error)
	Exec(ctx context.Context, sb *Sandbox, command string, timeout time.Duration) (Logs, error)
	WaitForPort(ctx context.Context, sb *Sandbox, port int, timeout time.Duration) error
	Suspend(ctx context.Context, sb *Sandbox) error
}

// Key returns the platform key for a tenant's sandbox.
func Key(tenantID string) string { return "tenant-" + tenantID }
