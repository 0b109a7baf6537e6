package sandbox

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Client for unit tests. Zero value is not usable; use
// NewFake. Failures are scripted through the Err fields and the ExecFunc hook.
type Fake struct {
	mu      sync.Mutex
	procs   map[string][]*Process // tenantID -> processes
	nextPID int

	// Scripted failures.
	EnsureErr error
	ListErr   error
	StartErr  error
	PortErr   error

	// ExecFunc, when set, answers Exec calls. Otherwise Exec returns empty
	// Logs and nil error.
	ExecFunc func(sb *Sandbox, command string) (Logs, error)

	// ProcLogs is returned by ProcessLogs.
	ProcLogs Logs

	// Call records, in order.
	ExecCalls      []string
	StartCalls     []string
	KillCalls      []int
	WaitPortCalls  []int
	SuspendCalls   []string
	StartedEnv     []map[string]string
	EnsuredTenants []string
}

func NewFake() *Fake {
	return &Fake{procs: make(map[string][]*Process), nextPID: 100}
}

// AddProcess seeds a process into a tenant's sandbox.
func (f *Fake) AddProcess(tenantID string, proc Process) *Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	if proc.PID == 0 {
		f.nextPID++
		proc.PID = f.nextPID
	}
	p := &proc
	f.procs[tenantID] = append(f.procs[tenantID], p)
	return p
}

func (f *Fake) Ensure(_ context.Context, tenantID string) (*Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnsuredTenants = append(f.EnsuredTenants, tenantID)
	if f.EnsureErr != nil {
		return nil, f.EnsureErr
	}
	return &Sandbox{
		TenantID:  tenantID,
		PodName:   Key(tenantID),
		Namespace: "tenants",
		IP:        "10.0.0.1",
	}, nil
}

func (f *Fake) ListProcesses(_ context.Context, sb *Sandbox) ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []Process
	for _, p := range f.procs[sb.TenantID] {
		out = append(out, *p)
	}
	return out, nil
}

func (f *Fake) StartProcess(_ context.Context, sb *Sandbox, command string, env map[string]string) (*Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = append(f.StartCalls, command)
	f.StartedEnv = append(f.StartedEnv, env)
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	f.nextPID++
	p := &Process{PID: f.nextPID, Command: command, Status: StatusRunning}
	f.procs[sb.TenantID] = append(f.procs[sb.TenantID], p)
	return p, nil
}

func (f *Fake) KillProcess(_ context.Context, sb *Sandbox, proc *Process) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.KillCalls = append(f.KillCalls, proc.PID)
	kept := f.procs[sb.TenantID][:0]
	for _, p := range f.procs[sb.TenantID] {
		if p.PID != proc.PID {
			kept = append(kept, p)
		}
	}
	f.procs[sb.TenantID] = kept
	return nil
}

func (f *Fake) ProcessLogs(_ context.Context, _ *Sandbox, _ *Process) (Logs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ProcLogs, nil
}

func (f *Fake) Exec(_ context.Context, sb *Sandbox, command string, _ time.Duration) (Logs, error) {
	f.mu.Lock()
	fn := f.ExecFunc
	f.ExecCalls = append(f.ExecCalls, command)
	f.mu.Unlock()
	if fn != nil {
		return fn(sb, command)
	}
	return Logs{}, nil
}

func (f *Fake) WaitForPort(_ context.Context, _ *Sandbox, port int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WaitPortCalls = append(f.WaitPortCalls, port)
	return f.PortErr
}

func (f *Fake) Suspend(_ context.Context, sb *Sandbox) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SuspendCalls = append(f.SuspendCalls, sb.TenantID)
	f.procs[sb.TenantID] = nil
	return nil
}
