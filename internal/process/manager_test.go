package process_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobot-ai/sandbox-gateway/internal/process"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
)

func testSandbox() *sandbox.Sandbox {
	return &sandbox.Sandbox{TenantID: "t1", PodName: "tenant-t1", Namespace: "tenants"}
}

func TestFindGateway(t *testing.T) {
	cases := []struct {
		name  string
		procs []sandbox.Process
		found bool
	}{
		{
			name:  "launcher script",
			procs: []sandbox.Process{{Command: "/bin/bash /usr/local/bin/start-cobot.sh", Status: sandbox.StatusRunning}},
			found: true,
		},
		{
			name:  "direct gateway invocation",
			procs: []sandbox.Process{{Command: "cobot gateway --port 18789", Status: sandbox.StatusRunning}},
			found: true,
		},
		{
			name:  "exited gateway ignored",
			procs: []sandbox.Process{{Command: "cobot gateway", Status: sandbox.StatusExited}},
			found: false,
		},
		{
			name:  "onboarding CLI is not a gateway even while running",
			procs: []sandbox.Process{{Command: "cobot onboard --interactive", Status: sandbox.StatusRunning}},
			found: false,
		},
		{
			name:  "version probe is not a gateway",
			procs: []sandbox.Process{{Command: "cobot --version", Status: sandbox.StatusRunning}},
			found: false,
		},
		{
			name:  "unrelated processes",
			procs: []sandbox.Process{{Command: "/bin/sleep infinity", Status: sandbox.StatusRunning}},
			found: false,
		},
		{
			name: "gateway among noise",
			procs: []sandbox.Process{
				{Command: "/bin/sleep infinity", Status: sandbox.StatusRunning},
				{Command: "cobot onboard", Status: sandbox.StatusRunning},
				{Command: "cobot gateway", Status: sandbox.StatusRunning},
			},
			found: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := sandbox.NewFake()
			for _, p := range tc.procs {
				fake.AddProcess("t1", p)
			}
			m := process.NewManager(fake)
			got := m.FindGateway(context.Background(), testSandbox())
			if tc.found {
				require.NotNil(t, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestFindGateway_ListFailure(t *testing.T) {
	fake := sandbox.NewFake()
	fake.ListErr = errors.New("sandbox warming up")
	m := process.NewManager(fake)

	assert.Nil(t, m.FindGateway(context.Background(), testSandbox()),
		"listing failure reads as not found, never as an error")
}

func TestStart(t *testing.T) {
	fake := sandbox.NewFake()
	m := process.NewManager(fake)

	env := map[string]string{"TENANT_ID": "t1"}
	proc, err := m.Start(context.Background(), testSandbox(), env)
	require.NoError(t, err)
	require.NotNil(t, proc)

	require.Len(t, fake.StartCalls, 1)
	assert.Equal(t, process.LauncherCommand, fake.StartCalls[0])
	assert.Equal(t, "t1", fake.StartedEnv[0]["TENANT_ID"])
}

func TestWaitForReady_TimeoutCarriesLogs(t *testing.T) {
	fake := sandbox.NewFake()
	fake.PortErr = errors.New("port 18789 never opened")
	fake.ProcLogs = sandbox.Logs{Stdout: "booting...", Stderr: "FATAL: missing TELEGRAM_BOT_TOKEN"}
	m := process.NewManager(fake)

	proc := fake.AddProcess("t1", sandbox.Process{Command: "cobot gateway", Status: sandbox.StatusRunning})
	err := m.WaitForReady(context.Background(), testSandbox(), proc, 18789, time.Second)
	require.Error(t, err)

	var se *process.StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "t1", se.TenantID)
	assert.Equal(t, "booting...", se.Stdout)
	assert.Contains(t, se.Stderr, "TELEGRAM_BOT_TOKEN")
}

func TestKill_SwallowsErrors(t *testing.T) {
	fake := sandbox.NewFake()
	m := process.NewManager(fake)
	proc := &sandbox.Process{PID: 42, Command: "cobot gateway"}

	// Killing a process the fake does not know about still records the call
	// and must not panic or surface an error to the caller.
	m.Kill(context.Background(), testSandbox(), proc)
	assert.Equal(t, []int{42}, fake.KillCalls)
}
