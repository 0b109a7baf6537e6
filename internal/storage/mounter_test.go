package storage_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/storage"
)

func testConfig() storage.Config {
	return storage.Config{
		Bucket:          "tenant-data",
		Endpoint:        "https://storage.example.com",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
	}
}

func testSandbox() *sandbox.Sandbox {
	return &sandbox.Sandbox{TenantID: "t1", PodName: "tenant-t1", Namespace: "tenants"}
}

// mountTableFake answers "mount" with a scripted mount table and records
// whether the s3fs mount command ran.
func mountTableFake(fake *sandbox.Fake, table *string, mountErr error) {
	fake.ExecFunc = func(_ *sandbox.Sandbox, command string) (sandbox.Logs, error) {
		if command == "mount" {
			return sandbox.Logs{Stdout: *table}, nil
		}
		if strings.Contains(command, "s3fs ") {
			if mountErr != nil {
				return sandbox.Logs{}, mountErr
			}
			*table += "\ns3fs on /data/cobot type fuse.s3fs (rw,nosuid,nodev)"
			return sandbox.Logs{}, nil
		}
		return sandbox.Logs{}, nil
	}
}

func TestEnsureMounted_NotConfigured(t *testing.T) {
	fake := sandbox.NewFake()
	m := storage.New(fake, storage.Config{})

	mounted, fresh := m.EnsureMounted(context.Background(), testSandbox())
	assert.False(t, mounted)
	assert.False(t, fresh)
	assert.Empty(t, fake.ExecCalls, "no sandbox calls without credentials")
}

func TestEnsureMounted_FreshMount(t *testing.T) {
	fake := sandbox.NewFake()
	table := "proc on /proc type proc (rw)"
	mountTableFake(fake, &table, nil)
	m := storage.New(fake, testConfig())

	mounted, fresh := m.EnsureMounted(context.Background(), testSandbox())
	assert.True(t, mounted)
	assert.True(t, fresh, "first mount is fresh, caller must settle")
}

func TestEnsureMounted_AlreadyMounted(t *testing.T) {
	fake := sandbox.NewFake()
	table := "s3fs on /data/cobot type fuse.s3fs (rw,nosuid,nodev)"
	mountTableFake(fake, &table, nil)
	m := storage.New(fake, testConfig())

	mounted, fresh := m.EnsureMounted(context.Background(), testSandbox())
	assert.True(t, mounted)
	assert.False(t, fresh, "existing mount is reused")

	for _, call := range fake.ExecCalls {
		assert.NotContains(t, call, "s3fs tenant-data", "mount command must not run again")
	}
}

func TestEnsureMounted_Idempotent(t *testing.T) {
	fake := sandbox.NewFake()
	table := "proc on /proc type proc (rw)"
	mountTableFake(fake, &table, nil)
	m := storage.New(fake, testConfig())
	sb := testSandbox()

	_, fresh := m.EnsureMounted(context.Background(), sb)
	require.True(t, fresh)
	_, fresh = m.EnsureMounted(context.Background(), sb)
	assert.False(t, fresh)

	mountCalls := 0
	for _, call := range fake.ExecCalls {
		if strings.Contains(call, "s3fs tenant-data") {
			mountCalls++
		}
	}
	assert.Equal(t, 1, mountCalls, "mount runs exactly once across repeated ensures")
}

// The mount API can fail while the mount actually landed; the mount table
// decides.
func TestEnsureMounted_ErrorButMountTableShowsMounted(t *testing.T) {
	fake := sandbox.NewFake()
	calls := 0
	fake.ExecFunc = func(_ *sandbox.Sandbox, command string) (sandbox.Logs, error) {
		if command == "mount" {
			calls++
			if calls == 1 {
				return sandbox.Logs{Stdout: ""}, nil
			}
			return sandbox.Logs{Stdout: "s3fs on /data/cobot type fuse.s3fs (rw)"}, nil
		}
		return sandbox.Logs{}, errors.New("transient transport error")
	}
	m := storage.New(fake, testConfig())

	mounted, fresh := m.EnsureMounted(context.Background(), testSandbox())
	assert.True(t, mounted, "recheck after error trusts the mount table")
	assert.False(t, fresh)
}

func TestEnsureMounted_MountFailed(t *testing.T) {
	fake := sandbox.NewFake()
	table := ""
	mountTableFake(fake, &table, errors.New("s3fs exited 1"))
	// mountTableFake's error path leaves the table unchanged, so the recheck
	// also reports unmounted.
	m := storage.New(fake, testConfig())

	mounted, fresh := m.EnsureMounted(context.Background(), testSandbox())
	assert.False(t, mounted)
	assert.False(t, fresh)
}

func TestIsMounted(t *testing.T) {
	fake := sandbox.NewFake()
	fake.ExecFunc = func(_ *sandbox.Sandbox, command string) (sandbox.Logs, error) {
		return sandbox.Logs{Stdout: "s3fs on /data/cobot type fuse.s3fs (rw)"}, nil
	}
	m := storage.New(fake, testConfig())

	ok, err := m.IsMounted(context.Background(), testSandbox())
	require.NoError(t, err)
	assert.True(t, ok)
}
