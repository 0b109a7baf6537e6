package reconciler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/reconciler"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

// armerSpy records SetWebhook calls; FailFor scripts per-tenant failures.
type armerSpy struct {
	mu      sync.Mutex
	calls   map[string]int
	FailFor map[string]error
}

func newArmerSpy() *armerSpy {
	return &armerSpy{calls: map[string]int{}, FailFor: map[string]error{}}
}

func (a *armerSpy) SetWebhook(_ context.Context, _, tenantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[tenantID]++
	return a.FailFor[tenantID]
}

func newReconciler(m *store.MockStore, armer *armerSpy, now time.Time) *reconciler.Reconciler {
	tr := heartbeat.NewWithClock(m, func() time.Time { return now })
	return reconciler.New(m, tr, armer, nil, 5*time.Minute, time.Minute)
}

func TestSweep_ArmsStaleTenants(t *testing.T) {
	m := store.NewMock()
	armer := newArmerSpy()
	now := time.Now().UTC()
	ctx := context.Background()

	require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: "stale", BotToken: "tok-stale"}))
	require.NoError(t, m.RecordHeartbeat(ctx, "stale", now.Add(-time.Hour)))

	require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: "fresh", BotToken: "tok-fresh"}))
	require.NoError(t, m.RecordHeartbeat(ctx, "fresh", now.Add(-time.Minute)))

	// Never heartbeated at all: treated as asleep, webhook armed.
	require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: "silent", BotToken: "tok-silent"}))

	r := newReconciler(m, armer, now)
	results, err := r.Sweep(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byTenant := map[string]string{}
	for _, res := range results {
		byTenant[res.TenantID] = res.Action
	}
	assert.Equal(t, "webhook set", byTenant["stale"])
	assert.Equal(t, "skip (heartbeat fresh)", byTenant["fresh"])
	assert.Equal(t, "webhook set", byTenant["silent"])

	assert.Equal(t, 1, armer.calls["stale"])
	assert.Equal(t, 0, armer.calls["fresh"])
	assert.Equal(t, 1, armer.calls["silent"])
}

func TestSweep_VisitsEveryPageExactlyOnce(t *testing.T) {
	m := store.NewMock()
	armer := newArmerSpy()
	now := time.Now().UTC()
	ctx := context.Background()

	// Well past the 100-per-page size, so the sweep must follow cursors.
	const n = 1000
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("tenant-%04d", i)
		require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: id, BotToken: "tok"}))
		require.NoError(t, m.RecordHeartbeat(ctx, id, now.Add(-time.Hour)))
	}

	r := newReconciler(m, armer, now)
	results, err := r.Sweep(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, n)

	assert.Len(t, armer.calls, n)
	for id, c := range armer.calls {
		assert.Equal(t, 1, c, "tenant %s armed exactly once", id)
	}
}

func TestSweep_PerTenantFailureContinues(t *testing.T) {
	m := store.NewMock()
	armer := newArmerSpy()
	armer.FailFor["bad"] = errors.New("telegram: Unauthorized")
	now := time.Now().UTC()
	ctx := context.Background()

	for _, id := range []string{"aaa", "bad", "zzz"} {
		require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: id, BotToken: "tok"}))
		require.NoError(t, m.RecordHeartbeat(ctx, id, now.Add(-time.Hour)))
	}

	r := newReconciler(m, armer, now)
	results, err := r.Sweep(ctx, false)
	require.NoError(t, err, "a per-tenant failure must not abort the sweep")
	require.Len(t, results, 3)

	byTenant := map[string]reconciler.Result{}
	for _, res := range results {
		byTenant[res.TenantID] = res
	}
	assert.Equal(t, "error", byTenant["bad"].Action)
	assert.Contains(t, byTenant["bad"].Error, "Unauthorized")
	assert.Equal(t, "webhook set", byTenant["aaa"].Action)
	assert.Equal(t, "webhook set", byTenant["zzz"].Action, "tenants after the failure are still visited")
}

func TestSweep_DryRun(t *testing.T) {
	m := store.NewMock()
	armer := newArmerSpy()
	now := time.Now().UTC()
	ctx := context.Background()

	require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: "stale", BotToken: "tok"}))
	require.NoError(t, m.RecordHeartbeat(ctx, "stale", now.Add(-time.Hour)))

	r := newReconciler(m, armer, now)
	results, err := r.Sweep(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "would set webhook", results[0].Action)
	assert.Empty(t, armer.calls, "dry run arms nothing")
}

// heartbeatFailStore fails heartbeat reads for one tenant.
type heartbeatFailStore struct {
	*store.MockStore
	failFor string
}

func (s *heartbeatFailStore) GetHeartbeat(ctx context.Context, tenantID string) (time.Time, error) {
	if tenantID == s.failFor {
		return time.Time{}, errors.New("dynamodb unavailable")
	}
	return s.MockStore.GetHeartbeat(ctx, tenantID)
}

func TestSweep_HeartbeatReadErrorSkipsTenant(t *testing.T) {
	m := store.NewMock()
	fs := &heartbeatFailStore{MockStore: m, failFor: "broken"}
	armer := newArmerSpy()
	now := time.Now().UTC()
	ctx := context.Background()

	require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: "broken", BotToken: "tok"}))
	require.NoError(t, m.PutTenant(ctx, &store.TenantConfig{TenantID: "ok", BotToken: "tok"}))
	require.NoError(t, m.RecordHeartbeat(ctx, "ok", now.Add(-time.Hour)))

	tr := heartbeat.NewWithClock(fs, func() time.Time { return now })
	r := reconciler.New(fs, tr, armer, nil, 5*time.Minute, time.Minute)

	results, err := r.Sweep(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byTenant := map[string]reconciler.Result{}
	for _, res := range results {
		byTenant[res.TenantID] = res
	}
	assert.Equal(t, "error", byTenant["broken"].Action)
	assert.Equal(t, 0, armer.calls["broken"], "unknown liveness must not arm a webhook")
	assert.Equal(t, "webhook set", byTenant["ok"].Action)
}
