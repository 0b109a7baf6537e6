// Package heartbeat classifies sandbox liveness from the heartbeat records the
// tenant workloads write into the shared store. It never contacts a sandbox:
// a fresh heartbeat means "probably live and polling", a stale or absent one
// means "assumed asleep". The threshold must stay well above the heartbeat
// interval plus the store's write-propagation delay, or the reconciliation
// sweep races the workload's own renewal.
package heartbeat

import (
	"context"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

// DefaultThreshold is tuned for a 30s heartbeat interval against a store with
// sub-second-to-few-second propagation.
const DefaultThreshold = 5 * time.Minute

// Tracker records and reads per-tenant heartbeats.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

func New(s store.Store) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// NewWithClock creates a Tracker with an injected clock for tests.
func NewWithClock(s store.Store, now func() time.Time) *Tracker {
	return &Tracker{store: s, now: now}
}

// Record unconditionally overwrites the stored timestamp with now.
func (t *Tracker) Record(ctx context.Context, tenantID string) error {
	return t.store.RecordHeartbeat(ctx, tenantID, t.now())
}

// IsLive reports whether the tenant's heartbeat is younger than threshold.
// A tenant with no heartbeat record is not live. age == threshold is stale.
func (t *Tracker) IsLive(ctx context.Context, tenantID string, threshold time.Duration) (bool, error) {
	at, err := t.store.GetHeartbeat(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if at.IsZero() {
		return false, nil
	}
	return t.now().Sub(at) < threshold, nil
}

// Age returns the heartbeat age and whether a record exists at all.
func (t *Tracker) Age(ctx context.Context, tenantID string) (time.Duration, bool, error) {
	at, err := t.store.GetHeartbeat(ctx, tenantID)
	if err != nil {
		return 0, false, err
	}
	if at.IsZero() {
		return 0, false, nil
	}
	return t.now().Sub(at), true, nil
}
