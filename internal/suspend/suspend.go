// Package suspend puts sandboxes to sleep after a window of user inactivity.
// This is the platform half of the lifecycle story: the wake path brings
// sandboxes up, this loop takes them down. Idleness is judged from the
// activity timestamp (user-facing traffic), never from heartbeats — a
// heartbeating but unused sandbox must still suspend.
package suspend

import (
	"context"
	"log/slog"
	"time"

	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/sandbox"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

const pageSize = 100

// Controller suspends idle sandboxes. Only the elected leader runs the loop,
// so multiple controller replicas do not race each other's deletes.
type Controller struct {
	store     store.Store
	tracker   *heartbeat.Tracker
	sandboxes sandbox.Client
	cs        kubernetes.Interface
	namespace string
	leaderID  string
	idleAfter time.Duration
	interval  time.Duration
	now       func() time.Time
}

func New(s store.Store, tracker *heartbeat.Tracker, sandboxes sandbox.Client, cs kubernetes.Interface, namespace, leaderID string, idleAfter time.Duration) *Controller {
	if idleAfter == 0 {
		idleAfter = 30 * time.Minute
	}
	return &Controller{
		store:     s,
		tracker:   tracker,
		sandboxes: sandboxes,
		cs:        cs,
		namespace: namespace,
		leaderID:  leaderID,
		idleAfter: idleAfter,
		interval:  time.Minute,
		now:       time.Now,
	}
}

// NewForTest creates a Controller without leader election wiring.
func NewForTest(s store.Store, tracker *heartbeat.Tracker, sandboxes sandbox.Client, idleAfter time.Duration, now func() time.Time) *Controller {
	c := New(s, tracker, sandboxes, nil, "tenants", "test", idleAfter)
	if now != nil {
		c.now = now
	}
	return c
}

// CheckIdle runs one suspension pass; exported for testing.
func (c *Controller) CheckIdle(ctx context.Context) {
	c.checkIdle(ctx)
}

// Run starts the leader election loop and, while leading, the idle loop.
func (c *Controller) Run(ctx context.Context) {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      "gateway-suspender-leader",
			Namespace: c.namespace,
		},
		Client: c.cs.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: c.leaderID,
		},
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   15 * time.Second,
		RenewDeadline:   10 * time.Second,
		RetryPeriod:     2 * time.Second,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				slog.Info("suspend: became leader, starting idle loop", "id", c.leaderID)
				c.runIdleLoop(ctx)
			},
			OnStoppedLeading: func() {
				slog.Info("suspend: lost leadership", "id", c.leaderID)
			},
			OnNewLeader: func(identity string) {
				if identity != c.leaderID {
					slog.Info("suspend: new leader", "leader", identity)
				}
			},
		},
	})
}

func (c *Controller) runIdleLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.checkIdle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkIdle(ctx)
		}
	}
}

func (c *Controller) checkIdle(ctx context.Context) {
	cursor := ""
	for {
		page, next, err := c.store.ListTenants(ctx, cursor, pageSize)
		if err != nil {
			slog.Error("suspend: list tenants failed", "err", err)
			return
		}
		for _, cfg := range page {
			if ctx.Err() != nil {
				return
			}
			c.checkTenant(ctx, cfg.TenantID)
		}
		if next == "" {
			return
		}
		cursor = next
	}
}

func (c *Controller) checkTenant(ctx context.Context, tenantID string) {
	// A live heartbeat means the sandbox is actually up; without one there is
	// nothing to suspend.
	live, err := c.tracker.IsLive(ctx, tenantID, heartbeat.DefaultThreshold)
	if err != nil {
		slog.Error("suspend: heartbeat read failed", "tenant", tenantID, "err", err)
		return
	}
	if !live {
		return
	}

	lastActive, err := c.store.GetActivity(ctx, tenantID)
	if err != nil {
		slog.Error("suspend: activity read failed", "tenant", tenantID, "err", err)
		return
	}
	if lastActive.IsZero() {
		// No traffic seen yet. Start the idle clock now rather than deleting
		// a sandbox that may have just booted; it gets the full window.
		if err := c.store.TouchActivity(ctx, tenantID, c.now()); err != nil {
			slog.Warn("suspend: activity stamp failed", "tenant", tenantID, "err", err)
		}
		return
	}
	idleFor := c.now().Sub(lastActive)
	if idleFor < c.idleAfter {
		return
	}

	slog.Info("suspend: suspending idle sandbox", "tenant", tenantID, "idle_for", idleFor)
	sb := &sandbox.Sandbox{
		TenantID:  tenantID,
		PodName:   sandbox.Key(tenantID),
		Namespace: c.namespace,
	}
	if err := c.sandboxes.Suspend(ctx, sb); err != nil {
		slog.Error("suspend: suspend failed", "tenant", tenantID, "err", err)
	}
}
