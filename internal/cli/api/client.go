package api

import (
	"context"
)

// Client is the interface for talking to the gateway admin API
type Client interface {
	Boot(ctx context.Context, tenantID string, req *BootRequest) error
	Restart(ctx context.Context, tenantID string) error
	Logs(ctx context.Context, tenantID string) (*Logs, error)
	ListTenants(ctx context.Context) (*TenantList, error)
	Sweep(ctx context.Context, dryRun bool) (*SweepReport, error)
}
