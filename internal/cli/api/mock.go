package api

import (
	"context"
)

// MockClient for testing
type MockClient struct {
	BootFunc        func(ctx context.Context, tenantID string, req *BootRequest) error
	RestartFunc     func(ctx context.Context, tenantID string) error
	LogsFunc        func(ctx context.Context, tenantID string) (*Logs, error)
	ListTenantsFunc func(ctx context.Context) (*TenantList, error)
	SweepFunc       func(ctx context.Context, dryRun bool) (*SweepReport, error)
}

func (m *MockClient) Boot(ctx context.Context, tenantID string, req *BootRequest) error {
	if m.BootFunc != nil {
		return m.BootFunc(ctx, tenantID, req)
	}
	return nil
}

func (m *MockClient) Restart(ctx context.Context, tenantID string) error {
	if m.RestartFunc != nil {
		return m.RestartFunc(ctx, tenantID)
	}
	return nil
}

func (m *MockClient) Logs(ctx context.Context, tenantID string) (*Logs, error) {
	if m.LogsFunc != nil {
		return m.LogsFunc(ctx, tenantID)
	}
	return &Logs{}, nil
}

func (m *MockClient) ListTenants(ctx context.Context) (*TenantList, error) {
	if m.ListTenantsFunc != nil {
		return m.ListTenantsFunc(ctx)
	}
	return &TenantList{}, nil
}

func (m *MockClient) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	if m.SweepFunc != nil {
		return m.SweepFunc(ctx, dryRun)
	}
	return &SweepReport{DryRun: dryRun}, nil
}
