package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store for testing. Listing pages are ordered by
// tenant ID so cursor behavior is deterministic.
type MockStore struct {
	mu         sync.RWMutex
	tenants    map[string]*TenantConfig
	routing    map[string]string
	heartbeats map[string]time.Time
	activity   map[string]time.Time
}

func NewMock() *MockStore {
	return &MockStore{
		tenants:    make(map[string]*TenantConfig),
		routing:    make(map[string]string),
		heartbeats: make(map[string]time.Time),
		activity:   make(map[string]time.Time),
	}
}

func (m *MockStore) GetTenant(_ context.Context, tenantID string) (*TenantConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (m *MockStore) PutTenant(_ context.Context, cfg *TenantConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.tenants[cfg.TenantID] = &cp
	return nil
}

func (m *MockStore) ListTenants(_ context.Context, cursor string, limit int32) ([]*TenantConfig, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		for i, id := range ids {
			if tenantPrefix+id > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	if limit <= 0 {
		limit = int32(len(ids))
	}
	end := start + int(limit)
	if end > len(ids) {
		end = len(ids)
	}

	var page []*TenantConfig
	for _, id := range ids[start:end] {
		cp := *m.tenants[id]
		page = append(page, &cp)
	}
	next := ""
	if end < len(ids) && end > start {
		next = tenantPrefix + ids[end-1]
	}
	return page, next, nil
}

func (m *MockStore) ResolveRoutingKey(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routing[key], nil
}

func (m *MockStore) PutRoutingKey(_ context.Context, key, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing[key] = tenantID
	return nil
}

func (m *MockStore) RecordHeartbeat(_ context.Context, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats[tenantID] = at
	return nil
}

func (m *MockStore) GetHeartbeat(_ context.Context, tenantID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.heartbeats[tenantID], nil
}

func (m *MockStore) TouchActivity(_ context.Context, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity[tenantID] = at
	return nil
}

func (m *MockStore) GetActivity(_ context.Context, tenantID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activity[tenantID], nil
}
