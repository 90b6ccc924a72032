package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*LimitConfig // by ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*LimitConfig)}
}

func cloneConfig(c *LimitConfig) *LimitConfig {
	cp := *c
	cp.AllowedIPs = append([]string(nil), c.AllowedIPs...)
	cp.DeniedIPs = append([]string(nil), c.DeniedIPs...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, c *LimitConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.configs {
		if existing.TenantID == c.TenantID && existing.LimitType == c.LimitType {
			return ErrDuplicateConfig
		}
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.configs[c.ID] = cloneConfig(c)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, c *LimitConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.configs[c.ID]
	if !ok {
		return ErrConfigNotFound
	}
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now()
	m.configs[c.ID] = cloneConfig(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*LimitConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[id]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return cloneConfig(c), nil
}

func (m *MemoryStore) GetFor(_ context.Context, tenantID string, lt LimitType) (*LimitConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.configs {
		if c.TenantID == tenantID && c.LimitType == lt {
			return cloneConfig(c), nil
		}
	}
	return nil, ErrConfigNotFound
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]*LimitConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*LimitConfig
	for _, c := range m.configs {
		if tenantID != "*" && c.TenantID != tenantID {
			continue
		}
		out = append(out, cloneConfig(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].LimitType < out[j].LimitType
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[id]; !ok {
		return ErrConfigNotFound
	}
	delete(m.configs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
