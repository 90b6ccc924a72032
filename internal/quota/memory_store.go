package quota

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/orchardhq/orchard/internal/tenant"
)

// MemorySettingsStore is the in-memory SettingsStore for tests and single-node use.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]*Setting // key: tenantID|quotaType
}

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[string]*Setting)}
}

func settingKey(tenantID string, qt tenant.QuotaType) string {
	return tenantID + "|" + string(qt)
}

func (m *MemorySettingsStore) Upsert(_ context.Context, s *Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := settingKey(s.TenantID, s.QuotaType)
	now := time.Now()
	if existing, ok := m.settings[key]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	m.settings[key] = &cp
	return nil
}

func (m *MemorySettingsStore) Get(_ context.Context, tenantID string, qt tenant.QuotaType) (*Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.settings[settingKey(tenantID, qt)]
	if !ok {
		return nil, ErrSettingNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySettingsStore) List(_ context.Context, tenantID string) ([]*Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Setting
	for _, s := range m.settings {
		if s.TenantID == tenantID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuotaType < out[j].QuotaType })
	return out, nil
}

func (m *MemorySettingsStore) Delete(_ context.Context, tenantID string, qt tenant.QuotaType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := settingKey(tenantID, qt)
	if _, ok := m.settings[key]; !ok {
		return ErrSettingNotFound
	}
	delete(m.settings, key)
	return nil
}

// MemoryWarningStore is the in-memory WarningStore.
type MemoryWarningStore struct {
	mu       sync.RWMutex
	warnings map[string]*Warning
}

func NewMemoryWarningStore() *MemoryWarningStore {
	return &MemoryWarningStore{warnings: make(map[string]*Warning)}
}

func (m *MemoryWarningStore) Create(_ context.Context, w *Warning) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	cp := *w
	m.warnings[w.ID] = &cp
	return nil
}

func (m *MemoryWarningStore) Get(_ context.Context, id string) (*Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.warnings[id]
	if !ok {
		return nil, ErrWarningNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryWarningStore) List(_ context.Context, tenantID string, includeDismissed bool) ([]*Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Warning
	for _, w := range m.warnings {
		if tenantID != "" && w.TenantID != tenantID {
			continue
		}
		if !includeDismissed && w.Dismissed() {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryWarningStore) LatestActive(_ context.Context, tenantID string, qt tenant.QuotaType, level State) (*Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Warning
	for _, w := range m.warnings {
		if w.TenantID != tenantID || w.QuotaType != qt || w.Level != level || w.Dismissed() {
			continue
		}
		if latest == nil || w.CreatedAt.After(latest.CreatedAt) {
			latest = w
		}
	}
	if latest == nil {
		return nil, ErrWarningNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryWarningStore) Dismiss(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.warnings[id]
	if !ok {
		return ErrWarningNotFound
	}
	if w.DismissedAt == nil {
		w.DismissedAt = &at
	}
	return nil
}

var (
	_ SettingsStore = (*MemorySettingsStore)(nil)
	_ WarningStore  = (*MemoryWarningStore)(nil)
)
