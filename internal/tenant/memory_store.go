package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant  // by ID
	slugs   map[string]string   // slug → ID
	domains map[string]*Domain  // domain string → record
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		slugs:   make(map[string]string),
		domains: make(map[string]*Domain),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.slugs[t.Slug]; exists {
		return ErrSlugTaken
	}

	cp := cloneTenant(t)
	m.tenants[t.ID] = cp
	m.slugs[t.Slug] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return cloneTenant(t), nil
}

func (m *MemoryStore) GetBySlug(_ context.Context, slug string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.slugs[slug]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return cloneTenant(m.tenants[id]), nil
}

func (m *MemoryStore) GetByDomain(_ context.Context, domain string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.domains[strings.ToLower(domain)]
	if !ok {
		return nil, ErrTenantNotFound
	}
	t, ok := m.tenants[d.TenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return cloneTenant(t), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	if cur.DeletedAt != nil {
		return ErrTenantDeleted
	}
	cp := cloneTenant(t)
	cp.DeletedAt = nil // Update never flips the soft-delete marker
	m.tenants[t.ID] = cp
	return nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if !matchFilter(t, f) {
			continue
		}
		out = append(out, cloneTenant(t))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	// Apply cursor after sorting (keyset semantics).
	if !f.CursorCreatedAt.IsZero() {
		var trimmed []*Tenant
		for _, t := range out {
			if t.CreatedAt.After(f.CursorCreatedAt) ||
				(t.CreatedAt.Equal(f.CursorCreatedAt) && t.ID > f.CursorID) {
				trimmed = append(trimmed, t)
			}
		}
		out = trimmed
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchFilter(t *Tenant, f ListFilter) bool {
	if t.DeletedAt != nil && !f.IncludeDeleted {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

func (m *MemoryStore) ClaimProvisioning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	if t.DeletedAt != nil {
		return ErrTenantDeleted
	}
	switch t.Status {
	case StatusPending, StatusFailed:
		t.Status = StatusProvisioning
		t.UpdatedAt = time.Now()
		return nil
	case StatusProvisioning:
		return ErrAlreadyProvisioning
	default:
		return ErrNotProvisionable
	}
}

func (m *MemoryStore) SoftDelete(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	if t.DeletedAt != nil {
		return ErrTenantDeleted
	}
	deletedAt := at
	t.DeletedAt = &deletedAt
	t.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Restore(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	if t.DeletedAt == nil {
		return ErrNotDeleted
	}
	t.DeletedAt = nil
	t.Status = StatusSuspended // restored tenants need explicit reactivation
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ForceDelete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	delete(m.tenants, id)
	delete(m.slugs, t.Slug)
	for dom, d := range m.domains {
		if d.TenantID == id {
			delete(m.domains, dom)
		}
	}
	return nil
}

func (m *MemoryStore) ListSoftDeletedBefore(_ context.Context, cutoff time.Time) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if t.DeletedAt != nil && !t.DeletedAt.After(cutoff) {
			out = append(out, cloneTenant(t))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListFailedBefore(_ context.Context, cutoff time.Time) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if t.DeletedAt == nil && t.Status == StatusFailed && t.UpdatedAt.Before(cutoff) {
			out = append(out, cloneTenant(t))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) ListAbandonedBefore(_ context.Context, cutoff time.Time) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Tenant
	for _, t := range m.tenants {
		if t.DeletedAt != nil || t.Status != StatusPending || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if m.domainCountLocked(t.ID) == 0 {
			out = append(out, cloneTenant(t))
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemoryStore) AddDomain(_ context.Context, d *Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(d.Domain)
	if _, exists := m.domains[key]; exists {
		return ErrDomainTaken
	}
	if _, ok := m.tenants[d.TenantID]; !ok {
		return ErrTenantNotFound
	}
	cp := *d
	cp.Domain = key
	m.domains[key] = &cp
	return nil
}

func (m *MemoryStore) ListDomains(_ context.Context, tenantID string) ([]*Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Domain
	for _, d := range m.domains {
		if d.TenantID == tenantID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (m *MemoryStore) DeleteDomains(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for dom, d := range m.domains {
		if d.TenantID == tenantID {
			delete(m.domains, dom)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) domainCountLocked(tenantID string) int {
	n := 0
	for _, d := range m.domains {
		if d.TenantID == tenantID {
			n++
		}
	}
	return n
}

func sortByCreated(ts []*Tenant) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].CreatedAt.Before(ts[j].CreatedAt) })
}

func cloneTenant(t *Tenant) *Tenant {
	cp := *t
	if t.DeletedAt != nil {
		at := *t.DeletedAt
		cp.DeletedAt = &at
	}
	if t.Config.Overrides != nil {
		cp.Config.Overrides = make(map[QuotaType]int64, len(t.Config.Overrides))
		for k, v := range t.Config.Overrides {
			cp.Config.Overrides[k] = v
		}
	}
	if t.Config.Features != nil {
		cp.Config.Features = append([]string(nil), t.Config.Features...)
	}
	if t.Config.LastError != nil {
		le := *t.Config.LastError
		cp.Config.LastError = &le
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
