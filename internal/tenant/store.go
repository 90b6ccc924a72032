package tenant

import (
	"context"
	"time"
)

// ListFilter narrows and paginates tenant listings.
type ListFilter struct {
	Status          Status // empty = any status
	IncludeDeleted  bool
	CursorCreatedAt time.Time // exclusive lower bound, paired with CursorID
	CursorID        string
	Limit           int // 0 = no limit
}

// Store persists tenant and domain records. It is the single source of truth
// for tenant state; the pipeline, dispatcher, enforcement engine, and purge
// scheduler all go through it.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	GetByDomain(ctx context.Context, domain string) (*Tenant, error)
	// Update persists tenant fields. It refuses to touch soft-deleted rows;
	// only Restore and ForceDelete may act on those.
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context, f ListFilter) ([]*Tenant, error)

	// ClaimProvisioning atomically moves a pending or failed tenant into
	// provisioning. It is a compare-and-set, not read-then-write: concurrent
	// claims on the same tenant see ErrAlreadyProvisioning.
	ClaimProvisioning(ctx context.Context, id string) error

	SoftDelete(ctx context.Context, id string, at time.Time) error
	Restore(ctx context.Context, id string) error
	// ForceDelete permanently removes the tenant row and its domains,
	// bypassing the soft-delete guard. Purge Scheduler only.
	ForceDelete(ctx context.Context, id string) error

	// Purge/cleanup eligibility listings.
	ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]*Tenant, error)
	ListFailedBefore(ctx context.Context, cutoff time.Time) ([]*Tenant, error)
	// ListAbandonedBefore returns pending tenants with no bound domains whose
	// last activity predates the cutoff.
	ListAbandonedBefore(ctx context.Context, cutoff time.Time) ([]*Tenant, error)

	AddDomain(ctx context.Context, d *Domain) error
	ListDomains(ctx context.Context, tenantID string) ([]*Domain, error)
	DeleteDomains(ctx context.Context, tenantID string) (int, error)
}
