// Package tenant provides the tenant registry for the Orchard control plane.
// All other components read and mutate tenant state through its Store.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound      = errors.New("tenant: not found")
	ErrSlugTaken           = errors.New("tenant: slug already taken")
	ErrDomainTaken         = errors.New("tenant: domain already bound")
	ErrTenantDeleted       = errors.New("tenant: soft-deleted tenants are immutable")
	ErrNotDeleted          = errors.New("tenant: not soft-deleted")
	ErrAlreadyProvisioning = errors.New("tenant: provisioning already in progress")
	ErrNotProvisionable    = errors.New("tenant: not in a provisionable state")
	ErrUnknownPlan         = errors.New("tenant: unknown plan")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusFailed       Status = "failed"
	StatusArchived     Status = "archived"
)

// ValidStatus returns true if the status is recognised.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusActive, StatusSuspended, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// QuotaType identifies a consumption quota.
type QuotaType string

const (
	QuotaUsers     QuotaType = "users"
	QuotaStorage   QuotaType = "storage"
	QuotaAPICalls  QuotaType = "api_calls"
	QuotaEmployees QuotaType = "employees"
	QuotaProjects  QuotaType = "projects"
)

// QuotaTypes lists every configured quota type, in display order.
var QuotaTypes = []QuotaType{QuotaUsers, QuotaStorage, QuotaAPICalls, QuotaEmployees, QuotaProjects}

// ValidQuotaType returns true if the quota type is recognised.
func ValidQuotaType(qt QuotaType) bool {
	for _, t := range QuotaTypes {
		if t == qt {
			return true
		}
	}
	return false
}

// Unlimited is the sentinel limit meaning "no ceiling".
const Unlimited int64 = -1

// StepError records the provisioning step that failed and why.
type StepError struct {
	Step    string    `json:"step"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *StepError) Error() string { return e.Step + ": " + e.Message }

// Config is the tenant's typed configuration document, persisted as JSONB.
// Overrides hold absolute per-quota limit overrides (Unlimited = no ceiling);
// LastError is the most recent provisioning failure, cleared on success.
type Config struct {
	Overrides map[QuotaType]int64 `json:"quotaOverrides,omitempty"`
	Features  []string            `json:"features,omitempty"`
	LastError *StepError          `json:"provisioningError,omitempty"`
}

// Override returns the absolute limit override for a quota type, if set.
func (c *Config) Override(qt QuotaType) (int64, bool) {
	if c.Overrides == nil {
		return 0, false
	}
	v, ok := c.Overrides[qt]
	return v, ok
}

// SetOverride records an absolute limit override for a quota type.
func (c *Config) SetOverride(qt QuotaType, limit int64) {
	if c.Overrides == nil {
		c.Overrides = make(map[QuotaType]int64)
	}
	c.Overrides[qt] = limit
}

// ClearOverride removes the override for one quota type.
func (c *Config) ClearOverride(qt QuotaType) {
	delete(c.Overrides, qt)
}

// ClearOverrides removes every quota override.
func (c *Config) ClearOverrides() {
	c.Overrides = nil
}

// Tenant represents an isolated customer account with its own database and domains.
type Tenant struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Slug         string     `json:"slug"` // also the subdomain label
	Plan         Plan       `json:"plan"`
	Status       Status     `json:"status"`
	AdminEmail   string     `json:"adminEmail,omitempty"`
	DatabaseName string     `json:"databaseName,omitempty"` // set iff the tenant database has been created
	Config       Config     `json:"config"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"` // soft-delete marker; starts the retention clock
}

// SoftDeleted reports whether the tenant is in the retention window.
func (t *Tenant) SoftDeleted() bool {
	return t.DeletedAt != nil
}

// Provisionable reports whether the pipeline may claim this tenant.
func (t *Tenant) Provisionable() bool {
	return !t.SoftDeleted() && (t.Status == StatusPending || t.Status == StatusFailed)
}

// Domain binds a hostname to a tenant. Domain strings are globally unique.
type Domain struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Domain    string    `json:"domain"`
	IsPrimary bool      `json:"isPrimary"`
	CreatedAt time.Time `json:"createdAt"`
}
