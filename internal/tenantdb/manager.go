// Package tenantdb manages the lifecycle of per-tenant databases: creation,
// schema migration, seeding, usage measurement, and teardown. Connections to a
// tenant database are scoped resources: acquired for one operation and released
// on every exit path, never stored process-wide.
package tenantdb

import (
	"context"
	"errors"
	"strings"

	"github.com/orchardhq/orchard/internal/tenant"
)

// Errors
var (
	ErrDatabaseMissing = errors.New("tenantdb: tenant database does not exist")
)

// FlushKind selects which per-tenant cached state Flush clears.
type FlushKind string

const (
	FlushCache    FlushKind = "cache"
	FlushSessions FlushKind = "sessions"
	FlushViews    FlushKind = "views"
	FlushConfig   FlushKind = "config"
)

// AllFlushKinds lists every flushable kind.
var AllFlushKinds = []FlushKind{FlushCache, FlushSessions, FlushViews, FlushConfig}

// Manager provisions and tears down tenant databases. Implementations must be
// safe for concurrent use across tenants.
type Manager interface {
	// DatabaseName derives the deterministic database name for a tenant.
	DatabaseName(tenantID string) string
	DatabaseExists(ctx context.Context, tenantID string) (bool, error)
	// CreateDatabase creates the tenant database. A database left half-created
	// by a failure is dropped before the error is returned; re-creating an
	// existing database is a no-op.
	CreateDatabase(ctx context.Context, tenantID string) error
	// DropDatabase removes the tenant database, tolerating "already absent".
	DropDatabase(ctx context.Context, tenantID string) error
	// Migrate applies all pending schema migrations to the tenant database.
	Migrate(ctx context.Context, tenantID string) error
	// Rollback reverts the most recent migration.
	Rollback(ctx context.Context, tenantID string) error
	MigrationVersion(ctx context.Context, tenantID string) (int64, error)
	// Seed installs default/reference data. Safe to re-run.
	Seed(ctx context.Context, tenantID string, plan tenant.Plan) error
	// EnsureAdminUser creates the tenant's initial administrator if absent.
	EnsureAdminUser(ctx context.Context, tenantID, email, name string) error
	AdminUserExists(ctx context.Context, tenantID, email string) (bool, error)
	// Usage measures current consumption of one quota type.
	Usage(ctx context.Context, tenantID string, qt tenant.QuotaType) (int64, error)
	// Flush clears cached per-tenant state of the given kinds.
	Flush(ctx context.Context, tenantID string, kinds []FlushKind) error
	Ping(ctx context.Context, tenantID string) error
}

// NormalizeID turns a tenant ID into a database-name-safe suffix.
func NormalizeID(tenantID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, tenantID)
}
