package tenantdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchardhq/orchard/internal/tenant"
)

// memDatabase is the in-memory stand-in for one tenant database.
type memDatabase struct {
	migrated   bool
	version    int64
	seeded     bool
	plan       tenant.Plan
	adminEmail string
	usage      map[tenant.QuotaType]int64
	flushed    map[FlushKind]int
}

// MemoryManager implements Manager without a PostgreSQL cluster. It backs the
// in-memory server mode and the provisioning and purge tests; the Fail* fields
// inject step failures.
type MemoryManager struct {
	mu        sync.RWMutex
	databases map[string]*memDatabase
	prefix    string

	FailCreate  error
	FailMigrate error
	FailSeed    error
	FailAdmin   error
	FailDrop    error
	FailUsage   error
}

func NewMemoryManager(prefix string) *MemoryManager {
	return &MemoryManager{
		databases: make(map[string]*memDatabase),
		prefix:    prefix,
	}
}

func (m *MemoryManager) DatabaseName(tenantID string) string {
	return m.prefix + NormalizeID(tenantID)
}

func (m *MemoryManager) DatabaseExists(ctx context.Context, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.databases[tenantID]
	return ok, nil
}

func (m *MemoryManager) CreateDatabase(ctx context.Context, tenantID string) error {
	if m.FailCreate != nil {
		return m.FailCreate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.databases[tenantID]; ok {
		return nil
	}
	m.databases[tenantID] = &memDatabase{
		usage:   make(map[tenant.QuotaType]int64),
		flushed: make(map[FlushKind]int),
	}
	return nil
}

func (m *MemoryManager) DropDatabase(ctx context.Context, tenantID string) error {
	if m.FailDrop != nil {
		return m.FailDrop
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.databases, tenantID)
	return nil
}

func (m *MemoryManager) Migrate(ctx context.Context, tenantID string) error {
	if m.FailMigrate != nil {
		return m.FailMigrate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return ErrDatabaseMissing
	}
	db.migrated = true
	db.version = 1
	return nil
}

func (m *MemoryManager) Rollback(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return ErrDatabaseMissing
	}
	if db.version > 0 {
		db.version--
	}
	db.migrated = db.version > 0
	return nil
}

func (m *MemoryManager) MigrationVersion(ctx context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return 0, ErrDatabaseMissing
	}
	return db.version, nil
}

func (m *MemoryManager) Seed(ctx context.Context, tenantID string, plan tenant.Plan) error {
	if m.FailSeed != nil {
		return m.FailSeed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return ErrDatabaseMissing
	}
	db.seeded = true
	db.plan = plan
	return nil
}

func (m *MemoryManager) EnsureAdminUser(ctx context.Context, tenantID, email, name string) error {
	if m.FailAdmin != nil {
		return m.FailAdmin
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return ErrDatabaseMissing
	}
	if db.adminEmail == "" {
		db.adminEmail = email
	}
	return nil
}

func (m *MemoryManager) AdminUserExists(ctx context.Context, tenantID, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return false, ErrDatabaseMissing
	}
	return db.adminEmail != "", nil
}

func (m *MemoryManager) Usage(ctx context.Context, tenantID string, qt tenant.QuotaType) (int64, error) {
	if m.FailUsage != nil {
		return 0, m.FailUsage
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return 0, ErrDatabaseMissing
	}
	return db.usage[qt], nil
}

func (m *MemoryManager) Flush(ctx context.Context, tenantID string, kinds []FlushKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return ErrDatabaseMissing
	}
	for _, kind := range kinds {
		switch kind {
		case FlushCache, FlushSessions, FlushViews, FlushConfig:
			db.flushed[kind]++
		default:
			return fmt.Errorf("tenantdb: unknown flush kind %q", kind)
		}
	}
	return nil
}

func (m *MemoryManager) Ping(ctx context.Context, tenantID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.databases[tenantID]; !ok {
		return ErrDatabaseMissing
	}
	return nil
}

// SetUsage primes a usage counter, for tests and the in-memory server mode.
func (m *MemoryManager) SetUsage(tenantID string, qt tenant.QuotaType, v int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[tenantID]
	if !ok {
		db = &memDatabase{usage: make(map[tenant.QuotaType]int64), flushed: make(map[FlushKind]int)}
		m.databases[tenantID] = db
	}
	db.usage[qt] = v
}

// Migrated reports whether the tenant database has its schema applied.
func (m *MemoryManager) Migrated(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[tenantID]
	return ok && db.migrated
}

// Seeded reports whether default data was installed.
func (m *MemoryManager) Seeded(tenantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[tenantID]
	return ok && db.seeded
}

// FlushCount reports how many times a flush kind ran against a tenant.
func (m *MemoryManager) FlushCount(tenantID string, kind FlushKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[tenantID]
	if !ok {
		return 0
	}
	return db.flushed[kind]
}

var _ Manager = (*MemoryManager)(nil)
