package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, name, slug, plan, status, admin_email, database_name, config, created_at, updated_at, deleted_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, slug, plan, status, admin_email, database_name, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Slug, string(t.Plan), string(t.Status), t.AdminEmail, t.DatabaseName,
		configJSON, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSlugTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
}

func (p *PostgresStore) GetByDomain(ctx context.Context, domain string) (*Tenant, error) {
	return p.scanTenant(p.db.QueryRowContext(ctx, `
		SELECT `+prefixedTenantColumns("t")+` FROM tenants t
		JOIN tenant_domains d ON d.tenant_id = t.id
		WHERE d.domain = LOWER($1)`, domain))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, plan = $2, status = $3, admin_email = $4,
			database_name = $5, config = $6, updated_at = $7
		WHERE id = $8 AND deleted_at IS NULL`,
		t.Name, string(t.Plan), string(t.Status), t.AdminEmail,
		t.DatabaseName, configJSON, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing from soft-deleted for the caller.
		if _, getErr := p.Get(ctx, t.ID); getErr == nil {
			return ErrTenantDeleted
		}
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if !f.CursorCreatedAt.IsZero() {
		query += ` AND (created_at, id) > (` + arg(f.CursorCreatedAt) + `, ` + arg(f.CursorID) + `)`
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return p.scanTenants(rows)
}

// ClaimProvisioning is the advisory lock: a single UPDATE with a status guard,
// so two concurrent claims can never both proceed.
func (p *PostgresStore) ClaimProvisioning(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET status = $1, updated_at = NOW()
		WHERE id = $2 AND deleted_at IS NULL AND status IN ($3, $4)`,
		string(StatusProvisioning), id, string(StatusPending), string(StatusFailed),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	t, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case t.SoftDeleted():
		return ErrTenantDeleted
	case t.Status == StatusProvisioning:
		return ErrAlreadyProvisioning
	default:
		return ErrNotProvisionable
	}
}

func (p *PostgresStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET deleted_at = $1, updated_at = $1
		WHERE id = $2 AND deleted_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr == nil {
			return ErrTenantDeleted
		}
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) Restore(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET deleted_at = NULL, status = $1, updated_at = NOW()
		WHERE id = $2 AND deleted_at IS NOT NULL`, string(StatusSuspended), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, id); getErr == nil {
			return ErrNotDeleted
		}
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) ForceDelete(ctx context.Context, id string) error {
	// tenant_domains rows go with the tenant via ON DELETE CASCADE.
	result, err := p.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *PostgresStore) ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE deleted_at IS NOT NULL AND deleted_at <= $1
		ORDER BY deleted_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return p.scanTenants(rows)
}

func (p *PostgresStore) ListFailedBefore(ctx context.Context, cutoff time.Time) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE deleted_at IS NULL AND status = $1 AND updated_at < $2
		ORDER BY updated_at`, string(StatusFailed), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return p.scanTenants(rows)
}

func (p *PostgresStore) ListAbandonedBefore(ctx context.Context, cutoff time.Time) ([]*Tenant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants t
		WHERE deleted_at IS NULL AND status = $1 AND updated_at < $2
		  AND NOT EXISTS (SELECT 1 FROM tenant_domains d WHERE d.tenant_id = t.id)
		ORDER BY updated_at`, string(StatusPending), cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return p.scanTenants(rows)
}

func (p *PostgresStore) AddDomain(ctx context.Context, d *Domain) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenant_domains (id, tenant_id, domain, is_primary, created_at)
		VALUES ($1, $2, LOWER($3), $4, $5)`,
		d.ID, d.TenantID, d.Domain, d.IsPrimary, d.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Code {
			case "23505":
				return ErrDomainTaken
			case "23503":
				return ErrTenantNotFound
			}
		}
		return err
	}
	return nil
}

func (p *PostgresStore) ListDomains(ctx context.Context, tenantID string) ([]*Domain, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, domain, is_primary, created_at
		FROM tenant_domains WHERE tenant_id = $1 ORDER BY domain`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Domain
	for rows.Next() {
		d := &Domain{}
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Domain, &d.IsPrimary, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteDomains(ctx context.Context, tenantID string) (int, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM tenant_domains WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresStore) scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		plan, status string
		adminEmail   sql.NullString
		dbName       sql.NullString
		configJSON   []byte
		deletedAt    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &plan, &status, &adminEmail, &dbName,
		&configJSON, &t.CreatedAt, &t.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Plan = Plan(plan)
	t.Status = Status(status)
	if adminEmail.Valid {
		t.AdminEmail = adminEmail.String
	}
	if dbName.Valid {
		t.DatabaseName = dbName.String
	}
	if deletedAt.Valid {
		at := deletedAt.Time
		t.DeletedAt = &at
	}
	if len(configJSON) > 0 {
		_ = json.Unmarshal(configJSON, &t.Config)
	}
	return t, nil
}

func (p *PostgresStore) scanTenants(rows *sql.Rows) ([]*Tenant, error) {
	var out []*Tenant
	for rows.Next() {
		t, err := p.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func prefixedTenantColumns(alias string) string {
	return alias + `.id, ` + alias + `.name, ` + alias + `.slug, ` + alias + `.plan, ` +
		alias + `.status, ` + alias + `.admin_email, ` + alias + `.database_name, ` +
		alias + `.config, ` + alias + `.created_at, ` + alias + `.updated_at, ` + alias + `.deleted_at`
}

// Migrate creates the tenant tables (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenants (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			slug          TEXT NOT NULL UNIQUE,
			plan          TEXT NOT NULL DEFAULT 'free',
			status        TEXT NOT NULL DEFAULT 'pending',
			admin_email   TEXT,
			database_name TEXT,
			config        JSONB NOT NULL DEFAULT '{}',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			deleted_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_tenants_status ON tenants(status);
		CREATE INDEX IF NOT EXISTS idx_tenants_deleted_at ON tenants(deleted_at) WHERE deleted_at IS NOT NULL;
		CREATE TABLE IF NOT EXISTS tenant_domains (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			domain     TEXT NOT NULL UNIQUE,
			is_primary BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tenant_domains_tenant ON tenant_domains(tenant_id);
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
