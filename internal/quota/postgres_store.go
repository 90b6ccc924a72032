package quota

import (
	"context"
	"database/sql"
	"time"

	"github.com/orchardhq/orchard/internal/tenant"
)

// PostgresSettingsStore persists enforcement settings in PostgreSQL.
type PostgresSettingsStore struct {
	db *sql.DB
}

func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

// Migrate creates the quota_settings table. For development and tests;
// production uses the migrations directory.
func (p *PostgresSettingsStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_settings (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			quota_type TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			warn_percent INTEGER NOT NULL,
			critical_percent INTEGER NOT NULL,
			block_percent INTEGER NOT NULL,
			renotify_days INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, quota_type)
		)
	`)
	return err
}

func (p *PostgresSettingsStore) Upsert(ctx context.Context, s *Setting) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO quota_settings (id, tenant_id, quota_type, enabled, warn_percent, critical_percent, block_percent, renotify_days, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, quota_type) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			warn_percent = EXCLUDED.warn_percent,
			critical_percent = EXCLUDED.critical_percent,
			block_percent = EXCLUDED.block_percent,
			renotify_days = EXCLUDED.renotify_days,
			updated_at = EXCLUDED.updated_at`,
		s.ID, s.TenantID, string(s.QuotaType), s.Enabled, s.WarnPercent, s.CriticalPercent,
		s.BlockPercent, s.RenotifyDays, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresSettingsStore) Get(ctx context.Context, tenantID string, qt tenant.QuotaType) (*Setting, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, quota_type, enabled, warn_percent, critical_percent, block_percent, renotify_days, created_at, updated_at
		FROM quota_settings WHERE tenant_id = $1 AND quota_type = $2`,
		tenantID, string(qt))
	return scanSetting(row)
}

func (p *PostgresSettingsStore) List(ctx context.Context, tenantID string) ([]*Setting, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, quota_type, enabled, warn_percent, critical_percent, block_percent, renotify_days, created_at, updated_at
		FROM quota_settings WHERE tenant_id = $1 ORDER BY quota_type`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSettingsStore) Delete(ctx context.Context, tenantID string, qt tenant.QuotaType) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM quota_settings WHERE tenant_id = $1 AND quota_type = $2`,
		tenantID, string(qt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSettingNotFound
	}
	return nil
}

func scanSetting(row rowScanner) (*Setting, error) {
	var s Setting
	var qt string
	err := row.Scan(&s.ID, &s.TenantID, &qt, &s.Enabled, &s.WarnPercent, &s.CriticalPercent,
		&s.BlockPercent, &s.RenotifyDays, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSettingNotFound
	}
	if err != nil {
		return nil, err
	}
	s.QuotaType = tenant.QuotaType(qt)
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresWarningStore persists quota warnings in PostgreSQL.
type PostgresWarningStore struct {
	db *sql.DB
}

func NewPostgresWarningStore(db *sql.DB) *PostgresWarningStore {
	return &PostgresWarningStore{db: db}
}

// Migrate creates the quota_warnings table. For development and tests.
func (p *PostgresWarningStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_warnings (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			quota_type TEXT NOT NULL,
			level TEXT NOT NULL,
			state TEXT NOT NULL,
			usage_value BIGINT NOT NULL,
			limit_value BIGINT NOT NULL,
			percent INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dismissed_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_quota_warnings_tenant ON quota_warnings(tenant_id, quota_type, level, created_at DESC)
	`)
	return err
}

func (p *PostgresWarningStore) Create(ctx context.Context, w *Warning) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO quota_warnings (id, tenant_id, quota_type, level, state, usage_value, limit_value, percent, created_at, dismissed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.TenantID, string(w.QuotaType), string(w.Level), string(w.State), w.Usage, w.Limit,
		w.Percent, w.CreatedAt, w.DismissedAt)
	return err
}

func (p *PostgresWarningStore) Get(ctx context.Context, id string) (*Warning, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, quota_type, level, state, usage_value, limit_value, percent, created_at, dismissed_at
		FROM quota_warnings WHERE id = $1`, id)
	return scanWarning(row)
}

func (p *PostgresWarningStore) List(ctx context.Context, tenantID string, includeDismissed bool) ([]*Warning, error) {
	query := `
		SELECT id, tenant_id, quota_type, level, state, usage_value, limit_value, percent, created_at, dismissed_at
		FROM quota_warnings WHERE 1=1`
	var args []any
	if tenantID != "" {
		args = append(args, tenantID)
		query += ` AND tenant_id = $1`
	}
	if !includeDismissed {
		query += ` AND dismissed_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Warning
	for rows.Next() {
		w, err := scanWarning(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresWarningStore) LatestActive(ctx context.Context, tenantID string, qt tenant.QuotaType, level State) (*Warning, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, quota_type, level, state, usage_value, limit_value, percent, created_at, dismissed_at
		FROM quota_warnings
		WHERE tenant_id = $1 AND quota_type = $2 AND level = $3 AND dismissed_at IS NULL
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, string(qt), string(level))
	return scanWarning(row)
}

func (p *PostgresWarningStore) Dismiss(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE quota_warnings SET dismissed_at = $1 WHERE id = $2 AND dismissed_at IS NULL`,
		at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already dismissed; dismissing twice is fine.
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

func scanWarning(row rowScanner) (*Warning, error) {
	var w Warning
	var qt, level, state string
	err := row.Scan(&w.ID, &w.TenantID, &qt, &level, &state, &w.Usage, &w.Limit, &w.Percent,
		&w.CreatedAt, &w.DismissedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWarningNotFound
	}
	if err != nil {
		return nil, err
	}
	w.QuotaType = tenant.QuotaType(qt)
	w.Level = State(level)
	w.State = State(state)
	return &w, nil
}

var (
	_ SettingsStore = (*PostgresSettingsStore)(nil)
	_ WarningStore  = (*PostgresWarningStore)(nil)
)
