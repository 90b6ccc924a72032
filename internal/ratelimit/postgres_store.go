package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists rate limit configs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the rate_limit_configs table. For development and tests;
// production uses the migrations directory.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_configs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			limit_type TEXT NOT NULL,
			requests_per_window INTEGER NOT NULL,
			window_seconds INTEGER NOT NULL,
			burst_size INTEGER NOT NULL DEFAULT 0,
			block_duration_seconds INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			allowed_ips TEXT[] NOT NULL DEFAULT '{}',
			denied_ips TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, limit_type)
		)
	`)
	return err
}

const limitColumns = `id, tenant_id, limit_type, requests_per_window, window_seconds, burst_size, block_duration_seconds, enabled, allowed_ips, denied_ips, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *LimitConfig) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rate_limit_configs (`+limitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, string(c.LimitType), c.RequestsPerWindow, c.WindowSeconds,
		c.BurstSize, c.BlockDurationSeconds, c.Enabled, pq.Array(c.AllowedIPs),
		pq.Array(c.DeniedIPs), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateConfig
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, c *LimitConfig) error {
	c.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE rate_limit_configs SET
			requests_per_window = $1, window_seconds = $2, burst_size = $3,
			block_duration_seconds = $4, enabled = $5, allowed_ips = $6,
			denied_ips = $7, updated_at = $8
		WHERE id = $9`,
		c.RequestsPerWindow, c.WindowSeconds, c.BurstSize, c.BlockDurationSeconds,
		c.Enabled, pq.Array(c.AllowedIPs), pq.Array(c.DeniedIPs), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*LimitConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+limitColumns+` FROM rate_limit_configs WHERE id = $1`, id)
	return scanLimitConfig(row)
}

func (p *PostgresStore) GetFor(ctx context.Context, tenantID string, lt LimitType) (*LimitConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+limitColumns+` FROM rate_limit_configs WHERE tenant_id = $1 AND limit_type = $2`,
		tenantID, string(lt))
	return scanLimitConfig(row)
}

func (p *PostgresStore) List(ctx context.Context, tenantID string) ([]*LimitConfig, error) {
	query := `SELECT ` + limitColumns + ` FROM rate_limit_configs`
	var args []any
	if tenantID != "*" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, limit_type`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LimitConfig
	for rows.Next() {
		c, err := scanLimitConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rate_limit_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConfigNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLimitConfig(row rowScanner) (*LimitConfig, error) {
	var c LimitConfig
	var lt string
	var allowed, denied pq.StringArray
	err := row.Scan(&c.ID, &c.TenantID, &lt, &c.RequestsPerWindow, &c.WindowSeconds,
		&c.BurstSize, &c.BlockDurationSeconds, &c.Enabled, &allowed, &denied,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	c.LimitType = LimitType(lt)
	c.AllowedIPs = allowed
	c.DeniedIPs = denied
	return &c, nil
}

var _ Store = (*PostgresStore)(nil)
