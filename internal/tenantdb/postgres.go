package tenantdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/orchardhq/orchard/internal/tenant"
)

//go:embed migrations/*.sql
var tenantMigrations embed.FS

// gooseMu serialises access to goose's process-global configuration
// (SetBaseFS/SetDialect) across concurrent tenant migrations.
var gooseMu sync.Mutex

// Postgres manages tenant databases on a PostgreSQL cluster. The admin
// connection stays on the control-plane database; tenant connections are
// opened per operation and closed unconditionally.
type Postgres struct {
	admin  *sql.DB
	dsn    string // control-plane DSN, rewritten per tenant database
	prefix string
	logger *slog.Logger
}

// NewPostgres creates a Postgres tenant database manager.
func NewPostgres(admin *sql.DB, dsn, prefix string, logger *slog.Logger) *Postgres {
	return &Postgres{admin: admin, dsn: dsn, prefix: prefix, logger: logger}
}

// DatabaseName derives the deterministic database name for a tenant.
func (p *Postgres) DatabaseName(tenantID string) string {
	return p.prefix + NormalizeID(tenantID)
}

func (p *Postgres) DatabaseExists(ctx context.Context, tenantID string) (bool, error) {
	var one int
	err := p.admin.QueryRowContext(ctx,
		`SELECT 1 FROM pg_database WHERE datname = $1`, p.DatabaseName(tenantID)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) CreateDatabase(ctx context.Context, tenantID string) error {
	name := p.DatabaseName(tenantID)
	// CREATE DATABASE cannot run inside a transaction; identifiers cannot be
	// bound parameters, hence QuoteIdentifier.
	_, err := p.admin.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P04" {
			return nil // already exists: step re-run, safe no-op
		}
		return fmt.Errorf("create database %s: %w", name, err)
	}

	// Verify the fresh database is reachable. A database we created but
	// cannot use must not survive the failure.
	if err := p.Ping(ctx, tenantID); err != nil {
		if dropErr := p.DropDatabase(ctx, tenantID); dropErr != nil {
			p.logger.Error("failed to drop unusable tenant database",
				"database", name, "error", dropErr)
		}
		return fmt.Errorf("verify database %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) DropDatabase(ctx context.Context, tenantID string) error {
	name := p.DatabaseName(tenantID)

	// Kick lingering connections so DROP does not block. Best effort.
	_, _ = p.admin.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, name)

	if _, err := p.admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

func (p *Postgres) Migrate(ctx context.Context, tenantID string) error {
	return p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		gooseMu.Lock()
		defer gooseMu.Unlock()
		goose.SetBaseFS(tenantMigrations)
		defer goose.SetBaseFS(nil)
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		return goose.UpContext(ctx, db, "migrations")
	})
}

func (p *Postgres) Rollback(ctx context.Context, tenantID string) error {
	return p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		gooseMu.Lock()
		defer gooseMu.Unlock()
		goose.SetBaseFS(tenantMigrations)
		defer goose.SetBaseFS(nil)
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		return goose.DownContext(ctx, db, "migrations")
	})
}

func (p *Postgres) MigrationVersion(ctx context.Context, tenantID string) (int64, error) {
	var version int64
	err := p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		gooseMu.Lock()
		defer gooseMu.Unlock()
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	return version, err
}

func (p *Postgres) Seed(ctx context.Context, tenantID string, plan tenant.Plan) error {
	return p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		for _, role := range []string{"admin", "member", "viewer"} {
			if _, err := db.ExecContext(ctx, `
				INSERT INTO roles (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, role); err != nil {
				return fmt.Errorf("seed role %s: %w", role, err)
			}
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO app_settings (key, value) VALUES ('plan', $1)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, string(plan)); err != nil {
			return fmt.Errorf("seed settings: %w", err)
		}
		return nil
	})
}

func (p *Postgres) EnsureAdminUser(ctx context.Context, tenantID, email, name string) error {
	return p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (email, name, role, created_at)
			VALUES (LOWER($1), $2, 'admin', NOW())
			ON CONFLICT (email) DO NOTHING`, email, name)
		return err
	})
}

func (p *Postgres) AdminUserExists(ctx context.Context, tenantID, email string) (bool, error) {
	var exists bool
	err := p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		return db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM users WHERE email = LOWER($1) AND role = 'admin')`,
			email).Scan(&exists)
	})
	return exists, err
}

func (p *Postgres) Usage(ctx context.Context, tenantID string, qt tenant.QuotaType) (int64, error) {
	if qt == tenant.QuotaStorage {
		// Database size is visible from the admin connection.
		var bytes int64
		err := p.admin.QueryRowContext(ctx,
			`SELECT COALESCE(pg_database_size(datname), 0) FROM pg_database WHERE datname = $1`,
			p.DatabaseName(tenantID)).Scan(&bytes)
		if err == sql.ErrNoRows {
			return 0, ErrDatabaseMissing
		}
		if err != nil {
			return 0, err
		}
		return bytes / (1024 * 1024), nil // MB
	}

	var usage int64
	err := p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		var query string
		switch qt {
		case tenant.QuotaUsers:
			query = `SELECT COUNT(*) FROM users`
		case tenant.QuotaEmployees:
			query = `SELECT COUNT(*) FROM employees`
		case tenant.QuotaProjects:
			query = `SELECT COUNT(*) FROM projects`
		case tenant.QuotaAPICalls:
			query = `SELECT COALESCE(SUM(calls), 0) FROM api_usage
				WHERE window_start >= date_trunc('month', NOW())`
		default:
			return fmt.Errorf("tenantdb: unknown quota type %q", qt)
		}
		return db.QueryRowContext(ctx, query).Scan(&usage)
	})
	return usage, err
}

func (p *Postgres) Flush(ctx context.Context, tenantID string, kinds []FlushKind) error {
	return p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		for _, kind := range kinds {
			var err error
			switch kind {
			case FlushSessions:
				_, err = db.ExecContext(ctx, `DELETE FROM sessions`)
			case FlushCache:
				_, err = db.ExecContext(ctx, `DELETE FROM cache_entries WHERE kind = 'data'`)
			case FlushViews:
				_, err = db.ExecContext(ctx, `DELETE FROM cache_entries WHERE kind = 'view'`)
			case FlushConfig:
				_, err = db.ExecContext(ctx, `DELETE FROM cache_entries WHERE kind = 'config'`)
			default:
				err = fmt.Errorf("tenantdb: unknown flush kind %q", kind)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) Ping(ctx context.Context, tenantID string) error {
	return p.WithTenant(ctx, tenantID, func(db *sql.DB) error {
		return db.PingContext(ctx)
	})
}

// WithTenant opens a connection to the tenant's database, runs fn, and closes
// the connection on every exit path. Callers never hold a tenant connection
// outside fn; there is no ambient "current tenant" state to leak.
func (p *Postgres) WithTenant(ctx context.Context, tenantID string, fn func(db *sql.DB) error) (err error) {
	dsn, err := dsnWithDatabase(p.dsn, p.DatabaseName(tenantID))
	if err != nil {
		return err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open tenant database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(time.Minute)

	if pingErr := db.PingContext(ctx); pingErr != nil {
		if pqErr, ok := pingErr.(*pq.Error); ok && pqErr.Code == "3D000" {
			return ErrDatabaseMissing
		}
		return pingErr
	}
	return fn(db)
}

// dsnWithDatabase rewrites a PostgreSQL DSN to point at a different database.
// Handles both URL form (postgres://...) and key=value form.
func dsnWithDatabase(dsn, dbname string) (string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse DSN: %w", err)
		}
		u.Path = "/" + dbname
		return u.String(), nil
	}

	var parts []string
	replaced := false
	for _, field := range strings.Fields(dsn) {
		if strings.HasPrefix(field, "dbname=") {
			parts = append(parts, "dbname="+dbname)
			replaced = true
			continue
		}
		parts = append(parts, field)
	}
	if !replaced {
		parts = append(parts, "dbname="+dbname)
	}
	return strings.Join(parts, " "), nil
}

var _ Manager = (*Postgres)(nil)
