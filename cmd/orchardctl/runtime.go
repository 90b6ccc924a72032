package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/orchardhq/orchard/internal/config"
	"github.com/orchardhq/orchard/internal/logging"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/provision"
	"github.com/orchardhq/orchard/internal/purge"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
)

// runtime bundles the stores and services a CLI command needs, built the
// same way the server builds them.
type runtime struct {
	cfg     *config.Config
	tenants tenant.Store
	dbm     tenantdb.Manager
	db      *sql.DB
}

func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New("warn", "text")
	r := &runtime{cfg: cfg}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(5)
		db.SetConnMaxLifetime(time.Minute)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		store := tenant.NewPostgresStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate tenant store: %w", err)
		}
		r.db = db
		r.tenants = store
		r.dbm = tenantdb.NewPostgres(db, cfg.DatabaseURL, cfg.TenantDBPrefix, logger)
	} else {
		r.tenants = tenant.NewMemoryStore()
		r.dbm = tenantdb.NewMemoryManager(cfg.TenantDBPrefix)
	}
	return r, nil
}

func (r *runtime) Close() {
	if r.db != nil {
		_ = r.db.Close()
	}
}

func (r *runtime) notifier() notify.Notifier {
	logger := logging.New("warn", "text")
	if r.cfg.NotifyWebhookURL != "" {
		return notify.NewWebhook(r.cfg.NotifyWebhookURL, r.cfg.NotifyWebhookSecret, logger)
	}
	return notify.Nop{}
}

func (r *runtime) pipeline() *provision.Pipeline {
	return provision.New(r.tenants, r.dbm, r.notifier(), r.cfg.BaseDomain, logging.New("info", "text"))
}

func (r *runtime) purger(opts purge.Options) *purge.Purger {
	return purge.New(r.tenants, r.dbm, r.notifier(), opts, logging.New("info", "text"))
}

// resolveTenant accepts either a tenant id or a slug.
func (r *runtime) resolveTenant(ctx context.Context, ref string) (*tenant.Tenant, error) {
	t, err := r.tenants.Get(ctx, ref)
	if err == nil {
		return t, nil
	}
	return r.tenants.GetBySlug(ctx, ref)
}
