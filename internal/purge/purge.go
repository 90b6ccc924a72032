// Package purge implements the retention scheduler: permanently removing
// soft-deleted tenants whose retention window has lapsed, and cleaning up
// failed and abandoned registrations. A purge destroys the tenant database,
// its domain bindings, and finally the tenant record itself; the record goes
// last so a partial failure stays visible and retryable.
package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchardhq/orchard/internal/logging"
	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/syncutil"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
)

// ErrRetentionDisabled is returned when purge operations run with retention
// turned off.
var ErrRetentionDisabled = errors.New("purge: retention is disabled")

// Purge triggers, as recorded in metrics and notifications.
const (
	TriggerRetention = "retention"
	TriggerManual    = "manual"
	TriggerFailed    = "failed_cleanup"
	TriggerAbandoned = "abandoned_cleanup"
)

// Options configures retention and cleanup policy.
type Options struct {
	// Enabled gates all retention-driven purging. Off means soft-deleted
	// tenants are kept forever.
	Enabled bool
	// AutoPurge lets the background sweeper purge without operator action.
	// When false, expired tenants are only purged via the API with force.
	AutoPurge bool
	// Period is the retention window after soft deletion.
	Period time.Duration
	// FailedMaxAge is how long failed tenants linger before cleanup.
	FailedMaxAge time.Duration
	// AbandonedMaxAge is how long domain-less pending registrations linger.
	AbandonedMaxAge time.Duration
}

// ItemError records one tenant that could not be purged.
type ItemError struct {
	TenantID   string `json:"tenantId"`
	TenantName string `json:"tenantName,omitempty"`
	Error      string `json:"error"`
}

// Result aggregates one batch purge run.
type Result struct {
	DryRun    bool        `json:"dryRun"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	TenantIDs []string    `json:"tenantIds,omitempty"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Purger permanently removes tenants and their scoped resources.
type Purger struct {
	store    tenant.Store
	dbm      tenantdb.Manager
	notifier notify.Notifier
	opts     Options
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
}

func New(store tenant.Store, dbm tenantdb.Manager, notifier notify.Notifier, opts Options, logger *slog.Logger) *Purger {
	return &Purger{
		store:    store,
		dbm:      dbm,
		notifier: notifier,
		opts:     opts,
		locks:    syncutil.NewContextShardedMutex(),
		logger:   logger,
	}
}

// Eligible lists soft-deleted tenants whose retention window has lapsed.
// Returns empty with no error when retention is disabled.
func (p *Purger) Eligible(ctx context.Context) ([]*tenant.Tenant, error) {
	if !p.opts.Enabled {
		return nil, nil
	}
	cutoff := time.Now().Add(-p.opts.Period)
	return p.store.ListSoftDeletedBefore(ctx, cutoff)
}

// PurgeTenant permanently removes one soft-deleted tenant. Retention must be
// enabled; purging a live tenant is refused.
func (p *Purger) PurgeTenant(ctx context.Context, id string) error {
	if !p.opts.Enabled {
		return ErrRetentionDisabled
	}
	t, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !t.SoftDeleted() {
		return tenant.ErrNotDeleted
	}
	return p.destroy(ctx, t, TriggerManual)
}

// PurgeExpired purges every tenant past its retention window. force bypasses
// the AutoPurge gate but never the retention window itself; dryRun reports
// what would be purged without touching anything.
func (p *Purger) PurgeExpired(ctx context.Context, force, dryRun bool) (*Result, error) {
	if !p.opts.Enabled {
		return nil, ErrRetentionDisabled
	}
	if !p.opts.AutoPurge && !force {
		return &Result{DryRun: dryRun}, nil
	}

	eligible, err := p.Eligible(ctx)
	if err != nil {
		return nil, err
	}
	return p.purgeBatch(ctx, eligible, TriggerRetention, dryRun), nil
}

// CleanupFailed purges tenants stuck in the failed state past FailedMaxAge.
func (p *Purger) CleanupFailed(ctx context.Context, dryRun bool) (*Result, error) {
	cutoff := time.Now().Add(-p.opts.FailedMaxAge)
	failed, err := p.store.ListFailedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return p.purgeBatch(ctx, failed, TriggerFailed, dryRun), nil
}

// CleanupAbandoned purges pending registrations that never bound a domain and
// have been idle past AbandonedMaxAge.
func (p *Purger) CleanupAbandoned(ctx context.Context, dryRun bool) (*Result, error) {
	cutoff := time.Now().Add(-p.opts.AbandonedMaxAge)
	abandoned, err := p.store.ListAbandonedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return p.purgeBatch(ctx, abandoned, TriggerAbandoned, dryRun), nil
}

func (p *Purger) purgeBatch(ctx context.Context, tenants []*tenant.Tenant, trigger string, dryRun bool) *Result {
	res := &Result{DryRun: dryRun}
	for _, t := range tenants {
		res.TenantIDs = append(res.TenantIDs, t.ID)
		if dryRun {
			res.Succeeded++
			continue
		}
		if err := p.destroy(ctx, t, trigger); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, ItemError{TenantID: t.ID, TenantName: t.Name, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	return res
}

// destroy removes the tenant's database, then its domains, then the record.
// Any failure aborts before the record is touched, so the tenant remains
// listed as eligible and the next run retries from the top; every sub-step
// tolerates already-removed state.
func (p *Purger) destroy(ctx context.Context, t *tenant.Tenant, trigger string) error {
	unlock, err := p.locks.LockContext(ctx, t.ID)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = logging.WithTenantID(ctx, t.ID)
	logger := logging.L(ctx)

	if err := p.dbm.DropDatabase(ctx, t.ID); err != nil {
		metrics.PurgeFailuresTotal.Inc()
		return fmt.Errorf("drop database: %w", err)
	}
	if _, err := p.store.DeleteDomains(ctx, t.ID); err != nil {
		metrics.PurgeFailuresTotal.Inc()
		return fmt.Errorf("delete domains: %w", err)
	}
	if err := p.store.ForceDelete(ctx, t.ID); err != nil {
		metrics.PurgeFailuresTotal.Inc()
		return fmt.Errorf("delete record: %w", err)
	}

	metrics.TenantsPurgedTotal.WithLabelValues(trigger).Inc()
	logger.Info("tenant purged", "slug", t.Slug, "trigger", trigger)

	_ = p.notifier.Send(ctx, notify.EventTenantPurged, map[string]any{
		"tenant_id": t.ID,
		"slug":      t.Slug,
		"trigger":   trigger,
	})
	return nil
}
