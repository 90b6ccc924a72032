// Package provision runs the tenant provisioning pipeline: a fixed sequence of
// idempotent steps that takes a tenant from pending to active. A failed run
// leaves the tenant in the failed state with the offending step recorded; a
// retry resumes by re-running every step, each of which no-ops when its work
// is already done.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchardhq/orchard/internal/idgen"
	"github.com/orchardhq/orchard/internal/logging"
	"github.com/orchardhq/orchard/internal/metrics"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/retry"
	"github.com/orchardhq/orchard/internal/syncutil"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
	"github.com/orchardhq/orchard/internal/traces"
	"github.com/orchardhq/orchard/internal/validation"
)

// Step names, as recorded in Config.LastError and surfaced by the API.
const (
	StepValidate       = "validate"
	StepCreateDatabase = "create_database"
	StepMigrateSchema  = "migrate_schema"
	StepSeedDefaults   = "seed_defaults"
	StepBindDomains    = "bind_domains"
	StepCreateAdmin    = "create_admin"
	StepApplyPlan      = "apply_plan"
	StepFinalize       = "finalize"
)

type step struct {
	name string
	run  func(ctx context.Context, t *tenant.Tenant) error
}

// Pipeline drives tenants through provisioning. Safe for concurrent use;
// concurrent runs for the same tenant are serialised by a per-tenant lock and
// the store's compare-and-set claim.
type Pipeline struct {
	store      tenant.Store
	dbm        tenantdb.Manager
	notifier   notify.Notifier
	baseDomain string
	locks      *syncutil.ContextShardedMutex
	logger     *slog.Logger
}

func New(store tenant.Store, dbm tenantdb.Manager, notifier notify.Notifier, baseDomain string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		dbm:        dbm,
		notifier:   notifier,
		baseDomain: baseDomain,
		locks:      syncutil.NewContextShardedMutex(),
		logger:     logger,
	}
}

// Provision runs the full pipeline for one tenant. Returns nil both on success
// and when the run is superseded (tenant already active or deleted by the time
// the job runs). Claim conflicts surface as tenant.ErrAlreadyProvisioning.
func (p *Pipeline) Provision(ctx context.Context, tenantID string) error {
	unlock, err := p.locks.LockContext(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()

	ctx = logging.WithTenantID(ctx, tenantID)
	ctx, span := traces.StartSpan(ctx, "provision.run", traces.TenantID(tenantID))
	defer span.End()

	t, err := p.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrTenantNotFound) {
			return nil // deleted while queued
		}
		return err
	}
	if t.SoftDeleted() || t.Status == tenant.StatusActive {
		return nil // superseded
	}

	if err := p.store.ClaimProvisioning(ctx, tenantID); err != nil {
		return err
	}
	t.Status = tenant.StatusProvisioning

	start := time.Now()
	logger := logging.L(ctx)
	logger.Info("provisioning started", "slug", t.Slug, "plan", t.Plan)

	for _, s := range p.steps() {
		if err := s.run(ctx, t); err != nil {
			p.fail(ctx, t, s.name, err)
			metrics.ProvisioningStepFailures.WithLabelValues(s.name).Inc()
			metrics.ProvisioningTotal.WithLabelValues("failure").Inc()
			return fmt.Errorf("provision %s: %s: %w", tenantID, s.name, err)
		}
	}

	metrics.ProvisioningTotal.WithLabelValues("success").Inc()
	metrics.ProvisioningDuration.Observe(time.Since(start).Seconds())
	logger.Info("provisioning complete", "slug", t.Slug, "elapsed", time.Since(start))

	_ = p.notifier.Send(ctx, notify.EventTenantProvisioned, map[string]any{
		"tenant_id": t.ID,
		"slug":      t.Slug,
		"plan":      string(t.Plan),
	})
	return nil
}

func (p *Pipeline) steps() []step {
	return []step{
		{StepValidate, p.validate},
		{StepCreateDatabase, p.createDatabase},
		{StepMigrateSchema, p.migrateSchema},
		{StepSeedDefaults, p.seedDefaults},
		{StepBindDomains, p.bindDomains},
		{StepCreateAdmin, p.createAdmin},
		{StepApplyPlan, p.applyPlan},
		{StepFinalize, p.finalize},
	}
}

// fail records the failure on the tenant and emits the failure event. The
// tenant database is left in place for the retry; only createDatabase cleans
// up after itself.
func (p *Pipeline) fail(ctx context.Context, t *tenant.Tenant, stepName string, cause error) {
	t.Status = tenant.StatusFailed
	t.Config.LastError = &tenant.StepError{
		Step:    stepName,
		Message: cause.Error(),
		At:      time.Now().UTC(),
	}
	if err := p.store.Update(ctx, t); err != nil {
		logging.L(ctx).Error("failed to persist provisioning failure", "step", stepName, "error", err)
	}
	logging.L(ctx).Error("provisioning failed", "step", stepName, "error", cause)

	_ = p.notifier.Send(ctx, notify.EventProvisioningFailed, map[string]any{
		"tenant_id": t.ID,
		"slug":      t.Slug,
		"step":      stepName,
		"error":     cause.Error(),
	})
}

func (p *Pipeline) validate(ctx context.Context, t *tenant.Tenant) error {
	if !validation.IsValidSlug(t.Slug) {
		return fmt.Errorf("invalid slug %q", t.Slug)
	}
	if !tenant.ValidPlan(t.Plan) {
		return tenant.ErrUnknownPlan
	}
	if t.AdminEmail != "" && !validation.IsValidEmail(t.AdminEmail) {
		return fmt.Errorf("invalid admin email %q", t.AdminEmail)
	}
	return nil
}

func (p *Pipeline) createDatabase(ctx context.Context, t *tenant.Tenant) error {
	ctx, span := traces.StartSpan(ctx, "provision.create_database", traces.Step(StepCreateDatabase))
	defer span.End()

	if err := p.dbm.CreateDatabase(ctx, t.ID); err != nil {
		return err
	}
	if t.DatabaseName == "" {
		t.DatabaseName = p.dbm.DatabaseName(t.ID)
		return p.store.Update(ctx, t)
	}
	return nil
}

func (p *Pipeline) migrateSchema(ctx context.Context, t *tenant.Tenant) error {
	ctx, span := traces.StartSpan(ctx, "provision.migrate_schema", traces.Step(StepMigrateSchema))
	defer span.End()

	// Transient connection hiccups are common right after CREATE DATABASE.
	return retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return p.dbm.Migrate(ctx, t.ID)
	})
}

func (p *Pipeline) seedDefaults(ctx context.Context, t *tenant.Tenant) error {
	return p.dbm.Seed(ctx, t.ID, t.Plan)
}

// bindDomains ensures the tenant's default subdomain exists. Custom domains
// are bound separately via the API; this step only guarantees the canonical
// <slug>.<base> entry.
func (p *Pipeline) bindDomains(ctx context.Context, t *tenant.Tenant) error {
	if p.baseDomain == "" {
		return nil
	}
	want := t.Slug + "." + p.baseDomain

	existing, err := p.store.ListDomains(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, d := range existing {
		if d.Domain == want {
			return nil
		}
	}

	err = p.store.AddDomain(ctx, &tenant.Domain{
		ID:        idgen.WithPrefix("dom_"),
		TenantID:  t.ID,
		Domain:    want,
		IsPrimary: len(existing) == 0,
	})
	if errors.Is(err, tenant.ErrDomainTaken) {
		// Another tenant holds our canonical subdomain. Retrying cannot fix
		// this; the operator has to resolve the collision.
		return fmt.Errorf("canonical domain %s: %w", want, err)
	}
	return err
}

func (p *Pipeline) createAdmin(ctx context.Context, t *tenant.Tenant) error {
	if t.AdminEmail == "" {
		return nil
	}
	exists, err := p.dbm.AdminUserExists(ctx, t.ID, t.AdminEmail)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return p.dbm.EnsureAdminUser(ctx, t.ID, t.AdminEmail, t.Name)
}

func (p *Pipeline) applyPlan(ctx context.Context, t *tenant.Tenant) error {
	t.Config.Features = tenant.PlanFeatures(t.Plan)
	return p.store.Update(ctx, t)
}

func (p *Pipeline) finalize(ctx context.Context, t *tenant.Tenant) error {
	t.Status = tenant.StatusActive
	t.Config.LastError = nil
	return p.store.Update(ctx, t)
}
