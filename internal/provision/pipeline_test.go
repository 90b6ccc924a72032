package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store    *tenant.MemoryStore
	dbm      *tenantdb.MemoryManager
	recorder *notify.Recorder
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    tenant.NewMemoryStore(),
		dbm:      tenantdb.NewMemoryManager("orchard_tenant_"),
		recorder: notify.NewRecorder(),
	}
	f.pipeline = New(f.store, f.dbm, f.recorder, "orchard.app", discardLogger())
	return f
}

func (f *fixture) seedTenant(t *testing.T, id, slug string, status tenant.Status) *tenant.Tenant {
	t.Helper()
	ten := &tenant.Tenant{
		ID:         id,
		Name:       "Acme Corp",
		Slug:       slug,
		Plan:       tenant.PlanStarter,
		Status:     status,
		AdminEmail: "owner@acme.test",
	}
	require.NoError(t, f.store.Create(context.Background(), ten))
	return ten
}

func TestProvision_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)

	require.NoError(t, f.pipeline.Provision(ctx, "ten_1"))

	got, err := f.store.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Equal(t, "orchard_tenant_ten_1", got.DatabaseName)
	assert.Nil(t, got.Config.LastError)
	assert.Equal(t, tenant.PlanFeatures(tenant.PlanStarter), got.Config.Features)

	assert.True(t, f.dbm.Migrated("ten_1"))
	assert.True(t, f.dbm.Seeded("ten_1"))

	adminOK, err := f.dbm.AdminUserExists(ctx, "ten_1", "owner@acme.test")
	require.NoError(t, err)
	assert.True(t, adminOK)

	domains, err := f.store.ListDomains(ctx, "ten_1")
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "acme.orchard.app", domains[0].Domain)
	assert.True(t, domains[0].IsPrimary)

	events := f.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTenantProvisioned, events[0].Event)
}

func TestProvision_CreateDatabaseFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)

	boom := errors.New("cluster out of space")
	f.dbm.FailCreate = boom

	err := f.pipeline.Provision(ctx, "ten_1")
	require.Error(t, err)

	got, _ := f.store.Get(ctx, "ten_1")
	assert.Equal(t, tenant.StatusFailed, got.Status)
	require.NotNil(t, got.Config.LastError)
	assert.Equal(t, StepCreateDatabase, got.Config.LastError.Step)
	assert.Contains(t, got.Config.LastError.Message, "out of space")
	assert.Empty(t, got.DatabaseName)

	exists, _ := f.dbm.DatabaseExists(ctx, "ten_1")
	assert.False(t, exists)

	events := f.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventProvisioningFailed, events[0].Event)
	assert.Equal(t, StepCreateDatabase, events[0].Data["step"])
}

func TestProvision_MigrateFailureKeepsDatabase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)

	f.dbm.FailMigrate = errors.New("syntax error in migration")

	err := f.pipeline.Provision(ctx, "ten_1")
	require.Error(t, err)

	got, _ := f.store.Get(ctx, "ten_1")
	assert.Equal(t, tenant.StatusFailed, got.Status)
	assert.Equal(t, StepMigrateSchema, got.Config.LastError.Step)

	// The database survives for the retry; only create_database drops on failure.
	exists, _ := f.dbm.DatabaseExists(ctx, "ten_1")
	assert.True(t, exists)
}

func TestProvision_RetryAfterFailureResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)

	f.dbm.FailSeed = errors.New("transient")
	require.Error(t, f.pipeline.Provision(ctx, "ten_1"))

	f.dbm.FailSeed = nil
	require.NoError(t, f.pipeline.Provision(ctx, "ten_1"))

	got, _ := f.store.Get(ctx, "ten_1")
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Nil(t, got.Config.LastError)

	// Idempotent steps must not duplicate work across the retry.
	domains, _ := f.store.ListDomains(ctx, "ten_1")
	assert.Len(t, domains, 1)
}

func TestProvision_SupersededRunsAreNoOps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Already active: nothing to do.
	active := f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)
	require.NoError(t, f.pipeline.Provision(ctx, "ten_1"))
	require.NoError(t, f.pipeline.Provision(ctx, "ten_1"))
	got, _ := f.store.Get(ctx, "ten_1")
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Equal(t, active.ID, got.ID)

	// Deleted while queued: nothing to do.
	require.NoError(t, f.pipeline.Provision(ctx, "ten_missing"))
}

func TestProvision_ConcurrentClaimRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ten := f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)

	require.NoError(t, f.store.ClaimProvisioning(ctx, ten.ID))

	err := f.pipeline.Provision(ctx, "ten_1")
	assert.ErrorIs(t, err, tenant.ErrAlreadyProvisioning)
}

func TestProvision_ValidationFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ten := f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)
	ten.Plan = tenant.Plan("platinum")
	require.NoError(t, f.store.Update(ctx, ten))

	err := f.pipeline.Provision(ctx, "ten_1")
	require.Error(t, err)

	got, _ := f.store.Get(ctx, "ten_1")
	assert.Equal(t, tenant.StatusFailed, got.Status)
	assert.Equal(t, StepValidate, got.Config.LastError.Step)
}

func TestProvision_NoAdminEmailSkipsAdminStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ten := &tenant.Tenant{
		ID:     "ten_2",
		Name:   "Beta LLC",
		Slug:   "beta",
		Plan:   tenant.PlanFree,
		Status: tenant.StatusPending,
	}
	require.NoError(t, f.store.Create(ctx, ten))

	require.NoError(t, f.pipeline.Provision(ctx, "ten_2"))

	got, _ := f.store.Get(ctx, "ten_2")
	assert.Equal(t, tenant.StatusActive, got.Status)
}

func TestProvision_DomainCollisionIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedTenant(t, "ten_1", "acme", tenant.StatusPending)
	other := f.seedTenant(t, "ten_2", "other", tenant.StatusPending)

	// Another tenant squatting on acme's canonical subdomain.
	require.NoError(t, f.store.AddDomain(ctx, &tenant.Domain{
		ID:       "dom_squat",
		TenantID: other.ID,
		Domain:   "acme.orchard.app",
	}))

	err := f.pipeline.Provision(ctx, "ten_1")
	require.ErrorIs(t, err, tenant.ErrDomainTaken)

	got, _ := f.store.Get(ctx, "ten_1")
	assert.Equal(t, tenant.StatusFailed, got.Status)
	assert.Equal(t, StepBindDomains, got.Config.LastError.Step)
}
