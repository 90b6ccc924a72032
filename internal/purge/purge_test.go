package purge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/orchardhq/orchard/internal/notify"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
)

func defaultOptions() Options {
	return Options{
		Enabled:         true,
		AutoPurge:       true,
		Period:          30 * 24 * time.Hour,
		FailedMaxAge:    7 * 24 * time.Hour,
		AbandonedMaxAge: 24 * time.Hour,
	}
}

type fixture struct {
	store    *tenant.MemoryStore
	dbm      *tenantdb.MemoryManager
	recorder *notify.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store:    tenant.NewMemoryStore(),
		dbm:      tenantdb.NewMemoryManager("orchard_tenant_"),
		recorder: notify.NewRecorder(),
	}
}

func (f *fixture) purger(t *testing.T, opts Options) *Purger {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f.store, f.dbm, f.recorder, opts, logger)
}

// addDeleted creates an active tenant with a database and domain, then soft
// deletes it at the given time.
func (f *fixture) addDeleted(t *testing.T, id, slug string, deletedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &tenant.Tenant{
		ID: id, Name: slug, Slug: slug, Plan: tenant.PlanStarter, Status: tenant.StatusActive,
	}))
	require.NoError(t, f.dbm.CreateDatabase(ctx, id))
	require.NoError(t, f.store.AddDomain(ctx, &tenant.Domain{
		ID: "dom_" + id, TenantID: id, Domain: slug + ".orchard.app", IsPrimary: true,
	}))
	require.NoError(t, f.store.SoftDelete(ctx, id, deletedAt))
}

func TestEligible_RetentionWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())

	f.addDeleted(t, "ten_old", "old", time.Now().Add(-31*24*time.Hour))
	f.addDeleted(t, "ten_fresh", "fresh", time.Now().Add(-29*24*time.Hour))

	eligible, err := p.Eligible(ctx)
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, "ten_old", eligible[0].ID)
}

func TestEligible_DisabledRetentionKeepsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opts := defaultOptions()
	opts.Enabled = false
	p := f.purger(t, opts)

	f.addDeleted(t, "ten_old", "old", time.Now().Add(-365*24*time.Hour))

	eligible, err := p.Eligible(ctx)
	require.NoError(t, err)
	assert.Empty(t, eligible)

	_, err = p.PurgeExpired(ctx, true, false)
	assert.ErrorIs(t, err, ErrRetentionDisabled)

	// The single-tenant path honours the same gate.
	err = p.PurgeTenant(ctx, "ten_old")
	assert.ErrorIs(t, err, ErrRetentionDisabled)
	_, err = f.store.Get(ctx, "ten_old")
	assert.NoError(t, err)
}

func TestPurgeTenant_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())
	f.addDeleted(t, "ten_1", "acme", time.Now().Add(-31*24*time.Hour))

	require.NoError(t, p.PurgeTenant(ctx, "ten_1"))

	_, err := f.store.Get(ctx, "ten_1")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)

	exists, _ := f.dbm.DatabaseExists(ctx, "ten_1")
	assert.False(t, exists)

	domains, _ := f.store.ListDomains(ctx, "ten_1")
	assert.Empty(t, domains)

	events := f.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventTenantPurged, events[0].Event)
}

func TestPurgeTenant_RefusesLiveTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())
	require.NoError(t, f.store.Create(ctx, &tenant.Tenant{
		ID: "ten_live", Slug: "live", Plan: tenant.PlanFree, Status: tenant.StatusActive,
	}))

	err := p.PurgeTenant(ctx, "ten_live")
	assert.ErrorIs(t, err, tenant.ErrNotDeleted)

	_, err = f.store.Get(ctx, "ten_live")
	assert.NoError(t, err)
}

func TestPurgeExpired_DropFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())
	f.addDeleted(t, "ten_1", "acme", time.Now().Add(-31*24*time.Hour))

	f.dbm.FailDrop = errors.New("db still has connections")

	res, err := p.PurgeExpired(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "ten_1", res.Errors[0].TenantID)
	assert.Equal(t, "acme", res.Errors[0].TenantName)

	// The record survives a partial failure and stays eligible.
	_, err = f.store.Get(ctx, "ten_1")
	assert.NoError(t, err)
	eligible, _ := p.Eligible(ctx)
	assert.Len(t, eligible, 1)

	// The retry completes the purge.
	f.dbm.FailDrop = nil
	res, err = p.PurgeExpired(ctx, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	_, err = f.store.Get(ctx, "ten_1")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestPurgeExpired_AutoPurgeGateAndForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opts := defaultOptions()
	opts.AutoPurge = false
	p := f.purger(t, opts)
	f.addDeleted(t, "ten_1", "acme", time.Now().Add(-31*24*time.Hour))

	// Without force the gate holds.
	res, err := p.PurgeExpired(ctx, false, false)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded)
	_, err = f.store.Get(ctx, "ten_1")
	assert.NoError(t, err)

	// Force bypasses AutoPurge but still honours the retention window.
	f.addDeleted(t, "ten_fresh", "fresh", time.Now().Add(-time.Hour))
	res, err = p.PurgeExpired(ctx, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	_, err = f.store.Get(ctx, "ten_fresh")
	assert.NoError(t, err)
}

func TestPurgeExpired_DryRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())
	f.addDeleted(t, "ten_1", "acme", time.Now().Add(-31*24*time.Hour))

	res, err := p.PurgeExpired(ctx, false, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, []string{"ten_1"}, res.TenantIDs)

	// Nothing actually happened.
	_, err = f.store.Get(ctx, "ten_1")
	assert.NoError(t, err)
	exists, _ := f.dbm.DatabaseExists(ctx, "ten_1")
	assert.True(t, exists)
	assert.Empty(t, f.recorder.Events())
}

func TestCleanupFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())

	stale := &tenant.Tenant{
		ID: "ten_stale", Slug: "stale", Plan: tenant.PlanFree, Status: tenant.StatusFailed,
		UpdatedAt: time.Now().Add(-8 * 24 * time.Hour),
	}
	require.NoError(t, f.store.Create(ctx, stale))
	recent := &tenant.Tenant{
		ID: "ten_recent", Slug: "recent", Plan: tenant.PlanFree, Status: tenant.StatusFailed,
		UpdatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.store.Create(ctx, recent))

	res, err := p.CleanupFailed(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, err = f.store.Get(ctx, "ten_stale")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
	_, err = f.store.Get(ctx, "ten_recent")
	assert.NoError(t, err)
}

func TestCleanupAbandoned_SkipsTenantsWithDomains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.purger(t, defaultOptions())

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.store.Create(ctx, &tenant.Tenant{
		ID: "ten_ghost", Slug: "ghost", Plan: tenant.PlanFree, Status: tenant.StatusPending,
		UpdatedAt: old,
	}))
	require.NoError(t, f.store.Create(ctx, &tenant.Tenant{
		ID: "ten_bound", Slug: "bound", Plan: tenant.PlanFree, Status: tenant.StatusPending,
		UpdatedAt: old,
	}))
	require.NoError(t, f.store.AddDomain(ctx, &tenant.Domain{
		ID: "dom_1", TenantID: "ten_bound", Domain: "bound.orchard.app",
	}))

	res, err := p.CleanupAbandoned(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, err = f.store.Get(ctx, "ten_ghost")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
	_, err = f.store.Get(ctx, "ten_bound")
	assert.NoError(t, err)
}
