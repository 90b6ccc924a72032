package quota

import (
	"context"
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

type sweepFixture struct {
	tenants  *tenant.MemoryStore
	dbm      *tenantdb.MemoryManager
	settings *MemorySettingsStore
	warnings *MemoryWarningStore
	recorder *notify.Recorder
	sweeper  *Sweeper
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{
		tenants:  tenant.NewMemoryStore(),
		dbm:      tenantdb.NewMemoryManager("orchard_tenant_"),
		settings: NewMemorySettingsStore(),
		warnings: NewMemoryWarningStore(),
		recorder: notify.NewRecorder(),
	}
	engine := NewEngine(f.settings, f.dbm)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sweeper = NewSweeper(f.tenants, engine, f.warnings, f.recorder, time.Minute, logger)
	return f
}

func (f *sweepFixture) addTenant(t *testing.T, id, slug string, status tenant.Status) *tenant.Tenant {
	t.Helper()
	ten := &tenant.Tenant{ID: id, Name: slug, Slug: slug, Plan: tenant.PlanStarter, Status: status}
	require.NoError(t, f.tenants.Create(context.Background(), ten))
	return ten
}

func TestSweep_CreatesWarningAtThreshold(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 20) // 20 of 25 = 80%

	require.NoError(t, f.sweeper.Sweep(ctx))

	got, err := f.warnings.List(ctx, "ten_1", false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, tenant.QuotaUsers, got[0].QuotaType)
	assert.Equal(t, StateWarning, got[0].Level)
	assert.Equal(t, StateWarning, got[0].State)
	assert.Equal(t, int64(20), got[0].Usage)
	assert.Equal(t, int64(25), got[0].Limit)

	events := f.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventQuotaWarning, events[0].Event)
}

func TestSweep_BelowThresholdIsQuiet(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 15) // 60%

	require.NoError(t, f.sweeper.Sweep(ctx))

	got, _ := f.warnings.List(ctx, "ten_1", true)
	assert.Empty(t, got)
	assert.Empty(t, f.recorder.Events())
}

func TestSweep_SkipsInactiveTenants(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusSuspended)
	f.addTenant(t, "ten_2", "beta", tenant.StatusPending)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 1000)
	f.dbm.SetUsage("ten_2", tenant.QuotaUsers, 1000)

	require.NoError(t, f.sweeper.Sweep(ctx))

	got, _ := f.warnings.List(ctx, "", true)
	assert.Empty(t, got)
}

func TestSweep_SuppressesRepeatWarnings(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 20)

	require.NoError(t, f.sweeper.Sweep(ctx))
	require.NoError(t, f.sweeper.Sweep(ctx))

	got, _ := f.warnings.List(ctx, "ten_1", true)
	assert.Len(t, got, 1)
}

func TestSweep_EscalationBypassesSuppression(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)

	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 20)
	require.NoError(t, f.sweeper.Sweep(ctx))

	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 25) // now blocked
	require.NoError(t, f.sweeper.Sweep(ctx))

	got, _ := f.warnings.List(ctx, "ten_1", true)
	require.Len(t, got, 2)
	assert.Equal(t, StateBlocked, got[0].State) // newest first
	assert.Equal(t, StateCritical, got[0].Level)
	assert.Equal(t, StateWarning, got[1].Level)
}

func TestSweep_DismissedWarningAllowsNewOne(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 20)

	require.NoError(t, f.sweeper.Sweep(ctx))
	first, _ := f.warnings.List(ctx, "ten_1", false)
	require.Len(t, first, 1)

	require.NoError(t, f.warnings.Dismiss(ctx, first[0].ID, time.Now()))
	require.NoError(t, f.sweeper.Sweep(ctx))

	active, _ := f.warnings.List(ctx, "ten_1", false)
	assert.Len(t, active, 1)
	all, _ := f.warnings.List(ctx, "ten_1", true)
	assert.Len(t, all, 2)
}

func TestSweep_RecordsCriticalLevel(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 23) // 23 of 25 = 92%

	require.NoError(t, f.sweeper.Sweep(ctx))

	got, err := f.warnings.List(ctx, "ten_1", false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StateCritical, got[0].Level)
	assert.Equal(t, StateCritical, got[0].State)
}

func TestSweep_RenotifyWindowFromSetting(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(t)
	f.addTenant(t, "ten_1", "acme", tenant.StatusActive)
	f.dbm.SetUsage("ten_1", tenant.QuotaUsers, 20) // 80%, warning level

	stale := &Warning{
		ID: "warn_old", TenantID: "ten_1", QuotaType: tenant.QuotaUsers,
		Level: StateWarning, State: StateWarning,
		CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	require.NoError(t, f.warnings.Create(ctx, stale))

	// A seven-day window keeps the two-day-old warning suppressive.
	require.NoError(t, f.settings.Upsert(ctx, &Setting{
		ID: "qset_1", TenantID: "ten_1", QuotaType: tenant.QuotaUsers,
		Enabled: true, WarnPercent: DefaultWarnPercent,
		CriticalPercent: DefaultCriticalPercent, BlockPercent: DefaultBlockPercent,
		RenotifyDays: 7,
	}))
	require.NoError(t, f.sweeper.Sweep(ctx))
	got, _ := f.warnings.List(ctx, "ten_1", true)
	assert.Len(t, got, 1)

	// Tightening it back to one day re-issues past the window.
	require.NoError(t, f.settings.Upsert(ctx, &Setting{
		ID: "qset_1", TenantID: "ten_1", QuotaType: tenant.QuotaUsers,
		Enabled: true, WarnPercent: DefaultWarnPercent,
		CriticalPercent: DefaultCriticalPercent, BlockPercent: DefaultBlockPercent,
		RenotifyDays: 1,
	}))
	require.NoError(t, f.sweeper.Sweep(ctx))
	got, _ = f.warnings.List(ctx, "ten_1", true)
	assert.Len(t, got, 2)
}
