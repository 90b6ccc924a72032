package main

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
)

// rollbackCounter counts Rollback calls so multi-step rollbacks are visible
// even when the schema is already at version zero.
type rollbackCounter struct {
	tenantdb.Manager
	calls int
}

func (c *rollbackCounter) Rollback(ctx context.Context, tenantID string) error {
	c.calls++
	return c.Manager.Rollback(ctx, tenantID)
}

func TestMigrateOne_RollbackSteps(t *testing.T) {
	ctx := context.Background()
	dbm := &rollbackCounter{Manager: tenantdb.NewMemoryManager("orchard_tenant_")}
	r := &runtime{tenants: tenant.NewMemoryStore(), dbm: dbm}

	tn := &tenant.Tenant{ID: "ten_1", Slug: "acme", Plan: tenant.PlanStarter, Status: tenant.StatusActive}
	require.NoError(t, r.tenants.Create(ctx, tn))
	require.NoError(t, dbm.CreateDatabase(ctx, tn.ID))
	require.NoError(t, dbm.Migrate(ctx, tn.ID))

	require.NoError(t, migrateOne(ctx, r, tn, migrateFlags{rollback: true, step: 3}))
	assert.Equal(t, 3, dbm.calls)

	v, err := dbm.MigrationVersion(ctx, tn.ID)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestTenantMigrateCmd_StepRequiresRollback(t *testing.T) {
	cmd := newTenantMigrateCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--step", "2"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--step only applies with --rollback")

	cmd = newTenantMigrateCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--rollback", "--step", "0"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--step must be at least 1")
}

func TestCheckHealth_Detailed(t *testing.T) {
	ctx := context.Background()
	dbm := tenantdb.NewMemoryManager("orchard_tenant_")
	r := &runtime{tenants: tenant.NewMemoryStore(), dbm: dbm}

	tn := &tenant.Tenant{ID: "ten_1", Slug: "acme", Plan: tenant.PlanStarter, Status: tenant.StatusActive}
	require.NoError(t, r.tenants.Create(ctx, tn))
	require.NoError(t, r.tenants.AddDomain(ctx, &tenant.Domain{
		ID: "dom_1", TenantID: "ten_1", Domain: "acme.orchard.app", IsPrimary: true,
	}))
	require.NoError(t, dbm.CreateDatabase(ctx, tn.ID))
	require.NoError(t, dbm.Migrate(ctx, tn.ID))
	dbm.SetUsage("ten_1", tenant.QuotaUsers, 7)

	report := checkHealth(ctx, r, tn, false)
	assert.Equal(t, "ok", report.Connectivity)
	assert.Empty(t, report.Domains)
	assert.Empty(t, report.Quotas)

	report = checkHealth(ctx, r, tn, true)
	assert.Equal(t, []string{"acme.orchard.app"}, report.Domains)
	require.NotEmpty(t, report.Quotas)
	var users *quotaUsage
	for i := range report.Quotas {
		if report.Quotas[i].QuotaType == string(tenant.QuotaUsers) {
			users = &report.Quotas[i]
		}
	}
	require.NotNil(t, users)
	assert.Equal(t, int64(7), users.Usage)
	assert.Equal(t, tenant.PlanLimit(tenant.PlanStarter, tenant.QuotaUsers), users.Limit)
}
