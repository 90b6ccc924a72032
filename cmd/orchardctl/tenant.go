package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/orchardhq/orchard/internal/idgen"
	"github.com/orchardhq/orchard/internal/tenant"
	"github.com/orchardhq/orchard/internal/tenantdb"
	"github.com/orchardhq/orchard/internal/validation"
)

func newTenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage a single tenant",
	}
	cmd.AddCommand(
		newTenantCreateCmd(),
		newTenantMigrateCmd(),
		newTenantHealthCmd(),
		newTenantFlushCmd(),
	)
	return cmd
}

func newTenantCreateCmd() *cobra.Command {
	var (
		slug        string
		domain      string
		email       string
		plan        string
		sync        bool
		noProvision bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a tenant and optionally provision it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			ctx := cmd.Context()

			name := args[0]
			if slug == "" {
				slug = validation.SanitizeSlug(name)
			}
			if !validation.IsValidSlug(slug) {
				return fmt.Errorf("invalid slug %q", slug)
			}
			if !tenant.ValidPlan(tenant.Plan(plan)) {
				return fmt.Errorf("unknown plan %q", plan)
			}
			if email != "" && !validation.IsValidEmail(email) {
				return fmt.Errorf("invalid email %q", email)
			}
			if domain != "" && !validation.IsValidDomain(domain) {
				return fmt.Errorf("invalid domain %q", domain)
			}

			now := time.Now().UTC()
			t := &tenant.Tenant{
				ID:         idgen.WithPrefix("ten_"),
				Name:       name,
				Slug:       slug,
				Plan:       tenant.Plan(plan),
				Status:     tenant.StatusPending,
				AdminEmail: email,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := r.tenants.Create(ctx, t); err != nil {
				return err
			}
			fmt.Printf("created tenant %s (slug %s)\n", t.ID, t.Slug)

			if domain != "" {
				d := &tenant.Domain{
					ID:        idgen.WithPrefix("dom_"),
					TenantID:  t.ID,
					Domain:    strings.ToLower(domain),
					IsPrimary: true,
					CreatedAt: now,
				}
				if err := r.tenants.AddDomain(ctx, d); err != nil {
					return fmt.Errorf("bind domain: %w", err)
				}
				fmt.Printf("bound domain %s\n", d.Domain)
			}

			if noProvision {
				return nil
			}
			// The CLI has no job queue to hand off to; provisioning always
			// runs in-process. --sync is accepted for interface parity.
			_ = sync
			if err := r.pipeline().Provision(ctx, t.ID); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			fmt.Println("provisioned")
			return nil
		},
	}
	cmd.Flags().StringVar(&slug, "slug", "", "tenant slug (derived from name if omitted)")
	cmd.Flags().StringVar(&domain, "domain", "", "custom domain to bind")
	cmd.Flags().StringVar(&email, "email", "", "admin user email")
	cmd.Flags().StringVar(&plan, "plan", "free", "subscription plan")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for provisioning to finish")
	cmd.Flags().BoolVar(&noProvision, "no-provision", false, "create the record only")
	return cmd
}

func newTenantMigrateCmd() *cobra.Command {
	var (
		rollback bool
		fresh    bool
		seed     bool
		force    bool
		step     int
	)
	cmd := &cobra.Command{
		Use:   "migrate [tenant]",
		Short: "Run schema migrations for one tenant or all tenants",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if step != 1 && !rollback {
				return fmt.Errorf("--step only applies with --rollback")
			}
			if step < 1 {
				return fmt.Errorf("--step must be at least 1")
			}

			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			ctx := cmd.Context()

			var targets []*tenant.Tenant
			if len(args) == 1 {
				t, err := r.resolveTenant(ctx, args[0])
				if err != nil {
					return err
				}
				targets = []*tenant.Tenant{t}
			} else {
				// Soft-deleted tenants sit in their retention window; leave
				// their schemas alone unless forced.
				all, err := r.tenants.List(ctx, tenant.ListFilter{IncludeDeleted: force})
				if err != nil {
					return err
				}
				for _, t := range all {
					if t.DatabaseName != "" {
						targets = append(targets, t)
					}
				}
			}

			failed := 0
			for _, t := range targets {
				if err := migrateOne(ctx, r, t, migrateFlags{
					rollback: rollback, fresh: fresh, seed: seed, step: step,
				}); err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%s: %v\n", t.Slug, err)
					continue
				}
				fmt.Printf("%s: ok\n", t.Slug)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tenants failed", failed, len(targets))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the most recent migration")
	cmd.Flags().IntVar(&step, "step", 1, "number of migrations to roll back (with --rollback)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "drop and recreate the tenant database before migrating")
	cmd.Flags().BoolVar(&seed, "seed", false, "seed default data after migrating")
	cmd.Flags().BoolVar(&force, "force", false, "include soft-deleted tenants when migrating all")
	return cmd
}

type migrateFlags struct {
	rollback bool
	fresh    bool
	seed     bool
	step     int
}

func migrateOne(ctx context.Context, r *runtime, t *tenant.Tenant, flags migrateFlags) error {
	if flags.rollback {
		for i := 0; i < flags.step; i++ {
			if err := r.dbm.Rollback(ctx, t.ID); err != nil {
				return err
			}
		}
		return nil
	}
	if flags.fresh {
		if err := r.dbm.DropDatabase(ctx, t.ID); err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		if err := r.dbm.CreateDatabase(ctx, t.ID); err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}
	if err := r.dbm.Migrate(ctx, t.ID); err != nil {
		return err
	}
	if flags.seed {
		return r.dbm.Seed(ctx, t.ID, t.Plan)
	}
	return nil
}

type tenantHealth struct {
	TenantID         string       `json:"tenant_id"`
	Slug             string       `json:"slug"`
	Status           string       `json:"status"`
	DatabaseName     string       `json:"database_name"`
	DatabaseExists   bool         `json:"database_exists"`
	Connectivity     string       `json:"connectivity,omitempty"`
	MigrationVersion int64        `json:"migration_version,omitempty"`
	Domains          []string     `json:"domains,omitempty"`
	Quotas           []quotaUsage `json:"quotas,omitempty"`
	Error            string       `json:"error,omitempty"`
}

type quotaUsage struct {
	QuotaType string `json:"quota_type"`
	Usage     int64  `json:"usage"`
	Limit     int64  `json:"limit"`
}

func newTenantHealthCmd() *cobra.Command {
	var (
		asJSON   bool
		detailed bool
	)
	cmd := &cobra.Command{
		Use:   "health [tenant]",
		Short: "Check tenant database health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			ctx := cmd.Context()

			var targets []*tenant.Tenant
			if len(args) == 1 {
				t, err := r.resolveTenant(ctx, args[0])
				if err != nil {
					return err
				}
				targets = []*tenant.Tenant{t}
			} else {
				targets, err = r.tenants.List(ctx, tenant.ListFilter{})
				if err != nil {
					return err
				}
			}

			unhealthy := 0
			reports := make([]tenantHealth, 0, len(targets))
			for _, t := range targets {
				report := checkHealth(ctx, r, t, detailed)
				if report.Error != "" || (report.DatabaseExists && report.Connectivity != "ok") {
					unhealthy++
				}
				reports = append(reports, report)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for _, rep := range reports {
					line := fmt.Sprintf("%-20s %-12s db=%v", rep.Slug, rep.Status, rep.DatabaseExists)
					if rep.Connectivity != "" {
						line += " conn=" + rep.Connectivity
					}
					if rep.MigrationVersion > 0 {
						line += fmt.Sprintf(" schema=v%d", rep.MigrationVersion)
					}
					if rep.Error != "" {
						line += " error=" + rep.Error
					}
					fmt.Println(line)
					if detailed {
						if len(rep.Domains) > 0 {
							fmt.Printf("  domains: %s\n", strings.Join(rep.Domains, ", "))
						}
						for _, q := range rep.Quotas {
							fmt.Printf("  %-10s %d/%d\n", q.QuotaType, q.Usage, q.Limit)
						}
					}
				}
			}
			if unhealthy > 0 {
				return fmt.Errorf("%d of %d tenants unhealthy", unhealthy, len(targets))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include domains and per-quota usage")
	return cmd
}

func checkHealth(ctx context.Context, r *runtime, t *tenant.Tenant, detailed bool) tenantHealth {
	report := tenantHealth{
		TenantID:     t.ID,
		Slug:         t.Slug,
		Status:       string(t.Status),
		DatabaseName: r.dbm.DatabaseName(t.ID),
	}
	exists, err := r.dbm.DatabaseExists(ctx, t.ID)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.DatabaseExists = exists
	if !exists {
		return report
	}
	if err := r.dbm.Ping(ctx, t.ID); err != nil {
		report.Connectivity = "failed"
		report.Error = err.Error()
		return report
	}
	report.Connectivity = "ok"
	if version, err := r.dbm.MigrationVersion(ctx, t.ID); err == nil {
		report.MigrationVersion = version
	}
	if detailed {
		if domains, err := r.tenants.ListDomains(ctx, t.ID); err == nil {
			for _, d := range domains {
				report.Domains = append(report.Domains, d.Domain)
			}
		}
		for _, qt := range tenant.QuotaTypes {
			usage, err := r.dbm.Usage(ctx, t.ID, qt)
			if err != nil {
				continue
			}
			limit := tenant.PlanLimit(t.Plan, qt)
			if v, ok := t.Config.Override(qt); ok {
				limit = v
			}
			report.Quotas = append(report.Quotas, quotaUsage{
				QuotaType: string(qt), Usage: usage, Limit: limit,
			})
		}
	}
	return report
}

func newTenantFlushCmd() *cobra.Command {
	var (
		cache    bool
		sessions bool
		views    bool
		cfgKind  bool
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "flush <tenant>",
		Short: "Clear cached per-tenant state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()
			ctx := cmd.Context()

			t, err := r.resolveTenant(ctx, args[0])
			if err != nil {
				return err
			}

			var kinds []tenantdb.FlushKind
			if all {
				kinds = tenantdb.AllFlushKinds
			} else {
				if cache {
					kinds = append(kinds, tenantdb.FlushCache)
				}
				if sessions {
					kinds = append(kinds, tenantdb.FlushSessions)
				}
				if views {
					kinds = append(kinds, tenantdb.FlushViews)
				}
				if cfgKind {
					kinds = append(kinds, tenantdb.FlushConfig)
				}
			}
			if len(kinds) == 0 {
				return fmt.Errorf("nothing to flush: pass --all or one of --cache --sessions --views --config")
			}

			if err := r.dbm.Flush(ctx, t.ID, kinds); err != nil {
				return err
			}
			fmt.Printf("flushed %v for %s\n", kinds, t.Slug)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cache, "cache", false, "flush cache entries")
	cmd.Flags().BoolVar(&sessions, "sessions", false, "flush sessions")
	cmd.Flags().BoolVar(&views, "views", false, "flush materialized views")
	cmd.Flags().BoolVar(&cfgKind, "config", false, "flush cached config")
	cmd.Flags().BoolVar(&all, "all", false, "flush everything")
	return cmd
}
