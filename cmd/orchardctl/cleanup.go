package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/orchardhq/orchard/internal/purge"
)

func newTenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Batch operations across tenants",
	}
	cmd.AddCommand(
		newCleanupFailedCmd(),
		newPurgeExpiredCmd(),
	)
	return cmd
}

func newCleanupFailedCmd() *cobra.Command {
	var (
		days   int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup-failed",
		Short: "Purge tenants stuck in the failed state",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()

			opts := purge.Options{
				Enabled:      true,
				FailedMaxAge: time.Duration(days) * 24 * time.Hour,
			}
			res, err := r.purger(opts).CleanupFailed(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "minimum age in days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list without purging")
	return cmd
}

func newPurgeExpiredCmd() *cobra.Command {
	var (
		dryRun bool
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "purge-expired",
		Short: "Purge soft-deleted tenants past the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := r.purger(purge.Options{
				Enabled:   r.cfg.Retention.Enabled,
				AutoPurge: r.cfg.Retention.AutoPurge,
				Period:    r.cfg.Retention.Period,
			}).PurgeExpired(cmd.Context(), force, dryRun)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list without purging")
	cmd.Flags().BoolVar(&force, "force", false, "run even when automatic purging is disabled")
	return cmd
}

func newRegistrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registrations",
		Short: "Manage incomplete signups",
	}
	cmd.AddCommand(newRegistrationsCleanupCmd())
	return cmd
}

func newRegistrationsCleanupCmd() *cobra.Command {
	var (
		hours  int
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge abandoned pending registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRuntime()
			if err != nil {
				return err
			}
			defer r.Close()

			opts := purge.Options{
				Enabled:         true,
				AbandonedMaxAge: time.Duration(hours) * time.Hour,
			}
			res, err := r.purger(opts).CleanupAbandoned(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			return printResult(res)
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 48, "minimum age in hours")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list without purging")
	return cmd
}

func printResult(res *purge.Result) error {
	prefix := "purged"
	if res.DryRun {
		prefix = "would purge"
	}
	fmt.Printf("%s %d tenant(s)\n", prefix, res.Succeeded)
	for _, id := range res.TenantIDs {
		fmt.Printf("  %s\n", id)
	}
	for _, e := range res.Errors {
		fmt.Printf("  FAILED %s: %s\n", e.TenantID, e.Error)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d tenant(s) failed", res.Failed)
	}
	return nil
}
