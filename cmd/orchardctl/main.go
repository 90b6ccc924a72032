// Command orchardctl is the operator CLI for the orchard control plane.
// It talks directly to the control-plane database configured via
// DATABASE_URL; with no DATABASE_URL it runs against empty in-memory
// stores, which is only useful for dry runs of the command surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "orchardctl",
		Short:         "Operate the orchard multi-tenant control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newTenantCmd(),
		newTenantsCmd(),
		newRegistrationsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
