// Package main provides remindctl, the operator CLI for the reminder service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "remindctl",
		Short:        "Operate the medicine reminder service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("log-level", "", "override LOG_LEVEL")

	root.AddCommand(migrateCmd())
	for _, pass := range passes {
		root.AddCommand(passCmd(pass))
	}
	root.AddCommand(topicsCmd())
	root.AddCommand(patientCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(maintenanceCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
