package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bodega",
		Short: "Bodega, the lab resource reservation desk",
		Long:  "Bodega brokers shared lab hardware: clients place orders, the scheduler hands out items, leases expire, cleanup puts everything back on the shelf.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newOrderCmd())
	cmd.AddCommand(newItemCmd())
	cmd.AddCommand(newTabCmd())
	cmd.AddCommand(newTestbedCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bodega %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// A missing .env is fine; tokens may come from the real environment.
	godotenv.Load()
	os.Exit(execute(newRootCmd()))
}
