package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/bodega/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate the database schema",
		Long:  "Creates or updates all tables in an existing database. Use db init for first-time setup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runMigrate(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB, attrsModels()...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables\n", len(db.CoreModels())+len(attrsModels()))
	return nil
}
