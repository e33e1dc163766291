package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/items/legacy"
)

func newTestbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testbed",
		Short: "Legacy testbed commands",
	}

	cmd.AddCommand(newTestbedSeedCmd())
	return cmd
}

func newTestbedSeedCmd() *cobra.Command {
	var (
		configPath string
		filename   string
		platform   string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register a legacy testbed as an item",
		Long:  "Creates the item row for one pre-provisioned testbed. Seeding the same filename twice is a no-op.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runTestbedSeed(cmd, gormDB, filename, platform)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&filename, "filename", "", "testbed definition filename (required)")
	cmd.Flags().StringVar(&platform, "platform", "", "platform: aws, dynapod, or static (required)")
	cmd.MarkFlagRequired("filename")
	cmd.MarkFlagRequired("platform")
	return cmd
}

func runTestbedSeed(cmd *cobra.Command, gormDB *gorm.DB, filename, platform string) error {
	err := legacy.SeedTestbeds(gormDB, []legacy.TestbedAttrs{
		{Filename: filename, Platform: platform},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Testbed %s (%s) seeded.\n", filename, platform)
	return nil
}
