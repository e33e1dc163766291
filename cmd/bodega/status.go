package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a deployment overview",
		Long:  "Prints order, item, and task queue counts for a quick health read.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runStatus(cmd, gormDB)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runStatus(cmd *cobra.Command, gormDB *gorm.DB) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "ORDERS")
	for _, status := range []string{models.OrderStatusOpen, models.OrderStatusFulfilled, models.OrderStatusClosed} {
		n, err := countWhere(gormDB, &models.Order{}, "status = ?", status)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s\t%d\n", status, n)
	}

	fmt.Fprintln(w, "ITEMS")
	for _, state := range []string{models.ItemStateActive, models.ItemStateMaintenance, models.ItemStateDestroyed} {
		n, err := countWhere(gormDB, &models.Item{}, "state = ?", state)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %s\t%d\n", state, n)
	}
	held, err := countWhere(gormDB, &models.Item{}, "held_by_kind <> '' AND state <> ?", models.ItemStateDestroyed)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  held\t%d\n", held)

	fmt.Fprintln(w, "TASKS")
	unready, err := countWhere(gormDB, &models.Task{}, "state IN ?", models.TaskUnreadyStates)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  queued\t%d\n", unready)
	failed, err := countWhere(gormDB, &models.Task{}, "state = ?", models.TaskStateFailure)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  failed\t%d\n", failed)

	return w.Flush()
}

func countWhere(gormDB *gorm.DB, model interface{}, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := gormDB.Model(model).Where(query, args...).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
