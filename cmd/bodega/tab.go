package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
)

func newTabCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tab",
		Short: "Tab (spending limit) commands",
	}

	cmd.AddCommand(newTabShowCmd())
	cmd.AddCommand(newTabSetCmd())
	return cmd
}

func newTabShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <username>",
		Short: "Show a user's tab limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runTabShow(cmd, gormDB, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runTabShow(cmd *cobra.Command, gormDB *gorm.DB, username string) error {
	out := cmd.OutOrStdout()

	user, tab, err := lookupTab(gormDB, username)
	if err != nil {
		return err
	}
	if tab == nil {
		fmt.Fprintf(out, "%s has no tab yet; the default limit %.1f applies at first order.\n", user.Username, 1.0)
		return nil
	}
	fmt.Fprintf(out, "%s: limit %.2f\n", user.Username, tab.Limit)
	return nil
}

func newTabSetCmd() *cobra.Command {
	var (
		configPath string
		limit      float64
	)

	cmd := &cobra.Command{
		Use:   "set <username>",
		Short: "Set a user's tab limit",
		Long:  "Sets the price budget the scheduler will fulfill for the user at one time. Creates the tab row if the user has none yet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runTabSet(cmd, gormDB, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().Float64Var(&limit, "limit", 1.0, "tab limit")
	return cmd
}

func runTabSet(cmd *cobra.Command, gormDB *gorm.DB, username string, limit float64) error {
	if limit < 0 {
		return fmt.Errorf("tab limit must not be negative")
	}
	user, tab, err := lookupTab(gormDB, username)
	if err != nil {
		return err
	}
	if tab == nil {
		tab = &models.Tab{OwnerID: user.ID, Limit: limit}
		if err := gormDB.Create(tab).Error; err != nil {
			return fmt.Errorf("create tab: %w", err)
		}
	} else {
		err := gormDB.Model(tab).Update("limit", limit).Error
		if err != nil {
			return fmt.Errorf("update tab: %w", err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: limit %.2f\n", username, limit)
	return nil
}

func lookupTab(gormDB *gorm.DB, username string) (*models.User, *models.Tab, error) {
	var user models.User
	if err := gormDB.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, nil, fmt.Errorf("no such user %q", username)
	}
	var tab models.Tab
	err := gormDB.Where("owner_id = ?", user.ID).First(&tab).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &user, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load tab: %w", err)
	}
	return &user, &tab, nil
}
