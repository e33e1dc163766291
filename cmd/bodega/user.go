package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/db"
	"github.com/zulandar/bodega/internal/models"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "User management commands",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserTokenCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var (
		configPath string
		username   string
		email      string
		superuser  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print their API token",
		Long:  "Creates a user row with a fresh bearer token. Re-running for an existing username updates email and superuser but keeps the token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runUserCreate(cmd, gormDB, models.User{
				Username:  username,
				Email:     email,
				Superuser: superuser,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&username, "username", "", "username (required)")
	cmd.Flags().StringVar(&email, "email", "", "notification email address")
	cmd.Flags().BoolVar(&superuser, "superuser", false, "grant superuser rights")
	cmd.MarkFlagRequired("username")
	return cmd
}

func runUserCreate(cmd *cobra.Command, gormDB *gorm.DB, user models.User) error {
	out := cmd.OutOrStdout()

	token, err := newToken()
	if err != nil {
		return err
	}
	user.Token = token

	stored, err := db.SeedUser(gormDB, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "User %s ready (superuser: %v)\n", stored.Username, stored.Superuser)
	if stored.Token == token {
		fmt.Fprintf(out, "Token: %s\n", token)
		fmt.Fprintln(out, "Store it now; it is not shown again.")
	} else {
		fmt.Fprintln(out, "Existing user updated; token unchanged.")
	}
	return nil
}

func newUserListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runUserList(cmd, gormDB)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runUserList(cmd *cobra.Command, gormDB *gorm.DB) error {
	var users []models.User
	if err := gormDB.Order("username ASC").Find(&users).Error; err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tEMAIL\tSUPERUSER\tRESTRICTED")
	for i := range users {
		u := &users[i]
		fmt.Fprintf(w, "%s\t%s\t%v\t%v\n", u.Username, u.Email, u.Superuser, u.Restricted)
	}
	return w.Flush()
}

func newUserTokenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Rotate a user's API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			return runUserToken(cmd, gormDB, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runUserToken(cmd *cobra.Command, gormDB *gorm.DB, username string) error {
	token, err := newToken()
	if err != nil {
		return err
	}
	result := gormDB.Model(&models.User{}).
		Where("username = ?", username).
		Update("token", token)
	if result.Error != nil {
		return fmt.Errorf("rotate token for %q: %w", username, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("no such user %q", username)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Token: %s\n", token)
	fmt.Fprintln(out, "The previous token no longer works.")
	return nil
}

func newToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
