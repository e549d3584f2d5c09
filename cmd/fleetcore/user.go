package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/service"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard users",
	}
	cmd.AddCommand(userCreateCmd())
	return cmd
}

func userCreateCmd() *cobra.Command {
	var (
		password string
		email    string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create [username]",
		Short: "Create a user; use this to bootstrap the first admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, log, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			st, err := openStores(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.close()

			auth := service.NewAuthService(st.users, cfg.JWTSecret, cfg.TokenTTL)
			user, err := auth.Register(ctx, args[0], password, email, role)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %q (id %s)\n", user.Role, user.Username, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	cmd.Flags().StringVarP(&email, "email", "e", "", "email address")
	cmd.Flags().StringVarP(&role, "role", "r", domain.RoleAdmin, "role: admin or operator")
	return cmd
}
