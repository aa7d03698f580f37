package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/venue-ticketing/internal/utils"
)

func staffTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff-token",
		Short: "Mint a bearer token for door staff or an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if sub == "" {
				return fmt.Errorf("--sub is required")
			}
			secret := os.Getenv("STAFF_JWT_SECRET")
			tok, err := utils.NewStaffToken(secret, sub, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", tok.Exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Staff id (token subject)")
	cmd.Flags().String("role", utils.RoleStaff, "STAFF or ADMIN")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}

func hashPINCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-pin [pin]",
		Short: "Print the bcrypt hash for MANUAL_ENTRY_PIN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[0]) < 4 {
				return fmt.Errorf("pin must have at least 4 characters")
			}
			cost, _ := cmd.Flags().GetInt("cost")
			h, err := utils.HashPIN(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().Int("cost", 12, "bcrypt cost")
	return cmd
}
