package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/venue-ticketing/internal/config"
	"github.com/iliyamo/venue-ticketing/internal/logger"
	"github.com/iliyamo/venue-ticketing/internal/repository"
	"github.com/iliyamo/venue-ticketing/internal/retention"
)

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired idempotency records, old payment events and delivered notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetDuration("retention")
			if keep <= 0 {
				keep = config.LoadPipelineConfig().Retention
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			log, err := logger.New("dev")
			if err != nil {
				return err
			}
			p := retention.NewPurger(
				repository.NewIdempotencyRepo(db),
				repository.NewPaymentEventRepo(db),
				repository.NewOutboxRepo(db),
				keep, log,
			)
			rep, err := p.Purge(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(rep)
		},
	}
	cmd.Flags().Duration("retention", 0, "Retention window (default IDEMPOTENCY_RETENTION)")
	return cmd
}

func failuresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Inspect and resolve escalated payments",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List payment failures, open ones unless --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := repository.NewPaymentFailureRepo(db, repository.NewOutboxRepo(db)).List(cmd.Context(), all)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no payment failures")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPAYMENT\tCUSTOMER\tAMOUNT\tREASON\tRESOLVED\tCREATED")
			for _, f := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d %s\t%s\t%t\t%s\n",
					f.ID, f.PaymentReference, f.CustomerContact, f.AmountCents, f.Currency,
					f.Reason, f.Resolved, f.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().Bool("all", false, "Include resolved failures")

	resolve := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Mark a payment failure as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			by, _ := cmd.Flags().GetString("by")
			if by == "" {
				by = os.Getenv("USER")
			}
			if by == "" {
				return fmt.Errorf("--by is required")
			}
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repository.NewPaymentFailureRepo(db, repository.NewOutboxRepo(db))
			if err := repo.Resolve(cmd.Context(), id, by, time.Now().UTC()); err != nil {
				return fmt.Errorf("resolve %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payment failure %d resolved by %s\n", id, by)
			return nil
		},
	}
	resolve.Flags().String("by", "", "Operator name (default $USER)")

	cmd.AddCommand(list, resolve)
	return cmd
}
