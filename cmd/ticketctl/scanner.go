package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iliyamo/venue-ticketing/internal/verification"
)

func scannerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scanner",
		Short: "Manage a door scanner's offline signature cache",
	}
	cmd.PersistentFlags().String("db", "scanner.db", "Offline cache path (SQLite)")

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Download an event manifest into the offline cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			event, _ := cmd.Flags().GetUint64("event")
			token, _ := cmd.Flags().GetString("token")
			path, _ := cmd.Flags().GetString("db")
			if server == "" || event == 0 {
				return fmt.Errorf("--server and --event are required")
			}
			if token == "" {
				token = os.Getenv("SCANNER_TOKEN")
			}

			cache, err := verification.OpenSQLiteCache(path)
			if err != nil {
				return err
			}
			defer cache.Close()

			n, err := verification.NewSyncer(server, token, nil).Sync(cmd.Context(), event, cache)
			if err != nil {
				return err
			}
			total, err := cache.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d tickets for event %d in %s (%d in cache)\n", n, event, path, total)
			return nil
		},
	}
	sync.Flags().String("server", "", "Server base URL")
	sync.Flags().Uint64("event", 0, "Venue event id")
	sync.Flags().String("token", "", "Staff bearer token (default $SCANNER_TOKEN)")

	check := &cobra.Command{
		Use:   "check [token] [signature]",
		Short: "Verify a ticket against the offline cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("db")
			cache, err := verification.OpenSQLiteCache(path)
			if err != nil {
				return err
			}
			defer cache.Close()

			if !verification.NewOfflineVerifier(cache).Verify(cmd.Context(), args[0], args[1]) {
				return fmt.Errorf("ticket not valid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}

	cmd.AddCommand(sync, check)
	return cmd
}
