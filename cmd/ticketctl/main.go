// Command ticketctl is the operator tool for the ticketing pipeline.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/iliyamo/venue-ticketing/internal/config"
	"github.com/iliyamo/venue-ticketing/internal/database"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "ticketctl",
		Short:         "Operator tool for the venue ticketing pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(failuresCmd())
	rootCmd.AddCommand(staffTokenCmd())
	rootCmd.AddCommand(hashPINCmd())
	rootCmd.AddCommand(scannerCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openDB connects with the server's DB_* settings.
func openDB() (*sql.DB, error) {
	cfg := config.LoadDB()
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
