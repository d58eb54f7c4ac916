// Package cli holds the coopledger command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/storage"
	"github.com/hongminglow/coop-ledger/internal/storage/postgres"
	"github.com/hongminglow/coop-ledger/internal/storage/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "coopledger",
	Short: "Cooperative savings and peer-lending ledger",
	Long: `coopledger runs the member ledger: deposits with clearing holds,
transfers, peer-to-peer loans backed by a reserve fund, and the daily
interest, clearing and default-sweep jobs.

Configuration comes from the environment (or a local .env file).`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadLocalEnv()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadLocalEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found; relying on existing environment")
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return logger
}

// ledgerStore is what the commands need from either storage backend.
type ledgerStore interface {
	storage.Store
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()
}

// openStore opens the configured backend. Both backends migrate on open.
func openStore(ctx context.Context, cfg config.Config) (ledgerStore, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DatabaseURL)
	case config.DriverPostgres:
		return postgres.NewStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
