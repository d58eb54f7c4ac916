package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hongminglow/coop-ledger/internal/auth"
	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/scheduler"
	"github.com/hongminglow/coop-ledger/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the in-process job scheduler",
	Long: `Serve the ledger API. Unless SCHEDULER_ENABLED=false, the clearing,
interest and default-sweep jobs also run on their configured intervals.

SIGHUP reloads POLICY_FILE; SIGINT or SIGTERM shut down gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	policy, err := config.NewPolicyStore(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer store.Close()

	eng := engine.New(store, policy, engine.WithLogger(logger))
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)

	if cfg.SchedulerEnabled {
		sched := scheduler.New(logger, scheduler.LedgerJobs(eng, scheduler.Intervals{
			Clearing: cfg.ClearingInterval,
			Interest: cfg.InterestInterval,
			Sweep:    cfg.SweepInterval,
		})...)
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := server.New(cfg, eng, store, tokens, logger)
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("coop ledger listening", "addr", cfg.HTTPAddress(), "driver", cfg.DatabaseDriver)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := policy.Reload(); err != nil {
					logger.Error("policy reload failed; keeping previous policy", "file", cfg.PolicyFile, "error", err)
				} else {
					logger.Info("policy reloaded", "file", cfg.PolicyFile)
				}
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			cancel()

			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown error", "error", err)
			}
			return nil
		}
	}
}
