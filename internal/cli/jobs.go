package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hongminglow/coop-ledger/internal/config"
	"github.com/hongminglow/coop-ledger/internal/engine"
)

// ─── jobs ───────────────────────────────────────────────────────────────────
// One-shot batch runs for cron. Each prints its JobSummary as JSON and exits
// non-zero when the run itself failed (row-level errors are in the summary).

func init() {
	rootCmd.AddCommand(jobsCmd)
	for _, name := range []string{engine.JobClearing, engine.JobInterest, engine.JobDefaults} {
		jobsCmd.AddCommand(newJobCmd(name))
	}
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run a ledger batch job once",
}

var jobDescriptions = map[string]string{
	engine.JobClearing: "Release deposits and transfers whose clearing delay has elapsed",
	engine.JobInterest: "Credit daily interest to funded accounts",
	engine.JobDefaults: "Settle overdue loans from the reserve fund",
}

func newJobCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: jobDescriptions[name],
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, name)
		},
	}
}

func runJob(cmd *cobra.Command, name string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	policy, err := config.NewPolicyStore(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer store.Close()

	eng := engine.New(store, policy, engine.WithLogger(logger))
	run, err := jobRunner(eng, name)
	if err != nil {
		return err
	}
	sum, err := run(cmd.Context())
	if err != nil {
		return fmt.Errorf("%s job: %w", name, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

func jobRunner(eng *engine.Engine, name string) (func(context.Context) (engine.JobSummary, error), error) {
	switch name {
	case engine.JobClearing:
		return eng.RunClearingRelease, nil
	case engine.JobInterest:
		return eng.RunDailyInterest, nil
	case engine.JobDefaults:
		return eng.RunDefaultSweep, nil
	}
	return nil, fmt.Errorf("unknown job %q", name)
}
