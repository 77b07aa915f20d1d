package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/broker/oanda"
	"github.com/rustyeddy/stratlab/engine"
	"github.com/rustyeddy/stratlab/journal"
	"github.com/rustyeddy/stratlab/optimise"
	"github.com/rustyeddy/stratlab/strategies"
)

var optimiseCmd = &cobra.Command{
	Use:     "optimise",
	Aliases: []string{"optimize"},
	Short:   "Submit and run parameter sweeps",
	Long: `Optimisation tasks sweep the selected parameter ranges of a strategy over
daily bars. Tasks are stored in the SQLite journal so submitters and
workers may be separate processes.

Subcommands:
  submit  - Validate a task file and queue it
  run     - Claim and process pending tasks
  status  - Show tasks, or one task with its runs

Example:
  trader optimise submit sweep.yaml
  trader optimise run --once
  trader optimise status 01HX...`,
}

var optimiseSubmitCmd = &cobra.Command{
	Use:   "submit <task.yaml>",
	Short: "Queue an optimisation task",
	Args:  cobra.ExactArgs(1),
	RunE:  runOptimiseSubmit,
}

var optimiseRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process pending optimisation tasks",
	Args:  cobra.NoArgs,
	RunE:  runOptimiseRun,
}

var optimiseStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show optimisation tasks",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOptimiseStatus,
}

var (
	optOnce bool
	optData string
)

func init() {
	rootCmd.AddCommand(optimiseCmd)
	optimiseCmd.AddCommand(optimiseSubmitCmd, optimiseRunCmd, optimiseStatusCmd)

	optimiseRunCmd.Flags().BoolVar(&optOnce, "once", false, "process at most one task and exit")
	optimiseRunCmd.Flags().StringVarP(&optData, "data", "d", "", "bar file to use instead of fetching from OANDA")
	optimiseRunCmd.Flags().Int("workers", 0, "concurrent runs per task (default from config)")
	_ = v.BindPFlag("optimisation.workers", optimiseRunCmd.Flags().Lookup("workers"))
}

// newScheduler builds a scheduler over the journal's task store. Runs
// publish nothing; their results land in the store.
func newScheduler(db *journal.SQLite) (*optimise.Scheduler, error) {
	ecfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	s := &optimise.Scheduler{
		Store:          journal.NewTaskStore(db),
		Strategies:     strategies.Builtins(),
		Workers:        cfg.Optimisation.Workers,
		PollInterval:   cfg.Optimisation.PollInterval,
		MaxRuns:        cfg.Optimisation.MaxRuns,
		SeriesCapacity: cfg.Engine.BarSeriesCapacity,
		Engine:         ecfg,
		Registry:       engine.NewRegistry(logger),
		Logger:         logger,
	}
	if optData != "" {
		s.Loader = optimise.FileLoader{Path: optData}
		return s, nil
	}
	client, err := oanda.NewClient(cfg.Broker, logger)
	if err != nil {
		return nil, err
	}
	s.Loader = optimise.ClientLoader{Client: client}
	return s, nil
}

func runOptimiseSubmit(cmd *cobra.Command, args []string) (err error) {
	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	s := &optimise.Scheduler{
		Store:      journal.NewTaskStore(db),
		Strategies: strategies.Builtins(),
		MaxRuns:    cfg.Optimisation.MaxRuns,
		Logger:     logger,
	}
	task, err := s.SubmitFile(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted %s (%d runs)\n", task.ID, task.Progress.Total)
	return nil
}

func runOptimiseRun(cmd *cobra.Command, args []string) (err error) {
	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	s, err := newScheduler(db)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if optOnce {
		found, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(cmd.OutOrStdout(), "no pending tasks")
		}
		return nil
	}

	logger.Info("optimisation worker started",
		zap.Int("workers", cfg.Optimisation.Workers),
		zap.Duration("poll_interval", cfg.Optimisation.PollInterval),
	)
	if err := s.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runOptimiseStatus(cmd *cobra.Command, args []string) (err error) {
	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	store := journal.NewTaskStore(db)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	if len(args) == 0 {
		tasks, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ID\tSTRATEGY\tSTATE\tPROGRESS\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\n",
				t.ID, t.Config.Strategy, t.State, t.Progress.Percent, t.CreatedAt.Format(time.RFC3339))
		}
		return nil
	}

	t, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Task:\t%s\n", t.ID)
	fmt.Fprintf(w, "Strategy:\t%s on %s\n", t.Config.Strategy, t.Config.Instrument)
	fmt.Fprintf(w, "State:\t%s\n", t.State)
	fmt.Fprintf(w, "Progress:\t%d/%d (%d failed)\n", t.Progress.Completed+t.Progress.Failed, t.Progress.Total, t.Progress.Failed)
	if t.Error != "" {
		fmt.Fprintf(w, "Error:\t%s\n", t.Error)
	}
	if t.Summary != nil {
		fmt.Fprintf(w, "Best run:\t%s %s\n", t.Summary.BestRunID, t.Summary.BestParams)
		fmt.Fprintf(w, "Best net:\t%s\n", t.Summary.BestNetProfit.StringFixed(2))
		fmt.Fprintf(w, "Mean net:\t%s\n", t.Summary.MeanProfit.StringFixed(2))
	}

	results, err := store.Results(cmd.Context(), t.ID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "RUN\tPARAMS\tTRADES\tNET\tMAX DD\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%.2f%%\t%s\n",
			r.ID, r.Parameters, r.Result.Trades, r.Result.NetProfit.StringFixed(2), r.Result.MaxDDPct, r.Error)
	}
	return nil
}
