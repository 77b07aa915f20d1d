package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/config"
	"github.com/rustyeddy/stratlab/internal/logging"
)

var (
	cfgPath string
	v       = viper.New()

	// set by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Strategy research and execution for FX",
	Long: `Trader runs trading strategies against historical or live OANDA data.

It provides tools for:
  - Backtesting a strategy over a date range
  - Sweeping strategy parameters as optimisation tasks
  - Downloading candles to CSV or Parquet
  - Running a strategy live against the broker

Configuration is read from --config, then TRADER_* environment variables
(TRADER_BROKER_TOKEN, TRADER_JOURNAL_DB_PATH, ...), then flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, cfgPath)
		if err != nil {
			return err
		}
		l, err := logging.Build(c.Log)
		if err != nil {
			return err
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// skipConfig replaces the root pre-run for commands that must work without
// a valid configuration.
func skipConfig(cmd *cobra.Command, args []string) error { return nil }

// Execute runs the root command and prints the error, if any, to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "config file (YAML or JSON)")
	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("log-file", "logs/trader.log", "rotating log file, empty to disable")
	pf.String("db", "./trader.sqlite", "SQLite journal database")

	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.file", pf.Lookup("log-file"))
	_ = v.BindPFlag("journal.db_path", pf.Lookup("db"))
}
