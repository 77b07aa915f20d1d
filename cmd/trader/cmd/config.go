package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/stratlab/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage configuration files.

Subcommands:
  init     - Write the default configuration
  validate - Load a file with environment overrides and validate it

Examples:
  trader config init -o trader.yaml
  trader config validate trader.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.PersistentPreRunE = skipConfig
	configCmd.AddCommand(configInitCmd, configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "trader.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if err := config.Default().SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created default configuration: %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	c, err := config.Load(nil, args[0])
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration valid: %s\n", args[0])
	fmt.Fprintf(out, "  Broker:  %s (%s), %d candles/request\n", c.Broker.Name, c.Broker.Env, c.Broker.MaxCandles)
	fmt.Fprintf(out, "  Engine:  speed %s, snapshot every %d bars\n", c.Engine.Speed, c.Engine.SnapshotEvery)
	fmt.Fprintf(out, "  Risk:    daily loss %.1f%%, per trade %.1f%%, fail open %t\n",
		c.Risk.MaxDailyLossPct*100, c.Risk.MaxRiskPerTradePct*100, c.Risk.FailOpen)
	fmt.Fprintf(out, "  Journal: %s\n", c.Journal.DBPath)
	if c.Kafka.Enabled {
		fmt.Fprintf(out, "  Kafka:   %v topic %s\n", c.Kafka.Brokers, c.Kafka.Topic)
	}
	return nil
}
