package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rustyeddy/stratlab/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the trade journal",
	Long: `Query trades and events recorded in the SQLite journal.

Subcommands:
  trades  - Trades of one run, with totals
  day     - Trades closed on a day
  events  - Events of one run

Examples:
  trader journal trades 01HX...
  trader journal day 2024-01-15
  trader journal events 01HX... --kind logs`,
}

var journalTradesCmd = &cobra.Command{
	Use:   "trades <run-id>",
	Short: "List the trades of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalTrades,
}

var journalDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "List trades closed on a day (UTC)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDay,
}

var journalEventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "List the events of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalEvents,
}

var journalKind string

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalTradesCmd, journalDayCmd, journalEventsCmd)

	journalEventsCmd.Flags().StringVarP(&journalKind, "kind", "k", "", "only this event kind")
}

func runJournalTrades(cmd *cobra.Command, args []string) (err error) {
	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	trades, err := db.ListTradesByRun(args[0])
	if err != nil {
		return err
	}
	stats, err := db.TradeStats(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printTrades(w, trades)
	fmt.Fprintf(w, "\nTrades: %d  Wins: %d  Losses: %d  Profit factor: %.2f\n",
		stats.Trades, stats.Wins, stats.Losses, stats.ProfitFactor)
	return w.Flush()
}

func runJournalDay(cmd *cobra.Command, args []string) (err error) {
	day, err := time.Parse(time.DateOnly, args[0])
	if err != nil {
		return fmt.Errorf("bad day %q: %w", args[0], err)
	}

	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	trades, err := db.ListTradesClosedBetween(day, day.Add(24*time.Hour))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	printTrades(w, trades)
	return w.Flush()
}

func runJournalEvents(cmd *cobra.Command, args []string) (err error) {
	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	evs, err := db.ListEvents(args[0], journalKind)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tPAYLOAD")
	for _, ev := range evs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", ev.Time.Format(time.RFC3339), ev.Kind, ev.Payload)
	}
	return w.Flush()
}

func printTrades(w *tabwriter.Writer, trades []journal.TradeRecord) {
	fmt.Fprintln(w, "TRADE\tINSTRUMENT\tUNITS\tENTRY\tEXIT\tCLOSED\tP/L\tREASON")
	for _, t := range trades {
		fmt.Fprintf(w, "%s\t%s\t%.0f\t%.5f\t%.5f\t%s\t%.2f\t%s\n",
			t.TradeID, t.Instrument, t.Units, t.EntryPrice, t.ExitPrice,
			t.CloseTime.Format(time.RFC3339), t.RealizedPL, t.Reason)
	}
}
