package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/broker/oanda"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/market"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download OANDA candles to CSV or Parquet",
	Long: `Fetch pages completed candles of [from, to) from OANDA and writes them
to --out. The format follows the file extension (.csv or .parquet).

Requires an API token (broker.token or TRADER_BROKER_TOKEN).

Example:
  trader fetch --instrument EUR_USD --period H1 \
    --from 2024-01-01 --to 2024-07-01 --out eurusd_h1.parquet`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

var (
	fetchInstrument string
	fetchPeriod     string
	fetchFrom       string
	fetchTo         string
	fetchOut        string
)

func init() {
	rootCmd.AddCommand(fetchCmd)

	f := fetchCmd.Flags()
	f.StringVarP(&fetchInstrument, "instrument", "i", "EUR_USD", "instrument")
	f.StringVarP(&fetchPeriod, "period", "p", "D", "bar period (M1, H1, D, ...)")
	f.StringVar(&fetchFrom, "from", "", "start of the range, inclusive (required)")
	f.StringVar(&fetchTo, "to", "", "end of the range, exclusive (required)")
	f.StringVarP(&fetchOut, "out", "o", "", "output file (required)")

	_ = fetchCmd.MarkFlagRequired("from")
	_ = fetchCmd.MarkFlagRequired("to")
	_ = fetchCmd.MarkFlagRequired("out")
}

func runFetch(cmd *cobra.Command, args []string) error {
	period, err := market.ParsePeriod(fetchPeriod)
	if err != nil {
		return err
	}
	from, err := parseTime(fetchFrom)
	if err != nil {
		return err
	}
	to, err := parseTime(fetchTo)
	if err != nil {
		return err
	}

	client, err := oanda.NewClient(cfg.Broker, logger)
	if err != nil {
		return err
	}
	bars, err := data.Collect(cmd.Context(), client, broker.CandleRequest{
		Instrument: fetchInstrument,
		From:       from,
		To:         to,
		Period:     period,
	})
	if err != nil {
		return err
	}

	if err := writeBars(fetchOut, bars); err != nil {
		return err
	}
	logger.Info("candles written",
		zap.String("instrument", fetchInstrument),
		zap.Int("bars", len(bars)),
		zap.String("out", fetchOut),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bars to %s\n", len(bars), fetchOut)
	return nil
}

func writeBars(path string, bars []market.Bar) (err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return data.WriteParquet(path, bars)
	case ".csv":
		fh, cerr := os.Create(path)
		if cerr != nil {
			return cerr
		}
		defer func() { err = multierr.Append(err, fh.Close()) }()
		return data.WriteCSV(fh, bars)
	default:
		return fmt.Errorf("unsupported output %q (want .csv or .parquet)", path)
	}
}
