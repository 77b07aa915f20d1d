package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/broker/oanda"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/engine"
	"github.com/rustyeddy/stratlab/journal"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/strategies"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a strategy over historical bars",
	Long: `Backtest drives a strategy over [from, to) and prints the result.

Bars come from a CSV or Parquet file (--data) or are fetched from OANDA.
Trades, equity and events are journaled to the SQLite database.

Strategies: noop, open-once, ema-cross (see "trader strategies").

Example:
  trader backtest --strategy ema-cross --instrument EUR_USD --period D \
    --from 2023-01-01 --to 2024-01-01 --param fast=10 --param slow=30`,
	RunE: runBacktest,
}

var (
	btStrategy   string
	btInstrument string
	btPeriod     string
	btFrom       string
	btTo         string
	btCash       float64
	btData       string
	btParams     []string
	btSpeed      string
	btTradesCSV  string
	btEquityCSV  string
)

func init() {
	rootCmd.AddCommand(backtestCmd)

	f := backtestCmd.Flags()
	f.StringVarP(&btStrategy, "strategy", "s", "noop", "strategy name")
	f.StringVarP(&btInstrument, "instrument", "i", "EUR_USD", "instrument")
	f.StringVarP(&btPeriod, "period", "p", "D", "bar period (M1, H1, D, ...)")
	f.StringVar(&btFrom, "from", "", "start of the range, inclusive (required)")
	f.StringVar(&btTo, "to", "", "end of the range, exclusive (required)")
	f.Float64VarP(&btCash, "cash", "b", 10_000, "initial account balance")
	f.StringVarP(&btData, "data", "d", "", "bar file (.csv or .parquet); fetch from OANDA when empty")
	f.StringArrayVar(&btParams, "param", nil, "strategy parameter name=value (repeatable)")
	f.StringVar(&btSpeed, "speed", "", "pacing override: instant|very_fast|fast|normal|slow")
	f.StringVar(&btTradesCSV, "trades-csv", "", "also write closed trades to this CSV")
	f.StringVar(&btEquityCSV, "equity-csv", "", "also write equity snapshots to this CSV")

	_ = backtestCmd.MarkFlagRequired("from")
	_ = backtestCmd.MarkFlagRequired("to")
}

func runBacktest(cmd *cobra.Command, args []string) (err error) {
	ecfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	if btSpeed != "" {
		if ecfg.Speed, err = engine.ParseSpeed(btSpeed); err != nil {
			return err
		}
	}
	if ecfg.Period, err = market.ParsePeriod(btPeriod); err != nil {
		return err
	}
	if ecfg.From, err = parseTime(btFrom); err != nil {
		return err
	}
	if ecfg.To, err = parseTime(btTo); err != nil {
		return err
	}
	ecfg.Mode = engine.Backtest
	ecfg.Instrument = btInstrument
	ecfg.InitialCash = decimal.NewFromFloat(btCash)

	params, err := parseParams(btParams)
	if err != nil {
		return err
	}
	strat, err := strategies.Builtins().New(btStrategy, params)
	if err != nil {
		return err
	}

	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()

	var extra []journal.Journal
	if btTradesCSV != "" || btEquityCSV != "" {
		if btTradesCSV == "" || btEquityCSV == "" {
			return fmt.Errorf("--trades-csv and --equity-csv go together")
		}
		cj, err := journal.NewCSV(btTradesCSV, btEquityCSV)
		if err != nil {
			return err
		}
		extra = append(extra, cj)
	}
	pipe := newPipeline(db, extra...)

	e, err := engine.New(ecfg, engine.Deps{
		Strategy: strat,
		Data:     data.NewManager(cfg.Engine.BarSeriesCapacity, logger),
		Sink:     pipe.Pub,
		Logger:   logger,
	})
	if err != nil {
		return multierr.Append(err, pipe.Close())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	logger.Info("backtest starting",
		zap.String("strategy_id", e.ID()),
		zap.String("strategy", strat.Name()),
		zap.String("instrument", ecfg.Instrument),
		zap.Time("from", ecfg.From),
		zap.Time("to", ecfg.To),
		zap.Stringer("params", params),
	)

	runErr := runBacktestEngine(ctx, e, ecfg)
	if cerr := pipe.Close(); cerr != nil {
		logger.Warn("closing event pipeline", zap.Error(cerr))
	}
	if runErr != nil {
		return runErr
	}

	res, ok := e.Result()
	if !ok {
		return fmt.Errorf("backtest %s ended %s", e.ID(), e.State())
	}
	engine.PrintResult(cmd.OutOrStdout(), res)
	return nil
}

func runBacktestEngine(ctx context.Context, e *engine.Engine, ecfg engine.Config) error {
	if btData != "" {
		src, err := data.OpenFile(btData, ecfg.From, ecfg.To)
		if err != nil {
			return err
		}
		defer func() { _ = data.CloseSource(src) }()
		return e.Run(ctx, src)
	}

	client, err := oanda.NewClient(cfg.Broker, logger)
	if err != nil {
		return err
	}
	return e.RunStream(ctx, client, broker.CandleRequest{
		Instrument: ecfg.Instrument,
		From:       ecfg.From,
		To:         ecfg.To,
		Period:     ecfg.Period,
	})
}
