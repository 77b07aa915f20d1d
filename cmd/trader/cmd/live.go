package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/stratlab/broker/oanda"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/engine"
	"github.com/rustyeddy/stratlab/internal/id"
	"github.com/rustyeddy/stratlab/journal"
	"github.com/rustyeddy/stratlab/market"
	"github.com/rustyeddy/stratlab/risk"
	"github.com/rustyeddy/stratlab/strategies"
)

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run a strategy on live OANDA bars",
	Long: `Live polls OANDA for completed bars and streams prices to revalue open
trades. Entries pass the risk gate, which reads the day-start equity from
the journal.

Orders stay simulated unless --execute is given, in which case they are
sent to the configured OANDA account.

Stop with Ctrl-C.

Example:
  trader live --strategy ema-cross --instrument EUR_USD --period M5 --param fast=8`,
	Args: cobra.NoArgs,
	RunE: runLive,
}

var (
	liveStrategy   string
	liveInstrument string
	livePeriod     string
	liveCash       float64
	liveParams     []string
	liveExecute    bool
)

func init() {
	rootCmd.AddCommand(liveCmd)

	f := liveCmd.Flags()
	f.StringVarP(&liveStrategy, "strategy", "s", "noop", "strategy name")
	f.StringVarP(&liveInstrument, "instrument", "i", "EUR_USD", "instrument")
	f.StringVarP(&livePeriod, "period", "p", "M5", "bar period")
	f.Float64VarP(&liveCash, "cash", "b", 10_000, "initial balance of the simulated account")
	f.StringArrayVar(&liveParams, "param", nil, "strategy parameter name=value (repeatable)")
	f.BoolVar(&liveExecute, "execute", false, "send orders to the broker account")
}

func runLive(cmd *cobra.Command, args []string) (err error) {
	ecfg, err := engine.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	if ecfg.Period, err = market.ParsePeriod(livePeriod); err != nil {
		return err
	}
	ecfg.Mode = engine.Live
	ecfg.Instrument = liveInstrument
	ecfg.InitialCash = decimal.NewFromFloat(liveCash)
	ecfg.Speed = engine.SpeedInstant
	ecfg.StrategyID = id.New()
	ecfg.AccountID = cfg.Broker.AccountID
	if ecfg.AccountID == "" {
		ecfg.AccountID = ecfg.StrategyID
	}

	params, err := parseParams(liveParams)
	if err != nil {
		return err
	}
	strat, err := strategies.Builtins().New(liveStrategy, params)
	if err != nil {
		return err
	}

	client, err := oanda.NewClient(cfg.Broker, logger)
	if err != nil {
		return err
	}
	if liveExecute && cfg.Broker.AccountID == "" {
		return fmt.Errorf("--execute needs broker.account_id")
	}

	db, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, db.Close()) }()
	pipe := newPipeline(db)
	defer func() { err = multierr.Append(err, pipe.Close()) }()

	dm := data.NewManager(cfg.Engine.BarSeriesCapacity, logger)
	deps := engine.Deps{
		Strategy: strat,
		Data:     dm,
		Sink:     pipe.Pub,
		Risk:     risk.NewLiveManager(journal.DayStartEquity{DB: db}, ecfg.AccountID, cfg.Risk.LookupTimeout, logger),
		Logger:   logger,
	}
	if liveExecute {
		deps.Executor = engine.BrokerExecutor{Router: client}
	}

	e, err := engine.New(ecfg, deps)
	if err != nil {
		return err
	}
	dm.AddListener(data.ListenerFunc(func(_ context.Context, b market.Bar) error {
		if e.State().Terminal() {
			return data.ErrDetach
		}
		logger.Debug("bar",
			zap.String("instrument", b.Instrument),
			zap.Time("time", b.Time),
			zap.Float64("close", b.Close))
		return nil
	}))

	reg := engine.NewRegistry(logger)
	if err := reg.Add(e); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	from := time.Now().UTC().Truncate(ecfg.Period)
	src := data.NewLiveSource(client, ecfg.Instrument, ecfg.Period, from, logger)

	logger.Info("live run starting",
		zap.String("strategy_id", e.ID()),
		zap.String("strategy", strat.Name()),
		zap.String("instrument", ecfg.Instrument),
		zap.Duration("period", ecfg.Period),
		zap.Bool("execute", liveExecute),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.RunLive(gctx, src)
	})
	g.Go(func() error {
		err := client.StreamPrices(gctx, []string{ecfg.Instrument}, func(t market.Tick) bool {
			if perr := dm.PushTick(gctx, t); perr != nil {
				logger.Debug("tick dropped", zap.Error(perr))
			}
			return !e.State().Terminal()
		})
		if gctx.Err() != nil {
			return nil
		}
		// prices are optional; bars keep flowing without them
		logger.Warn("price stream ended", zap.Error(err))
		return nil
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if derr := reg.Drain(drainCtx); derr != nil {
		logger.Warn("draining engines", zap.Error(derr))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	acct := e.Account()
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: balance %s equity %s\n",
		e.ID(), e.State(), acct.Balance.StringFixed(2), acct.Equity.StringFixed(2))
	return nil
}
