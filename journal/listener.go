package journal

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/events"
	"github.com/rustyeddy/stratlab/sim"
)

// EventListener persists engine events. Every event is stored in the
// events table when Events is set; account snapshots and newly closed
// trades are additionally written to each journal.
type EventListener struct {
	Events   *SQLite
	Journals []Journal
	Logger   *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

var _ events.Listener = (*EventListener)(nil)

func NewEventListener(db *SQLite, logger *zap.Logger, journals ...Journal) *EventListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventListener{
		Events:   db,
		Journals: journals,
		Logger:   logger.Named("journal"),
		seen:     make(map[string]struct{}),
	}
}

func (l *EventListener) OnEvent(ev events.Event) error {
	var err error
	if l.Events != nil {
		err = multierr.Append(err, l.Events.RecordEvent(ev))
	}

	switch p := ev.Payload.(type) {
	case sim.Account:
		snap := EquityFromSim(ev.Time, p)
		for _, j := range l.Journals {
			err = multierr.Append(err, j.RecordEquity(snap))
		}
	case events.Trades:
		for _, t := range p.Closed {
			if !l.markSeen(ev.StrategyID, t.ID) {
				continue
			}
			rec := TradeFromSim(ev.StrategyID, t)
			for _, j := range l.Journals {
				err = multierr.Append(err, j.RecordTrade(rec))
			}
		}
	}
	return err
}

// markSeen reports whether the trade is new to this listener.
func (l *EventListener) markSeen(runID, tradeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = make(map[string]struct{})
	}
	key := runID + "/" + tradeID
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = struct{}{}
	return true
}

func (l *EventListener) OnError(strategyID string, err error) {
	if l.Events == nil {
		return
	}
	ev := events.NewLog(strategyID, time.Now().UTC(), events.LevelError, err.Error(), nil)
	if rerr := l.Events.RecordEvent(ev); rerr != nil && l.Logger != nil {
		l.Logger.Warn("record error event failed",
			zap.String("strategy_id", strategyID),
			zap.Error(rerr),
		)
	}
}
