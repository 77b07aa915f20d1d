package data

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/market"
	"go.uber.org/zap"
)

// Source yields bars in time order. ok is false once the source is
// exhausted.
type Source interface {
	Next(ctx context.Context) (bar market.Bar, ok bool, err error)
}

// SliceSource replays a fixed slice. The slice is never modified, so many
// sources may share one.
type SliceSource struct {
	bars []market.Bar
	pos  int
}

func NewSliceSource(bars []market.Bar) *SliceSource {
	return &SliceSource{bars: bars}
}

func (s *SliceSource) Next(ctx context.Context) (market.Bar, bool, error) {
	if s.pos >= len(s.bars) {
		return market.Bar{}, false, nil
	}
	b := s.bars[s.pos]
	s.pos++
	return b, true, nil
}

func (s *SliceSource) Len() int { return len(s.bars) }

// LiveSource polls a broker for newly completed bars. Next blocks until a
// bar is available or ctx is done. Broker timeouts are logged and retried on
// the next poll.
type LiveSource struct {
	Fetcher    broker.BatchFetcher
	Instrument string
	Period     time.Duration
	PollEvery  time.Duration // defaults to Period
	Logger     *zap.Logger

	next time.Time
	buf  []market.Bar
}

// NewLiveSource starts polling from `from`.
func NewLiveSource(f broker.BatchFetcher, instrument string, period time.Duration, from time.Time, logger *zap.Logger) *LiveSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveSource{
		Fetcher:    f,
		Instrument: instrument,
		Period:     period,
		Logger:     logger.Named("live"),
		next:       from,
	}
}

func (s *LiveSource) Next(ctx context.Context) (market.Bar, bool, error) {
	wait := s.PollEvery
	if wait <= 0 {
		wait = s.Period
	}

	for len(s.buf) == 0 {
		bars, err := s.Fetcher.FetchBatch(ctx, broker.BatchRequest{
			Instrument: s.Instrument,
			From:       s.next,
			Count:      s.Fetcher.MaxCandles(),
			Period:     s.Period,
		})
		switch {
		case ctx.Err() != nil:
			return market.Bar{}, false, ctx.Err()
		case errors.Is(err, broker.ErrTimeout):
			s.Logger.Warn("live poll timed out", zap.String("instrument", s.Instrument), zap.Error(err))
		case err != nil:
			return market.Bar{}, false, err
		}

		for _, b := range bars {
			if b.Time.Before(s.next) {
				continue
			}
			s.buf = append(s.buf, b)
			s.next = b.Time.Add(s.Period)
		}
		if len(s.buf) > 0 {
			break
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return market.Bar{}, false, ctx.Err()
		case <-t.C:
		}
	}

	b := s.buf[0]
	s.buf = s.buf[1:]
	return b, true, nil
}
