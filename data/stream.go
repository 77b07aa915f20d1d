package data

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/market"
)

// Stream feeds a broker candle stream into Push. The stream is stopped early
// when ctx is done, when every listener has detached, or when a bar is
// rejected.
func (m *Manager) Stream(ctx context.Context, client broker.MarketDataClient, req broker.CandleRequest) (int, error) {
	var (
		n       int
		pushErr error
	)
	err := client.FetchCandles(ctx, req, broker.HandlerFuncs{
		Candle: func(b market.Bar) bool {
			if ctx.Err() != nil {
				return false
			}
			err := m.Push(ctx, b)
			if err != nil && !errors.Is(err, ErrListener) {
				pushErr = err
				return false
			}
			n++
			if m.Listeners() == 0 {
				pushErr = err
				return false
			}
			return true
		},
	})
	if err != nil {
		return n, err
	}
	if pushErr != nil {
		return n, pushErr
	}
	return n, ctx.Err()
}

// Collect gathers a broker candle stream into memory.
func Collect(ctx context.Context, client broker.MarketDataClient, req broker.CandleRequest) ([]market.Bar, error) {
	var bars []market.Bar
	err := client.FetchCandles(ctx, req, broker.HandlerFuncs{
		Candle: func(b market.Bar) bool {
			bars = append(bars, b)
			return ctx.Err() == nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bars, nil
}

// ReadAll drains src into memory.
func ReadAll(ctx context.Context, src Source) ([]market.Bar, error) {
	var bars []market.Bar
	for {
		b, ok, err := src.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return bars, nil
		}
		bars = append(bars, b)
	}
}

// OpenFile opens a CSV or Parquet bar file by extension. The returned source
// should be closed when it implements io.Closer.
func OpenFile(path string, from, to time.Time) (Source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		src, err := OpenCSV(path, from, to)
		if err != nil {
			return nil, err
		}
		return src, nil
	case ".parquet":
		src, err := OpenParquet(path, from, to)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unsupported bar file %q (want .csv or .parquet)", path)
	}
}

// CloseSource closes src when it holds a file.
func CloseSource(src Source) error {
	if c, ok := src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
