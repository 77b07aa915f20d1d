package data

import (
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rustyeddy/stratlab/market"
)

// parquetBar is the on-disk row. Times are unix milliseconds and the period
// is stored in seconds.
type parquetBar struct {
	Instrument string  `parquet:"instrument"`
	Period     int64   `parquet:"period_s"`
	Timestamp  int64   `parquet:"t"`
	Open       float64 `parquet:"o"`
	High       float64 `parquet:"h"`
	Low        float64 `parquet:"l"`
	Close      float64 `parquet:"c"`
	Volume     float64 `parquet:"v"`
}

func WriteParquet(path string, bars []market.Bar) error {
	rows := make([]parquetBar, len(bars))
	for i, b := range bars {
		rows[i] = parquetBar{
			Instrument: b.Instrument,
			Period:     int64(b.Period / time.Second),
			Timestamp:  b.Time.UnixMilli(),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
		}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write parquet %s: %w", path, err)
	}
	return nil
}

// ReadParquet loads every bar in [from, to) from a parquet file written by
// WriteParquet.
func ReadParquet(path string, from, to time.Time) ([]market.Bar, error) {
	rows, err := parquet.ReadFile[parquetBar](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	bars := make([]market.Bar, 0, len(rows))
	for i, r := range rows {
		b := market.Bar{
			Instrument: r.Instrument,
			Period:     time.Duration(r.Period) * time.Second,
			Time:       time.UnixMilli(r.Timestamp).UTC(),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("parquet row %d: %w", i, err)
		}
		if inRange(b.Time, from, to) {
			bars = append(bars, b)
		}
	}
	return bars, nil
}

// ParquetSource replays a parquet bar file.
type ParquetSource struct {
	*SliceSource
}

func OpenParquet(path string, from, to time.Time) (*ParquetSource, error) {
	bars, err := ReadParquet(path, from, to)
	if err != nil {
		return nil, err
	}
	return &ParquetSource{SliceSource: NewSliceSource(bars)}, nil
}
