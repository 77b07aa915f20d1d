package data

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/stratlab/market"
)

// csvHeader is the canonical candle CSV layout.
var csvHeader = []string{"time", "instrument", "granularity", "complete", "volume", "o", "h", "l", "c"}

// CSVSource reads canonical candle CSV rows:
//
//	time,instrument,granularity,complete,volume,o,h,l,c
//
// where time is RFC3339 or RFC3339Nano. A header row is allowed, incomplete
// candles and short rows are skipped, and rows outside [From, To) are
// filtered when those bounds are set.
type CSVSource struct {
	f    io.Closer
	r    *csv.Reader
	from time.Time
	to   time.Time
	line int

	sawFirst bool
}

func OpenCSV(path string, from, to time.Time) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewCSVSource(f, from, to)
	s.f = f
	return s, nil
}

func NewCSVSource(r io.Reader, from, to time.Time) *CSVSource {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	return &CSVSource{r: cr, from: from, to: to}
}

func (s *CSVSource) Close() error {
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

func (s *CSVSource) Next(ctx context.Context) (market.Bar, bool, error) {
	for {
		row, err := s.r.Read()
		if err == io.EOF {
			return market.Bar{}, false, nil
		}
		if err != nil {
			return market.Bar{}, false, err
		}
		s.line++
		if len(row) == 0 {
			continue
		}

		// Allow a single header row
		if !s.sawFirst {
			s.sawFirst = true
			if strings.EqualFold(strings.TrimSpace(row[0]), "time") {
				continue
			}
		}

		b, ok, err := parseCandleRow(row)
		if err != nil {
			return market.Bar{}, false, fmt.Errorf("csv line %d: %w", s.line, err)
		}
		if !ok || !inRange(b.Time, s.from, s.to) {
			continue
		}
		return b, true, nil
	}
}

func parseCandleRow(row []string) (market.Bar, bool, error) {
	if len(row) < len(csvHeader) {
		return market.Bar{}, false, nil
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	if row[0] == "" || row[1] == "" {
		return market.Bar{}, false, nil
	}
	if complete, err := strconv.ParseBool(row[3]); err == nil && !complete {
		return market.Bar{}, false, nil
	}

	t, err := time.Parse(time.RFC3339Nano, row[0])
	if err != nil {
		return market.Bar{}, false, fmt.Errorf("bad time %q: %w", row[0], err)
	}
	period, err := market.ParsePeriod(row[2])
	if err != nil {
		return market.Bar{}, false, err
	}

	vals := make([]float64, 5)
	for i, s := range row[4:9] {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, false, fmt.Errorf("bad %s %q: %w", csvHeader[4+i], s, err)
		}
		vals[i] = v
	}

	b := market.Bar{
		Instrument: row[1],
		Period:     period,
		Time:       t.UTC(),
		Volume:     vals[0],
		Open:       vals[1],
		High:       vals[2],
		Low:        vals[3],
		Close:      vals[4],
	}
	if err := b.Validate(); err != nil {
		return market.Bar{}, false, err
	}
	return b, true, nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

// WriteCSV writes bars in the canonical candle layout, header first.
func WriteCSV(w io.Writer, bars []market.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bars {
		gran, err := market.PeriodString(b.Period)
		if err != nil {
			return err
		}
		row := []string{
			b.Time.UTC().Format(time.RFC3339Nano),
			b.Instrument,
			gran,
			"true",
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
