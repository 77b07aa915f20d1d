package oanda

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/market"
)

var granularities = []struct {
	code   string
	period time.Duration
}{
	{"S5", 5 * time.Second},
	{"S10", 10 * time.Second},
	{"S15", 15 * time.Second},
	{"S30", 30 * time.Second},
	{"M1", time.Minute},
	{"M2", 2 * time.Minute},
	{"M4", 4 * time.Minute},
	{"M5", 5 * time.Minute},
	{"M10", 10 * time.Minute},
	{"M15", 15 * time.Minute},
	{"M30", 30 * time.Minute},
	{"H1", time.Hour},
	{"H2", 2 * time.Hour},
	{"H3", 3 * time.Hour},
	{"H4", 4 * time.Hour},
	{"H6", 6 * time.Hour},
	{"H8", 8 * time.Hour},
	{"H12", 12 * time.Hour},
	{"D", 24 * time.Hour},
	{"W", 7 * 24 * time.Hour},
}

// Granularity maps a bar period to an OANDA granularity code.
func Granularity(period time.Duration) (string, error) {
	for _, g := range granularities {
		if g.period == period {
			return g.code, nil
		}
	}
	return "", fmt.Errorf("%w: oanda: unsupported period %s", common.ErrConfig, period)
}

// ParseGranularity is the inverse of Granularity.
func ParseGranularity(code string) (time.Duration, error) {
	for _, g := range granularities {
		if g.code == code {
			return g.period, nil
		}
	}
	return 0, fmt.Errorf("%w: oanda: unknown granularity %q", common.ErrConfig, code)
}

type ohlc struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type candlesResp struct {
	Instrument  string `json:"instrument"`
	Granularity string `json:"granularity"`
	Candles     []struct {
		Complete bool   `json:"complete"`
		Time     string `json:"time"`
		Volume   int    `json:"volume"`
		Mid      *ohlc  `json:"mid,omitempty"`
	} `json:"candles"`
}

// FetchBatch requests up to req.Count mid-price candles starting at req.From.
// Incomplete candles are dropped.
func (c *Client) FetchBatch(ctx context.Context, req broker.BatchRequest) ([]market.Bar, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("%w: oanda: missing instrument", common.ErrConfig)
	}
	gran, err := Granularity(req.Period)
	if err != nil {
		return nil, err
	}
	count := req.Count
	if count <= 0 || count > c.MaxCandles() {
		count = c.MaxCandles()
	}

	q := url.Values{}
	q.Set("granularity", gran)
	q.Set("price", "M")
	q.Set("from", req.From.UTC().Format(time.RFC3339Nano))
	q.Set("count", strconv.Itoa(count))

	body, err := c.get(ctx, fmt.Sprintf("/v3/instruments/%s/candles", req.Instrument), q)
	if err != nil {
		return nil, err
	}

	var cr candlesResp
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("%w: oanda: decode candles: %w", common.ErrDataFetch, err)
	}

	bars := make([]market.Bar, 0, len(cr.Candles))
	for _, cd := range cr.Candles {
		if !cd.Complete || cd.Mid == nil {
			continue
		}
		b, err := parseCandle(req.Instrument, req.Period, cd.Time, cd.Volume, cd.Mid)
		if err != nil {
			return nil, fmt.Errorf("%w: oanda: %w", common.ErrDataFetch, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseCandle(instrument string, period time.Duration, ts string, volume int, p *ohlc) (market.Bar, error) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return market.Bar{}, fmt.Errorf("bad candle time %q: %w", ts, err)
	}
	vals := make([]float64, 4)
	for i, s := range []string{p.O, p.H, p.L, p.C} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("bad price %q at %s: %w", s, ts, err)
		}
		vals[i] = v
	}
	b := market.Bar{
		Instrument: instrument,
		Period:     period,
		Time:       t.UTC(),
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     float64(volume),
	}
	return b, b.Validate()
}

// FetchCandles streams [req.From, req.To) through h, paging MaxCandles at a
// time.
func (c *Client) FetchCandles(ctx context.Context, req broker.CandleRequest, h broker.CandleHandler) error {
	if _, err := Granularity(req.Period); err != nil {
		return err
	}
	return broker.StreamCandles(ctx, c, c.now, req, h)
}
