package oanda

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/market"
)

type pricingStreamMsg struct {
	Type       string `json:"type"`
	Time       string `json:"time"`
	Instrument string `json:"instrument"`

	Bids []struct {
		Price string `json:"price"`
	} `json:"bids"`

	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
}

// StreamPrices connects to the pricing stream and calls fn for every PRICE
// message until fn returns false or ctx is done. A stream silent for longer
// than Timeout (OANDA heartbeats every 5s) fails with broker.ErrTimeout.
func (c *Client) StreamPrices(ctx context.Context, instruments []string, fn func(market.Tick) bool) error {
	if c.Token == "" {
		return fmt.Errorf("%w: oanda: missing token", common.ErrConfig)
	}
	if c.AccountID == "" {
		return fmt.Errorf("%w: oanda: missing account id", common.ErrConfig)
	}
	if len(instruments) == 0 {
		return fmt.Errorf("%w: oanda: missing instruments", common.ErrConfig)
	}

	base := c.StreamURL
	if base == "" {
		base = c.BaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	u.Path = fmt.Sprintf("/v3/accounts/%s/pricing/stream", c.AccountID)
	q := u.Query()
	q.Set("instruments", strings.Join(instruments, ","))
	u.RawQuery = q.Encode()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var idle atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		idle.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return c.streamErr(ctx, &idle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return fmt.Errorf("%w: oanda pricing stream http %d: %s", common.ErrDataFetch, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	sc := bufio.NewScanner(resp.Body)
	// OANDA stream messages can be long
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	for sc.Scan() {
		watchdog.Reset(timeout)

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var msg pricingStreamMsg
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return fmt.Errorf("%w: oanda: bad json: %w (line=%q)", common.ErrDataFetch, err, trimForErr(line))
		}
		if !strings.EqualFold(msg.Type, "PRICE") {
			continue
		}
		tick, ok := parseTick(msg, c.now())
		if !ok {
			continue
		}
		if !fn(tick) {
			return nil
		}
	}

	if err := sc.Err(); err != nil {
		return c.streamErr(ctx, &idle, err)
	}
	if idle.Load() {
		return c.streamErr(ctx, &idle, context.DeadlineExceeded)
	}
	return ctx.Err()
}

func (c *Client) streamErr(ctx context.Context, idle *atomic.Bool, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if idle.Load() {
		return fmt.Errorf("%w: pricing stream idle", broker.ErrTimeout)
	}
	if errors.Is(err, common.ErrDataFetch) {
		return err
	}
	return fmt.Errorf("%w: oanda pricing stream: %w", common.ErrDataFetch, err)
}

func parseTick(msg pricingStreamMsg, now time.Time) (market.Tick, bool) {
	if msg.Instrument == "" || len(msg.Bids) == 0 || len(msg.Asks) == 0 {
		return market.Tick{}, false
	}
	bid, err := strconv.ParseFloat(msg.Bids[0].Price, 64)
	if err != nil {
		return market.Tick{}, false
	}
	ask, err := strconv.ParseFloat(msg.Asks[0].Price, 64)
	if err != nil {
		return market.Tick{}, false
	}
	t := now.UTC()
	if msg.Time != "" {
		if pt, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
			t = pt.UTC()
		}
	}
	return market.Tick{
		Instrument: msg.Instrument,
		Time:       t,
		Bid:        bid,
		Ask:        ask,
		Mid:        (bid + ask) / 2,
	}, true
}

func trimForErr(s string) string {
	const n = 200
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
