// Package oanda implements the market data client for the OANDA v20 REST API.
package oanda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rustyeddy/stratlab/broker"
	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMaxCandles is the OANDA cap on candles per request.
const DefaultMaxCandles = 5000

type Client struct {
	BaseURL   string // e.g. https://api-fxpractice.oanda.com
	StreamURL string // e.g. https://stream-fxpractice.oanda.com
	Token     string
	AccountID string
	HTTP      *http.Client

	Limiter       *rate.Limiter
	Timeout       time.Duration // per request
	MaxRetries    int
	RetryInterval time.Duration // first backoff delay
	Candles       int           // max candles per request

	Logger *zap.Logger
	Now    func() time.Time
}

var (
	_ broker.BatchFetcher     = (*Client)(nil)
	_ broker.MarketDataClient = (*Client)(nil)
)

func BaseURL(env string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "practice", "demo":
		return "https://api-fxpractice.oanda.com", nil
	case "live", "trade":
		return "https://api-fxtrade.oanda.com", nil
	default:
		return "", fmt.Errorf("%w: unknown OANDA env %q (want practice|live)", common.ErrConfig, env)
	}
}

func streamURL(env string) string {
	if strings.EqualFold(strings.TrimSpace(env), "live") {
		return "https://stream-fxtrade.oanda.com"
	}
	return "https://stream-fxpractice.oanda.com"
}

// NewClient builds a client from the broker section of the config.
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	base, err := BaseURL(cfg.Env)
	if err != nil {
		return nil, err
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: oanda: missing token", common.ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:       base,
		StreamURL:     streamURL(cfg.Env),
		Token:         cfg.Token,
		AccountID:     cfg.AccountID,
		HTTP:          &http.Client{},
		Limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		Timeout:       cfg.Timeout,
		MaxRetries:    cfg.MaxRetries,
		RetryInterval: 500 * time.Millisecond,
		Candles:       cfg.MaxCandles,
		Logger:        logger.Named("oanda"),
	}, nil
}

func (c *Client) MaxCandles() int {
	if c.Candles <= 0 || c.Candles > DefaultMaxCandles {
		return DefaultMaxCandles
	}
	return c.Candles
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// statusError is a non-200 response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("oanda http %d: %s", e.Code, e.Body)
}

func (e *statusError) transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// get performs a rate limited GET, retrying timeouts, 429 and 5xx responses.
func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if c.Token == "" {
		return nil, fmt.Errorf("%w: oanda: missing token", common.ErrConfig)
	}
	if c.BaseURL == "" {
		return nil, fmt.Errorf("%w: oanda: missing base url", common.ErrConfig)
	}

	var body []byte
	op := func() error {
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		b, err := c.do(ctx, http.MethodGet, path, q, nil)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && !se.transient() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		body = b
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	if c.RetryInterval > 0 {
		eb.InitialInterval = c.RetryInterval
	}
	retries := c.MaxRetries
	if retries < 0 {
		retries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	err := backoff.RetryNotify(op, bo, func(err error, d time.Duration) {
		c.logger().Warn("oanda request failed, retrying",
			zap.String("path", path), zap.Duration("backoff", d), zap.Error(err))
	})
	if err != nil {
		if errors.Is(err, common.ErrDataFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", common.ErrDataFetch, path, err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) ([]byte, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u.Path = path
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s after %s", broker.ErrTimeout, method, path, timeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: reading %s after %s", broker.ErrTimeout, path, timeout)
		}
		return nil, err
	}
	return b, nil
}
