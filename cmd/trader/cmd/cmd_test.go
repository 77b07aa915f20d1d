package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/data"
	"github.com/rustyeddy/stratlab/market"
)

func TestParseTime(t *testing.T) {
	got, err := parseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2024-03-01T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), got)

	got, err = parseTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = parseTime("yesterday")
	assert.True(t, errors.Is(err, common.ErrConfig))
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"fast=10", "slow = 30", "risk=0.01"})
	require.NoError(t, err)
	assert.Equal(t, 10.0, p["fast"])
	assert.Equal(t, 30.0, p["slow"])
	assert.Equal(t, 0.01, p["risk"])

	for _, bad := range []string{"fast", "=1", "fast=x"} {
		_, err := parseParams([]string{bad})
		assert.True(t, errors.Is(err, common.ErrConfig), bad)
	}
}

func testBars(n int) []market.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		px := 1.10 + float64(i)*0.001
		bars[i] = market.Bar{
			Instrument: "EUR_USD",
			Period:     24 * time.Hour,
			Time:       start.Add(time.Duration(i) * 24 * time.Hour),
			Open:       px,
			High:       px + 0.002,
			Low:        px - 0.002,
			Close:      px + 0.001,
			Volume:     100,
		}
	}
	return bars
}

func TestWriteBars(t *testing.T) {
	dir := t.TempDir()
	bars := testBars(3)

	for _, name := range []string{"bars.csv", "bars.parquet"} {
		path := filepath.Join(dir, name)
		require.NoError(t, writeBars(path, bars), name)

		src, err := data.OpenFile(path, time.Time{}, time.Time{})
		require.NoError(t, err, name)
		got, err := data.ReadAll(context.Background(), src)
		require.NoError(t, err, name)
		require.NoError(t, data.CloseSource(src))
		assert.Len(t, got, 3, name)
	}

	assert.Error(t, writeBars(filepath.Join(dir, "bars.json"), bars))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	barsPath := filepath.Join(dir, "bars.csv")
	require.NoError(t, writeBars(barsPath, testBars(5)))
	db := filepath.Join(dir, "trader.sqlite")

	out, err := execute(t, "backtest",
		"--log-file", "",
		"--log-level", "warn",
		"--db", db,
		"--data", barsPath,
		"--strategy", "noop",
		"--from", "2024-01-01",
		"--to", "2024-01-06",
	)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Backtest Result")
	assert.Contains(t, out, "EUR_USD")

	_, err = os.Stat(db)
	assert.NoError(t, err)
}

func TestConfigAndStrategiesCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.yaml")

	out, err := execute(t, "config", "init", "-o", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, path)

	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "configuration valid")

	out, err = execute(t, "strategies")
	require.NoError(t, err)
	assert.Contains(t, out, "ema-cross")
	assert.Contains(t, out, "noop")
}
