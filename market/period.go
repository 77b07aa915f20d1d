package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	M1  = time.Minute
	M5  = 5 * time.Minute
	M15 = 15 * time.Minute
	M30 = 30 * time.Minute
	H1  = time.Hour
	H4  = 4 * time.Hour
	D1  = 24 * time.Hour
	W1  = 7 * D1
)

var units = []struct {
	prefix string
	unit   time.Duration
}{
	{"W", W1},
	{"D", D1},
	{"H", time.Hour},
	{"M", time.Minute},
	{"S", time.Second},
}

// PeriodString maps a period to its short timeframe name (S5, M1, H4, D1...).
func PeriodString(p time.Duration) (string, error) {
	if p <= 0 {
		return "", fmt.Errorf("invalid period: %s", p)
	}
	for _, u := range units {
		if p%u.unit == 0 {
			return fmt.Sprintf("%s%d", u.prefix, p/u.unit), nil
		}
	}
	return "", fmt.Errorf("cannot map period: %s", p)
}

// ParsePeriod accepts timeframe names (M1, H1, D1, D, W) or Go durations
// (15m, 90s).
func ParsePeriod(s string) (time.Duration, error) {
	tf := strings.ToUpper(strings.TrimSpace(s))
	if tf == "" {
		return 0, fmt.Errorf("empty period")
	}
	for _, u := range units {
		if !strings.HasPrefix(tf, u.prefix) {
			continue
		}
		rest := tf[len(u.prefix):]
		if rest == "" {
			return u.unit, nil
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			break
		}
		if n <= 0 {
			return 0, fmt.Errorf("unsupported period %q", s)
		}
		return time.Duration(n) * u.unit, nil
	}
	d, err := time.ParseDuration(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("unsupported period %q", s)
	}
	return d, nil
}
