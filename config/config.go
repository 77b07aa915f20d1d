package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rustyeddy/stratlab/common"
	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration. Every option has an
// explicit default in Default().
type Config struct {
	Log          LogConfig          `json:"log" yaml:"log"`
	Broker       BrokerConfig       `json:"broker" yaml:"broker"`
	Engine       EngineConfig       `json:"engine" yaml:"engine"`
	Risk         RiskConfig         `json:"risk" yaml:"risk"`
	Optimisation OptimisationConfig `json:"optimisation" yaml:"optimisation"`
	Journal      JournalConfig      `json:"journal" yaml:"journal"`
	Kafka        KafkaConfig        `json:"kafka" yaml:"kafka"`
}

// LogConfig controls the zap logger and its rotating file.
type LogConfig struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File       string `json:"file" yaml:"file"` // "" disables file output
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// BrokerConfig configures the market data client.
type BrokerConfig struct {
	Name              string        `json:"name" yaml:"name" validate:"oneof=oanda"`
	Env               string        `json:"env" yaml:"env" validate:"oneof=practice live"`
	Token             string        `json:"token,omitempty" yaml:"token,omitempty"`
	AccountID         string        `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	MaxCandles        int           `json:"max_candles" yaml:"max_candles" validate:"gt=0,lte=5000"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" validate:"gt=0"`
	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second" validate:"gt=0"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
}

// EngineConfig configures execution engines.
type EngineConfig struct {
	BarSeriesCapacity int     `json:"bar_series_capacity" yaml:"bar_series_capacity" validate:"gt=0"`
	SnapshotEvery     int     `json:"snapshot_every" yaml:"snapshot_every" validate:"gt=0"`
	Speed             string  `json:"speed" yaml:"speed" validate:"oneof=instant very_fast fast normal slow"`
	Spread            float64 `json:"spread" yaml:"spread" validate:"gte=0"`
	CloseOnComplete   bool    `json:"close_on_complete" yaml:"close_on_complete"`
}

// RiskConfig configures the risk gate applied before new entries.
type RiskConfig struct {
	MaxDailyLossPct    float64       `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct" validate:"gt=0,lte=1"`
	MaxRiskPerTradePct float64       `json:"max_risk_per_trade_pct" yaml:"max_risk_per_trade_pct" validate:"gt=0,lte=1"`
	MaxOpenTrades      int           `json:"max_open_trades" yaml:"max_open_trades" validate:"gt=0"`
	FailOpen           bool          `json:"fail_open" yaml:"fail_open"`
	LookupTimeout      time.Duration `json:"lookup_timeout" yaml:"lookup_timeout" validate:"gt=0"`
}

// OptimisationConfig configures the optimisation scheduler.
type OptimisationConfig struct {
	Workers      int           `json:"workers" yaml:"workers" validate:"gt=0"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	MaxRuns      int           `json:"max_runs" yaml:"max_runs" validate:"gt=0"`
}

// JournalConfig configures SQLite persistence.
type JournalConfig struct {
	DBPath string `json:"db_path" yaml:"db_path" validate:"required"`
}

// KafkaConfig configures forwarding of engine events to Kafka.
type KafkaConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Brokers  []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	Topic    string   `json:"topic" yaml:"topic"`
	ClientID string   `json:"client_id" yaml:"client_id"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			File:       "logs/trader.log",
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Broker: BrokerConfig{
			Name:              "oanda",
			Env:               "practice",
			MaxCandles:        5000,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			MaxRetries:        3,
		},
		Engine: EngineConfig{
			BarSeriesCapacity: 500,
			SnapshotEvery:     10,
			Speed:             "instant",
			Spread:            0,
			CloseOnComplete:   true,
		},
		Risk: RiskConfig{
			MaxDailyLossPct:    0.05,
			MaxRiskPerTradePct: 0.02,
			MaxOpenTrades:      5,
			FailOpen:           true,
			LookupTimeout:      2 * time.Second,
		},
		Optimisation: OptimisationConfig{
			Workers:      4,
			PollInterval: 5 * time.Second,
			MaxRuns:      10_000,
		},
		Journal: JournalConfig{
			DBPath: "./trader.sqlite",
		},
		Kafka: KafkaConfig{
			Topic:    "strategy-events",
			ClientID: "stratlab",
		},
	}
}

// LoadFromFile reads a YAML or JSON file on top of Default() and validates it.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()

	// Try YAML first, fall back to JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if jerr := json.Unmarshal(data, cfg); jerr != nil {
			return nil, fmt.Errorf("%w: parse config (tried YAML and JSON): %v", common.ErrConfig, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile writes YAML for .yaml/.yml paths and indented JSON otherwise.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express. Failures
// wrap common.ErrConfig.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: invalid config: %s failed %q", common.ErrConfig, fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("%w: invalid config: %v", common.ErrConfig, err)
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: kafka.brokers required when kafka is enabled", common.ErrConfig)
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("%w: kafka.topic required when kafka is enabled", common.ErrConfig)
		}
	}
	return nil
}
