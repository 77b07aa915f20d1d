package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/config"
)

// LogListener writes events to a zap logger. Progress is logged at debug so
// a long backtest does not flood info output.
type LogListener struct {
	Logger *zap.Logger
}

func NewLogListener(logger *zap.Logger) *LogListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogListener{Logger: logger.Named("run")}
}

func (l *LogListener) OnEvent(ev Event) error {
	fields := []zap.Field{
		zap.String("strategy_id", ev.StrategyID),
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.Time),
	}
	if ev.Instrument != "" {
		fields = append(fields, zap.String("instrument", ev.Instrument))
	}

	switch p := ev.Payload.(type) {
	case Progress:
		l.Logger.Debug("progress", append(fields,
			zap.Float64("percent", p.Percent),
			zap.Int("bars", p.Bars),
			zap.String("state", p.State))...)
	case Log:
		for k, v := range p.Fields {
			fields = append(fields, zap.String(k, v))
		}
		switch p.Level {
		case LevelDebug:
			l.Logger.Debug(p.Message, fields...)
		case LevelWarn:
			l.Logger.Warn(p.Message, fields...)
		case LevelError:
			l.Logger.Error(p.Message, fields...)
		default:
			l.Logger.Info(p.Message, fields...)
		}
	default:
		l.Logger.Debug("event", append(fields, zap.Any("payload", ev.Payload))...)
	}
	return nil
}

func (l *LogListener) OnError(strategyID string, err error) {
	l.Logger.Error("run failed", zap.String("strategy_id", strategyID), zap.Error(err))
}

// MessageWriter is the subset of *kafka.Writer the Kafka listener uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for cfg.Topic on cfg.Brokers.
func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
		},
	}
}

// KafkaListener forwards each event as a JSON message keyed by strategy id,
// so one strategy's events stay on one partition in order.
type KafkaListener struct {
	Writer  MessageWriter
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewKafkaListener(w MessageWriter, logger *zap.Logger) *KafkaListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaListener{Writer: w, Timeout: 5 * time.Second, Logger: logger.Named("kafka")}
}

func (k *KafkaListener) OnEvent(ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	return k.write(ev.StrategyID, ev.Kind, value, ev.Time)
}

func (k *KafkaListener) OnError(strategyID string, err error) {
	ev := NewLog(strategyID, time.Now().UTC(), LevelError, err.Error(), nil)
	value, merr := json.Marshal(ev)
	if merr != nil {
		k.Logger.Error("marshal error event", zap.Error(merr))
		return
	}
	if werr := k.write(strategyID, ev.Kind, value, ev.Time); werr != nil {
		k.Logger.Error("forward run error", zap.String("strategy_id", strategyID), zap.Error(werr))
	}
}

func (k *KafkaListener) write(key string, kind Kind, value []byte, at time.Time) error {
	timeout := k.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
		Time: at,
	}
	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", kind, err)
	}
	return nil
}

func (k *KafkaListener) Close() error {
	return k.Writer.Close()
}
