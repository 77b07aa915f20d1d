package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rustyeddy/stratlab/common"
	"github.com/rustyeddy/stratlab/events"
	"github.com/rustyeddy/stratlab/journal"
	"github.com/rustyeddy/stratlab/strategies"
)

// parseTime accepts RFC3339 or a plain date, read as UTC midnight.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad time %q (want RFC3339 or YYYY-MM-DD)", common.ErrConfig, s)
	}
	return t, nil
}

// parseParams reads name=value pairs.
func parseParams(pairs []string) (strategies.Params, error) {
	p := strategies.Params{}
	for _, kv := range pairs {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: bad parameter %q (want name=value)", common.ErrConfig, kv)
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %s: %v", common.ErrConfig, name, err)
		}
		p[strings.TrimSpace(name)] = f
	}
	return p, nil
}

// pipeline is the event publisher of a command with the listeners the
// config enables, plus whatever must be closed after it drains.
type pipeline struct {
	Pub     *events.Publisher
	closers []func() error
}

// newPipeline wires the log listener, the SQLite journal (db may be nil)
// and, when enabled, Kafka forwarding. Extra journals receive trades and
// equity snapshots.
func newPipeline(db *journal.SQLite, extra ...journal.Journal) *pipeline {
	p := &pipeline{Pub: events.NewPublisher(logger, events.NewLogListener(logger))}

	journals := extra
	if db != nil {
		journals = append([]journal.Journal{db}, extra...)
	}
	if len(journals) > 0 {
		p.Pub.Add(journal.NewEventListener(db, logger, journals...))
	}

	if cfg.Kafka.Enabled {
		kl := events.NewKafkaListener(events.NewKafkaWriter(cfg.Kafka), logger)
		p.Pub.Add(kl)
		p.closers = append(p.closers, kl.Close)
		logger.Info("forwarding events to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
	}
	for _, j := range extra {
		p.closers = append(p.closers, j.Close)
	}
	return p
}

// Close drains the publisher, then closes the sinks behind it.
func (p *pipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.Pub.Close(ctx)
	for _, c := range p.closers {
		err = multierr.Append(err, c())
	}
	return err
}

func openJournal() (*journal.SQLite, error) {
	db, err := journal.NewSQLite(cfg.Journal.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", cfg.Journal.DBPath, err)
	}
	return db, nil
}
