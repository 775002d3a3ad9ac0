// Package settlement orchestrates the money path of a send: quote,
// freeze, dispatch, record a pending check, and later reconcile the
// provider outcome into a debit or a refund. All passes act only on
// rows still pending, so overlapping pollers are safe.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/provider"
	"courier/pkg/database"
	"courier/pkg/kafka"
	"courier/pkg/logging"
	"courier/pkg/monitoring"
)

// Normalizer resolves a phone number to its country. Implemented
// outside this package; number parsing is not a settlement concern.
type Normalizer interface {
	Country(phone string) (string, error)
}

// NormalizerFunc adapts a function to the Normalizer interface.
type NormalizerFunc func(phone string) (string, error)

func (f NormalizerFunc) Country(phone string) (string, error) {
	return f(phone)
}

// Config tunes the engine's polling loops.
type Config struct {
	BatchSize    int
	ChunkSize    int
	PollInterval time.Duration
}

func DefaultEngineConfig() Config {
	return Config{
		BatchSize:    500,
		ChunkSize:    100,
		PollInterval: 5 * time.Second,
	}
}

// Engine runs the settlement pipeline: the fan-out loop plus one
// reconciliation loop per channel and concern.
type Engine struct {
	db         database.PostgresConn
	logger     logging.Logger
	registry   *provider.Registry
	producer   *kafka.Producer
	normalizer Normalizer
	cfg        Config

	sendsTotal       *prometheus.CounterVec
	settlementsTotal *prometheus.CounterVec
	commissionsTotal *prometheus.CounterVec

	wg sync.WaitGroup
}

func NewEngine(db database.PostgresConn, logger logging.Logger, registry *provider.Registry, producer *kafka.Producer, normalizer Normalizer, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Engine{
		db:         db,
		logger:     logger,
		registry:   registry,
		producer:   producer,
		normalizer: normalizer,
		cfg:        cfg,
	}
}

// RegisterMetrics creates the engine's Prometheus counters.
func (e *Engine) RegisterMetrics(mc *monitoring.MetricsCollector) {
	e.sendsTotal = mc.NewCounter("sends_total", "Send attempts by outcome", []string{"outcome"})
	e.settlementsTotal = mc.NewCounter("settlements_total", "Finalized checks by channel and outcome", []string{"channel", "outcome"})
	e.commissionsTotal = mc.NewCounter("commission_credits_total", "Commission credits paid", []string{"channel"})
}

// Start launches every polling loop. Loops stop when ctx is cancelled;
// Wait blocks until they have all exited.
func (e *Engine) Start(ctx context.Context) {
	e.spawnLoop(ctx, "fanout", "", func(ctx context.Context) (int, error) {
		done, err := e.ProcessOldestIntent(ctx)
		if done {
			return 1, err
		}
		return 0, err
	})

	for _, channel := range e.registry.Channels() {
		e.spawnLoop(ctx, "invalid_check", channel, func(channel string) tickFunc {
			return func(ctx context.Context) (int, error) {
				return e.InvalidCheckPass(ctx, channel)
			}
		}(channel))
	}

	for _, channel := range e.registry.BulkConfirmChannels() {
		e.spawnLoop(ctx, "confirm_all", channel, func(channel string) tickFunc {
			return func(ctx context.Context) (int, error) {
				return e.ConfirmAllPass(ctx, channel)
			}
		}(channel))
	}

	for _, channel := range e.registry.ReportChannels() {
		e.spawnLoop(ctx, "status_report", channel, func(channel string) tickFunc {
			return func(ctx context.Context) (int, error) {
				return e.StatusReportPass(ctx, channel)
			}
		}(channel))
	}
}

// Wait blocks until all loops have stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}

type tickFunc func(ctx context.Context) (int, error)

// spawnLoop runs tick repeatedly: immediately again after progress,
// after a poll interval otherwise. This is the backpressure model for
// every poller; there is no scheduler.
func (e *Engine) spawnLoop(ctx context.Context, name, channel string, tick tickFunc) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		log := e.logger.WithFields(logging.Fields{"loop": name, "channel": channel})
		log.Info("Starting settlement loop")

		for {
			processed, err := tick(ctx)
			if err != nil {
				log.WithField("error", err).Error("Settlement loop tick failed")
			}
			if processed > 0 && ctx.Err() == nil {
				continue
			}
			select {
			case <-ctx.Done():
				log.Info("Settlement loop stopped")
				return
			case <-time.After(e.cfg.PollInterval):
			}
		}
	}()
}

func (e *Engine) countSend(outcome string) {
	if e.sendsTotal != nil {
		e.sendsTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countSettlement(channel, outcome string) {
	if e.settlementsTotal != nil {
		e.settlementsTotal.WithLabelValues(channel, outcome).Inc()
	}
}

func (e *Engine) countCommission(channel string) {
	if e.commissionsTotal != nil {
		e.commissionsTotal.WithLabelValues(channel).Inc()
	}
}
