package usecase

import (
	"context"
	"errors"
	"strconv"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"
)

// Telemetry is the read model behind the HTTP API.
type Telemetry struct {
	store   store.Store
	queue   *TrapQueue
	primary models.Timeframe
}

func NewTelemetry(st store.Store, tq *TrapQueue, primary models.Timeframe) *Telemetry {
	if !models.IsValidTimeframe(primary) {
		primary = models.DefaultTimeframe()
	}
	return &Telemetry{store: st, queue: tq, primary: primary}
}

func (t *Telemetry) Probability(ctx context.Context) (models.TrapProbability, error) {
	return LoadTrapProbability(ctx, t.store)
}

func (t *Telemetry) LastTrap(ctx context.Context) (models.TrapEvent, error) {
	var e models.TrapEvent
	err := store.GetJSON(ctx, t.store, models.KeyLastTrapDetection, &e)
	return e, err
}

func (t *Telemetry) Position(ctx context.Context) (models.Position, error) {
	return LoadPosition(ctx, t.store)
}

// Fibonacci returns levels for tf, or the primary timeframe when tf is empty.
func (t *Telemetry) Fibonacci(ctx context.Context, tf models.Timeframe) (models.FibonacciLevels, error) {
	key := models.KeyFibonacciLevels
	if tf != "" && tf != t.primary {
		key = models.KeyFibonacciLevelsFor(tf)
	}
	lv, ok, err := LoadLevels(ctx, t.store, key)
	if err != nil {
		return lv, err
	}
	if !ok {
		return lv, store.ErrNotFound
	}
	return lv, nil
}

func (t *Telemetry) Queue(ctx context.Context) (models.QueueStats, error) {
	return t.queue.Stats(ctx)
}

// Counters returns trap_detection_count and high_confidence_count.
func (t *Telemetry) Counters(ctx context.Context) (total, high int64, err error) {
	if total, err = t.counter(ctx, models.KeyTrapDetectionCount); err != nil {
		return 0, 0, err
	}
	high, err = t.counter(ctx, models.KeyHighConfidenceCount)
	return total, high, err
}

func (t *Telemetry) counter(ctx context.Context, key string) (int64, error) {
	raw, err := t.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// TelemetrySink watches shared keys written by any process and mirrors
// them into metrics. Queue depth is sampled every interval.
type TelemetrySink struct {
	store    store.Store
	symbol   string
	interval time.Duration
	metrics  domrepo.Metrics
	logger   *logger.Logger
}

func NewTelemetrySink(st store.Store, symbol string, interval time.Duration, metrics domrepo.Metrics, lgr *logger.Logger) *TelemetrySink {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &TelemetrySink{store: st, symbol: symbol, interval: interval, metrics: metrics, logger: lgr.Component("telemetry_sink")}
}

func (s *TelemetrySink) Name() string { return "telemetry_sink" }

func (s *TelemetrySink) Run(ctx context.Context) error {
	changes, err := s.store.Watch(ctx, models.KeyLastPrice, models.KeyTrapProbability)
	if err != nil {
		return err
	}
	depth := time.NewTicker(s.interval)
	defer depth.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-depth.C:
			if n, err := s.store.ZCard(ctx, models.KeyTrapQueue); err == nil {
				s.metrics.RecordQueueDepth(n)
			}
		case c, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			s.apply(c)
		}
	}
}

func (s *TelemetrySink) apply(c store.Change) {
	switch c.Key {
	case models.KeyLastPrice:
		if v, err := strconv.ParseFloat(c.Value, 64); err == nil {
			s.metrics.RecordLastPrice(s.symbol, v)
		}
	case models.KeyTrapProbability:
		tp, err := models.ParseTrapProbability(c.Value)
		if err != nil {
			s.logger.Debug("unreadable trap probability", logger.Error(err))
			return
		}
		s.metrics.RecordTrapProbability(string(tp.Kind), tp.Probability)
	}
}
