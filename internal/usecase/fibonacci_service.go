package usecase

import (
	"context"
	"errors"
	"sync"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/services/fibonacci"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/shopspring/decimal"
)

type FibonacciConfig struct {
	Symbol  string
	Primary models.Timeframe
}

// FibonacciService keeps the engine fed and persists level snapshots when
// the rolling range of a timeframe changes.
type FibonacciService struct {
	cfg     FibonacciConfig
	engine  *fibonacci.Engine
	store   store.Store
	archive domrepo.Archive
	metrics domrepo.Metrics
	logger  *logger.Logger

	mu        sync.Mutex
	persisted map[models.Timeframe][2]decimal.Decimal
}

func NewFibonacciService(cfg FibonacciConfig, engine *fibonacci.Engine, st store.Store, metrics domrepo.Metrics, lgr *logger.Logger) *FibonacciService {
	if !models.IsValidTimeframe(cfg.Primary) {
		cfg.Primary = models.DefaultTimeframe()
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &FibonacciService{
		cfg:       cfg,
		engine:    engine,
		store:     st,
		metrics:   metrics,
		logger:    lgr.Component("fibonacci"),
		persisted: make(map[models.Timeframe][2]decimal.Decimal),
	}
}

// SetArchive enables warm start from archived candles.
func (s *FibonacciService) SetArchive(a domrepo.Archive) { s.archive = a }

func (s *FibonacciService) Primary() models.Timeframe { return s.cfg.Primary }

// WarmStart seeds every timeframe from btc_candle_history_{tf}, falling back
// to the archive when the store holds nothing.
func (s *FibonacciService) WarmStart(ctx context.Context, lookback int) error {
	for _, tf := range s.engine.Timeframes() {
		hist, err := store.ListJSON[models.Candle](ctx, s.store, models.KeyCandleHistory(tf), 0, -1)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if len(hist) == 0 && s.archive != nil {
			hist, err = s.archive.GetLatestNCandles(ctx, s.cfg.Symbol, lookback, tf)
			if err != nil {
				s.logger.Warn("archive warm start failed", logger.String("timeframe", string(tf)), logger.Error(err))
				continue
			}
		}
		if len(hist) == 0 {
			continue
		}
		s.engine.Seed(tf, hist)
		s.logger.Info("fibonacci window seeded",
			logger.String("timeframe", string(tf)),
			logger.Int("candles", len(hist)))
	}
	return nil
}

// OnTick implements TickObserver.
func (s *FibonacciService) OnTick(ctx context.Context, t models.Tick, _ bool) error {
	s.engine.Update(t)
	var firstErr error
	for _, tf := range s.engine.Timeframes() {
		if err := s.persistIfChanged(ctx, tf); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *FibonacciService) persistIfChanged(ctx context.Context, tf models.Timeframe) error {
	lv, ok := s.engine.Levels(tf)
	if !ok {
		return nil
	}
	s.mu.Lock()
	prev, seen := s.persisted[tf]
	s.mu.Unlock()
	if seen && prev[0].Equal(lv.High) && prev[1].Equal(lv.Low) {
		return nil
	}
	if err := s.write(ctx, lv); err != nil {
		s.metrics.RecordError("fibonacci_write")
		return err
	}
	s.mu.Lock()
	s.persisted[tf] = [2]decimal.Decimal{lv.High, lv.Low}
	s.mu.Unlock()
	return nil
}

func (s *FibonacciService) write(ctx context.Context, lv models.FibonacciLevels) error {
	if err := store.PutJSON(ctx, s.store, models.KeyFibonacciLevelsFor(lv.Timeframe), lv, 0); err != nil {
		return err
	}
	if lv.Timeframe == s.cfg.Primary {
		return store.PutJSON(ctx, s.store, models.KeyFibonacciLevels, lv, 0)
	}
	return nil
}

// Levels returns the snapshot for tf and writes it to the store.
func (s *FibonacciService) Levels(ctx context.Context, tf models.Timeframe) (models.FibonacciLevels, error) {
	lv, ok := s.engine.Levels(tf)
	if !ok {
		return models.FibonacciLevels{}, store.ErrNotFound
	}
	if err := s.write(ctx, lv); err != nil {
		return lv, err
	}
	return lv, nil
}

// Current returns the in-memory snapshot for tf without touching the store.
func (s *FibonacciService) Current(tf models.Timeframe) (models.FibonacciLevels, bool) {
	return s.engine.Levels(tf)
}

func (s *FibonacciService) Nearest(price decimal.Decimal, tf models.Timeframe) (models.Ratio, decimal.Decimal, bool) {
	return s.engine.Nearest(price, tf)
}

var _ TickObserver = (*FibonacciService)(nil)
