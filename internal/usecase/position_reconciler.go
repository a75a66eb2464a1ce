package usecase

import (
	"context"
	"errors"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/domain/service"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"
)

// PositionReconciler mirrors the exchange position into current_position
// and marks it to the last traded price.
type PositionReconciler struct {
	symbol   string
	interval time.Duration
	adapter  service.ExchangeAdapter
	store    store.Store
	gate     Gate
	metrics  domrepo.Metrics
	logger   *logger.Logger
	onFatal  func(error)
}

func NewPositionReconciler(symbol string, interval time.Duration, adapter service.ExchangeAdapter, st store.Store, metrics domrepo.Metrics, lgr *logger.Logger) *PositionReconciler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &PositionReconciler{
		symbol:   symbol,
		interval: interval,
		adapter:  adapter,
		store:    st,
		metrics:  metrics,
		logger:   lgr.Component("position_reconciler"),
	}
}

func (r *PositionReconciler) SetGate(g Gate) { r.gate = g }

func (r *PositionReconciler) SetFatalHandler(fn func(error)) { r.onFatal = fn }

func (r *PositionReconciler) Name() string { return "position_reconciler" }

func (r *PositionReconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if r.gate == nil || r.gate.Accepting() {
			if _, err := r.Sync(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if apperr.Fatal(err) {
					if r.onFatal != nil {
						r.onFatal(err)
					}
					return err
				}
				r.logger.Warn("position sync failed", logger.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sync fetches the open position and writes the snapshot. A book with no
// open size is written as flat.
func (r *PositionReconciler) Sync(ctx context.Context) (models.Position, error) {
	positions, err := r.adapter.GetPositions(ctx, r.symbol)
	if err != nil {
		r.metrics.RecordError(string(apperr.KindOf(err)))
		return models.Position{}, err
	}

	pos := models.FlatPosition()
	for _, p := range positions {
		if p.HasPosition && p.Size.IsPositive() {
			pos = p
			break
		}
	}

	if pos.HasPosition {
		price, err := LastPrice(ctx, r.store)
		switch {
		case err == nil:
			pos.MarkToMarket(price)
		case !errors.Is(err, store.ErrNotFound):
			return pos, err
		}
	}

	if err := store.PutJSON(ctx, r.store, models.KeyCurrentPosition, pos, 0); err != nil {
		return pos, err
	}
	return pos, nil
}
