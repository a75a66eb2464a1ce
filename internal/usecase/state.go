package usecase

import (
	"context"
	"errors"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/store"

	"github.com/shopspring/decimal"
)

// LastPrice reads last_btc_price.
func LastPrice(ctx context.Context, st store.Store) (decimal.Decimal, error) {
	raw, err := st.Get(ctx, models.KeyLastPrice)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

// LoadPosition reads current_position; a missing key is a flat book.
func LoadPosition(ctx context.Context, st store.Store) (models.Position, error) {
	var p models.Position
	err := store.GetJSON(ctx, st, models.KeyCurrentPosition, &p)
	if errors.Is(err, store.ErrNotFound) {
		return models.FlatPosition(), nil
	}
	return p, err
}

// LoadLevels reads fibonacci_levels. ok is false when none are stored.
func LoadLevels(ctx context.Context, st store.Store, key string) (models.FibonacciLevels, bool, error) {
	var lv models.FibonacciLevels
	err := store.GetJSON(ctx, st, key, &lv)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return lv, false, nil
	case err != nil:
		return lv, false, err
	}
	return lv, true, nil
}

// LoadTrailing reads the trailing mark of a position, zero when unset.
func LoadTrailing(ctx context.Context, st store.Store, positionID string) (decimal.Decimal, error) {
	raw, err := st.Get(ctx, models.KeyTrailingStop(positionID))
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, nil
	}
	return v, nil
}

// LoadTrapProbability reads current_trap_probability in any of its
// historical encodings.
func LoadTrapProbability(ctx context.Context, st store.Store) (models.TrapProbability, error) {
	raw, err := st.Get(ctx, models.KeyTrapProbability)
	if err != nil {
		return models.TrapProbability{}, err
	}
	return models.ParseTrapProbability(raw)
}
