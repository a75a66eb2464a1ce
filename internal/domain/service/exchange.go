package service

import (
	"context"

	"OmegaBTC/internal/domain/models"

	"github.com/shopspring/decimal"
)

// ExchangeAdapter is the narrow typed facade over an exchange account.
// Orders carry a client order id; placing the same id twice must not fill
// twice, and the second call returns the first order's ack. An empty id asks
// the adapter to generate one.
type ExchangeAdapter interface {
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	GetBalance(ctx context.Context) (models.Balance, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, size decimal.Decimal, reduceOnly bool, clientOID string) (models.OrderAck, error)
	SetStopLoss(ctx context.Context, positionID string, price decimal.Decimal) (models.OrderAck, error)
	SetTakeProfit(ctx context.Context, positionID string, price decimal.Decimal) (models.OrderAck, error)
	ClosePosition(ctx context.Context, symbol string, size decimal.Decimal, side models.Side, clientOID string) (models.OrderAck, error)
	Close() error
}

// OrderBookSource supplies aggregated bid/ask depth.
type OrderBookSource interface {
	Depth(ctx context.Context, symbol string) (bid, ask float64, err error)
}
