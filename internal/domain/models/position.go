package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an open position.
type Side string

const (
	SideLong  Side = "Long"
	SideShort Side = "Short"
)

// Opposite returns the closing direction.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the direction of a market order.
type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// ClosingOrderSide is the order side that reduces a position on s.
func (s Side) ClosingOrderSide() OrderSide {
	if s == SideLong {
		return OrderSell
	}
	return OrderBuy
}

// Position is the current_position snapshot. A flat book marshals as
// {"has_position":false}.
type Position struct {
	HasPosition          bool            `json:"has_position"`
	ID                   string          `json:"position_id,omitempty"`
	Symbol               string          `json:"symbol,omitempty"`
	Side                 Side            `json:"side,omitempty"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	Size                 decimal.Decimal `json:"size"`
	Leverage             int             `json:"leverage"`
	TakeProfit           decimal.Decimal `json:"take_profit"`
	StopLoss             decimal.Decimal `json:"stop_loss"`
	EntryTime            time.Time       `json:"entry_time"`
	UnrealizedPnLPercent float64         `json:"unrealized_pnl_percent"`
	UnrealizedPnLQuote   decimal.Decimal `json:"unrealized_pnl_quote"`
}

// FlatPosition is the no-position snapshot.
func FlatPosition() Position {
	return Position{HasPosition: false}
}

func (p Position) MarshalJSON() ([]byte, error) {
	if !p.HasPosition {
		return []byte(`{"has_position":false}`), nil
	}
	type alias Position
	return json.Marshal(alias(p))
}

// MarkToMarket refreshes current price and unrealized PnL.
func (p *Position) MarkToMarket(price decimal.Decimal) {
	if !p.HasPosition {
		return
	}
	p.CurrentPrice = price
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	p.UnrealizedPnLQuote = diff.Mul(p.Size).Round(PricePlaces)
	if p.EntryPrice.IsPositive() {
		pct, _ := diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
		p.UnrealizedPnLPercent = pct
	}
}

// Balance is the account margin summary.
type Balance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Currency  string          `json:"currency"`
}

// OrderAck is the exchange acknowledgement of a placed order or plan.
type OrderAck struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Accepted      bool      `json:"accepted"`
	Timestamp     time.Time `json:"timestamp"`
}
