package paper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/domain/service"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exchange is an in-memory ExchangeAdapter that fills market orders at
// last_btc_price. One position per symbol, netted.
type Exchange struct {
	store    store.Store
	logger   *logger.Logger
	leverage int
	now      func() time.Time

	mu        sync.Mutex
	balance   decimal.Decimal
	positions map[string]*models.Position
	orders    []Fill
	acks      map[string]models.OrderAck
}

// Fill records one executed paper order.
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          models.OrderSide
	Size          decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	At            time.Time
}

type Option func(*Exchange)

func WithBalance(b decimal.Decimal) Option { return func(e *Exchange) { e.balance = b } }

func WithLeverage(l int) Option { return func(e *Exchange) { e.leverage = l } }

func WithClock(now func() time.Time) Option { return func(e *Exchange) { e.now = now } }

func NewExchange(st store.Store, lgr *logger.Logger, opts ...Option) *Exchange {
	if lgr == nil {
		lgr = logger.Nop()
	}
	e := &Exchange{
		store:     st,
		logger:    lgr.Component("paper_exchange"),
		leverage:  1,
		now:       time.Now,
		balance:   decimal.NewFromInt(10_000),
		positions: make(map[string]*models.Position),
		acks:      make(map[string]models.OrderAck),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Exchange) mark(ctx context.Context) (decimal.Decimal, error) {
	raw, err := e.store.Get(ctx, models.KeyLastPrice)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, apperr.Rejected("paper.mark", errors.New("no last price"))
	}
	if err != nil {
		return decimal.Zero, apperr.StoreUnavailable("paper.mark", err)
	}
	p, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !p.IsPositive() {
		return decimal.Zero, apperr.Rejected("paper.mark", fmt.Errorf("last price %q", raw))
	}
	return p, nil
}

// Open seeds a position directly, bypassing the order path.
func (e *Exchange) Open(p models.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p.HasPosition = true
	cp := p
	e.positions[p.Symbol] = &cp
}

// Fills returns the executed orders in order.
func (e *Exchange) Fills() []Fill {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Fill(nil), e.orders...)
}

func (e *Exchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	price, perr := e.mark(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	if !ok {
		return nil, nil
	}
	out := *p
	if perr == nil {
		out.MarkToMarket(price)
	}
	return []models.Position{out}, nil
}

func (e *Exchange) GetBalance(context.Context) (models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.Balance{Total: e.balance, Available: e.balance, Currency: "USDT"}, nil
}

// PlaceMarketOrder fills at last_btc_price. A client order id that already
// filled returns the original ack without a second fill.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.OrderSide, size decimal.Decimal, reduceOnly bool, clientOID string) (models.OrderAck, error) {
	if clientOID != "" {
		e.mu.Lock()
		ack, seen := e.acks[clientOID]
		e.mu.Unlock()
		if seen {
			e.logger.Info("duplicate client order id ignored", logger.String("client_oid", clientOID))
			return ack, nil
		}
	} else {
		clientOID = "paper-" + uuid.NewString()
	}
	if !size.IsPositive() {
		return models.OrderAck{}, apperr.Rejected("paper.order", fmt.Errorf("size %s", size))
	}
	price, err := e.mark(ctx)
	if err != nil {
		return models.OrderAck{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ack, seen := e.acks[clientOID]; seen {
		return ack, nil
	}

	pos, open := e.positions[symbol]
	switch {
	case reduceOnly:
		if !open || pos.Side.ClosingOrderSide() != side {
			return models.OrderAck{}, apperr.Rejected("paper.order", errors.New("reduce-only order would increase position"))
		}
		filled := decimal.Min(size, pos.Size)
		e.realize(pos, filled, price)
		pos.Size = pos.Size.Sub(filled)
		if !pos.Size.IsPositive() {
			delete(e.positions, symbol)
		}
	case !open:
		s := models.SideLong
		if side == models.OrderSell {
			s = models.SideShort
		}
		now := e.now().UTC()
		e.positions[symbol] = &models.Position{
			HasPosition: true,
			ID:          fmt.Sprintf("%s:%s:%d", symbol, s, now.UnixMilli()),
			Symbol:      symbol,
			Side:        s,
			EntryPrice:  price,
			Size:        size,
			Leverage:    e.leverage,
			EntryTime:   now,
		}
	case pos.Side.ClosingOrderSide() == side:
		return models.OrderAck{}, apperr.Rejected("paper.order", errors.New("flip not supported; close first"))
	default:
		total := pos.Size.Add(size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(price.Mul(size)).Div(total).Round(models.PricePlaces)
		pos.Size = total
	}

	f := Fill{OrderID: uuid.NewString(), ClientOrderID: clientOID, Symbol: symbol, Side: side, Size: size, Price: price, ReduceOnly: reduceOnly, At: e.now().UTC()}
	e.orders = append(e.orders, f)
	ack := models.OrderAck{OrderID: f.OrderID, ClientOrderID: clientOID, Accepted: true, Timestamp: f.At}
	e.acks[clientOID] = ack
	e.logger.Info("paper fill",
		logger.String("symbol", symbol),
		logger.String("side", string(side)),
		logger.String("size", size.String()),
		logger.String("price", price.String()),
		logger.Bool("reduce_only", reduceOnly))
	return ack, nil
}

func (e *Exchange) realize(pos *models.Position, size, price decimal.Decimal) {
	diff := price.Sub(pos.EntryPrice)
	if pos.Side == models.SideShort {
		diff = diff.Neg()
	}
	e.balance = e.balance.Add(diff.Mul(size))
}

func (e *Exchange) setPlan(positionID string, set func(*models.Position)) (models.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.positions {
		if p.ID == positionID {
			set(p)
			return models.OrderAck{OrderID: uuid.NewString(), Accepted: true, Timestamp: e.now().UTC()}, nil
		}
	}
	return models.OrderAck{}, apperr.Rejected("paper.plan", fmt.Errorf("position %s not found", positionID))
}

func (e *Exchange) SetStopLoss(_ context.Context, positionID string, price decimal.Decimal) (models.OrderAck, error) {
	return e.setPlan(positionID, func(p *models.Position) { p.StopLoss = price })
}

func (e *Exchange) SetTakeProfit(_ context.Context, positionID string, price decimal.Decimal) (models.OrderAck, error) {
	return e.setPlan(positionID, func(p *models.Position) { p.TakeProfit = price })
}

func (e *Exchange) ClosePosition(ctx context.Context, symbol string, size decimal.Decimal, side models.Side, clientOID string) (models.OrderAck, error) {
	return e.PlaceMarketOrder(ctx, symbol, side.ClosingOrderSide(), size, true, clientOID)
}

func (e *Exchange) Close() error { return nil }

var _ service.ExchangeAdapter = (*Exchange)(nil)
