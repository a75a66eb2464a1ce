package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/metrics"
	"OmegaBTC/pkg/queue"
	"OmegaBTC/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newRecorder() *metrics.Recorder { return metrics.New(prometheus.NewRegistry()) }

func newTrapQueue(t *testing.T, st store.Store, maxSize int64) *TrapQueue {
	t.Helper()
	q := queue.NewSortedQueue(nil, st, &queue.Config{
		Key:          models.KeyTrapQueue,
		MaxSize:      maxSize,
		PollInterval: 10 * time.Millisecond,
		RetryDelay:   time.Millisecond,
	})
	return NewTrapQueue(q, newRecorder(), nil)
}

type call struct {
	Method    string
	Size      decimal.Decimal
	Price     decimal.Decimal
	Reduce    bool
	ClientOID string
}

// fakeExchange records calls and fails them from a scripted error list.
type fakeExchange struct {
	mu        sync.Mutex
	calls     []call
	errs      []error
	positions []models.Position
	delay     time.Duration

	inFlight    int
	maxInFlight int
}

func (f *fakeExchange) do(method string, c call) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	c.Method = method
	f.calls = append(f.calls, c)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return err
}

func (f *fakeExchange) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeExchange) GetPositions(context.Context, string) ([]models.Position, error) {
	if err := f.do("GetPositions", call{}); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Position(nil), f.positions...), nil
}

func (f *fakeExchange) GetBalance(context.Context) (models.Balance, error) {
	return models.Balance{}, f.do("GetBalance", call{})
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, _ string, _ models.OrderSide, size decimal.Decimal, reduceOnly bool, clientOID string) (models.OrderAck, error) {
	return models.OrderAck{Accepted: true}, f.do("PlaceMarketOrder", call{Size: size, Reduce: reduceOnly, ClientOID: clientOID})
}

func (f *fakeExchange) SetStopLoss(_ context.Context, _ string, price decimal.Decimal) (models.OrderAck, error) {
	return models.OrderAck{Accepted: true}, f.do("SetStopLoss", call{Price: price})
}

func (f *fakeExchange) SetTakeProfit(_ context.Context, _ string, price decimal.Decimal) (models.OrderAck, error) {
	return models.OrderAck{Accepted: true}, f.do("SetTakeProfit", call{Price: price})
}

func (f *fakeExchange) ClosePosition(_ context.Context, _ string, size decimal.Decimal, _ models.Side, clientOID string) (models.OrderAck, error) {
	return models.OrderAck{Accepted: true}, f.do("ClosePosition", call{Size: size, ClientOID: clientOID})
}

func (f *fakeExchange) Close() error { return nil }

func openLong(t *testing.T, st store.Store, entry, last string) models.Position {
	t.Helper()
	pos := models.Position{
		HasPosition:  true,
		ID:           "BTCUSDT_UMCBL:Long:1700000000000",
		Symbol:       "BTCUSDT_UMCBL",
		Side:         models.SideLong,
		EntryPrice:   dec(entry),
		CurrentPrice: dec(last),
		Size:         dec("0.1"),
		Leverage:     10,
		EntryTime:    time.Unix(1_700_000_000, 0).UTC(),
	}
	ctx := context.Background()
	if err := store.PutJSON(ctx, st, models.KeyCurrentPosition, pos, 0); err != nil {
		t.Fatalf("put position: %v", err)
	}
	if err := st.Put(ctx, models.KeyLastPrice, last, 0); err != nil {
		t.Fatalf("put price: %v", err)
	}
	return pos
}
