package paper

import (
	"context"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/store"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setPrice(t *testing.T, st store.Store, p string) {
	t.Helper()
	if err := st.Put(context.Background(), models.KeyLastPrice, p, 0); err != nil {
		t.Fatalf("put price: %v", err)
	}
}

func TestPaperOpenPartialClose(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clock := time.Unix(1_700_000_000, 0)
	ex := NewExchange(st, nil, WithBalance(d("1000")), WithClock(func() time.Time { return clock }))

	if _, err := ex.PlaceMarketOrder(ctx, "BTCUSDT_UMCBL", models.OrderBuy, d("0.1"), false, ""); err == nil {
		t.Fatal("expected rejection without a last price")
	}

	setPrice(t, st, "100")
	if _, err := ex.PlaceMarketOrder(ctx, "BTCUSDT_UMCBL", models.OrderBuy, d("0.1"), false, ""); err != nil {
		t.Fatalf("open: %v", err)
	}
	setPrice(t, st, "110")
	pos, err := ex.GetPositions(ctx, "BTCUSDT_UMCBL")
	if err != nil || len(pos) != 1 {
		t.Fatalf("GetPositions = %v, %v", pos, err)
	}
	if pos[0].ID != "BTCUSDT_UMCBL:Long:1700000000000" || !pos[0].UnrealizedPnLQuote.Equal(d("1")) {
		t.Errorf("position = %+v", pos[0])
	}

	if _, err := ex.ClosePosition(ctx, "BTCUSDT_UMCBL", d("0.05"), models.SideLong, ""); err != nil {
		t.Fatalf("partial close: %v", err)
	}
	pos, _ = ex.GetPositions(ctx, "BTCUSDT_UMCBL")
	if len(pos) != 1 || !pos[0].Size.Equal(d("0.05")) {
		t.Fatalf("after partial = %+v", pos)
	}
	if _, err := ex.ClosePosition(ctx, "BTCUSDT_UMCBL", d("1"), models.SideLong, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	pos, _ = ex.GetPositions(ctx, "BTCUSDT_UMCBL")
	if len(pos) != 0 {
		t.Fatalf("expected flat, got %+v", pos)
	}
	bal, _ := ex.GetBalance(ctx)
	if !bal.Total.Equal(d("1001")) {
		t.Errorf("balance = %s, want 1001", bal.Total)
	}
	if n := len(ex.Fills()); n != 3 {
		t.Errorf("fills = %d, want 3", n)
	}
}

func TestPaperDuplicateClientOrderIDFillsOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	setPrice(t, st, "100")
	ex := NewExchange(st, nil, WithBalance(d("1000")))
	ex.Open(models.Position{ID: "BTCUSDT_UMCBL:Long:1", Symbol: "BTCUSDT_UMCBL", Side: models.SideLong, EntryPrice: d("100"), Size: d("0.2")})

	first, err := ex.ClosePosition(ctx, "BTCUSDT_UMCBL", d("0.1"), models.SideLong, "omega-abc")
	if err != nil {
		t.Fatalf("first close: %v", err)
	}
	setPrice(t, st, "120")
	again, err := ex.ClosePosition(ctx, "BTCUSDT_UMCBL", d("0.1"), models.SideLong, "omega-abc")
	if err != nil {
		t.Fatalf("repeated close: %v", err)
	}
	if again.OrderID != first.OrderID || again.ClientOrderID != "omega-abc" {
		t.Errorf("repeated ack = %+v, want %+v", again, first)
	}
	if n := len(ex.Fills()); n != 1 {
		t.Fatalf("fills = %d, want 1", n)
	}
	pos, _ := ex.GetPositions(ctx, "BTCUSDT_UMCBL")
	if len(pos) != 1 || !pos[0].Size.Equal(d("0.1")) {
		t.Errorf("position = %+v, want 0.1 left", pos)
	}

	if _, err := ex.ClosePosition(ctx, "BTCUSDT_UMCBL", d("0.1"), models.SideLong, "omega-def"); err != nil {
		t.Fatalf("distinct close: %v", err)
	}
	if n := len(ex.Fills()); n != 2 {
		t.Errorf("fills = %d, want 2 after a distinct id", n)
	}
}

func TestPaperRejects(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	setPrice(t, st, "100")
	ex := NewExchange(st, nil)

	tests := []struct {
		name string
		run  func() error
	}{
		{"reduce only when flat", func() error {
			_, err := ex.PlaceMarketOrder(ctx, "BTCUSDT_UMCBL", models.OrderSell, d("0.1"), true, "")
			return err
		}},
		{"zero size", func() error {
			_, err := ex.PlaceMarketOrder(ctx, "BTCUSDT_UMCBL", models.OrderBuy, decimal.Zero, false, "")
			return err
		}},
		{"stop on unknown position", func() error {
			_, err := ex.SetStopLoss(ctx, "BTCUSDT_UMCBL:Long:1", d("90"))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !apperr.Is(err, apperr.KindOrderRejected) {
				t.Fatalf("err = %v, want order rejected", err)
			}
		})
	}
}

func TestPaperStopLoss(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ex := NewExchange(st, nil)
	ex.Open(models.Position{ID: "BTCUSDT_UMCBL:Short:1", Symbol: "BTCUSDT_UMCBL", Side: models.SideShort, EntryPrice: d("100"), Size: d("1")})

	if _, err := ex.SetStopLoss(ctx, "BTCUSDT_UMCBL:Short:1", d("105")); err != nil {
		t.Fatalf("SetStopLoss: %v", err)
	}
	pos, err := ex.GetPositions(ctx, "BTCUSDT_UMCBL")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if !pos[0].StopLoss.Equal(d("105")) {
		t.Errorf("stop = %s", pos[0].StopLoss)
	}
}
