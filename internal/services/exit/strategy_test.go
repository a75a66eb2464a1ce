package exit

import (
	"math"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func longAt(entry, price string) models.Position {
	return models.Position{
		HasPosition:  true,
		ID:           "BTCUSDT_UMCBL:Long",
		Symbol:       "BTCUSDT_UMCBL",
		Side:         models.SideLong,
		EntryPrice:   d(entry),
		CurrentPrice: d(price),
		Size:         d("0.1"),
	}
}

func TestEvaluateFakePumpAgainstLong(t *testing.T) {
	s := NewStrategy(DefaultParams())
	trap := &models.TrapEvent{ID: "evt-1", Kind: models.TrapFakePump, Confidence: 0.9, Timestamp: time.Now()}

	got := s.Evaluate(longAt("100", "105"), trap, nil, decimal.Zero)

	if got.Kind != models.DecisionPartialExit || got.Fraction != 0.5 {
		t.Fatalf("decision = %s, want PartialExit(0.5)", got)
	}
	if got.TriggerID != "evt-1" || got.Key() != "BTCUSDT_UMCBL:Long:evt-1" {
		t.Errorf("key = %s", got.Key())
	}
}

func TestEvaluate(t *testing.T) {
	s := NewStrategy(DefaultParams())
	fib := models.ComputeLevels(models.TF1m, d("110"), d("100"), time.Now())

	withTPSL := func(p models.Position, tp, sl string) models.Position {
		p.TakeProfit, p.StopLoss = d(tp), d(sl)
		return p
	}
	short := longAt("100", "96")
	short.Side = models.SideShort
	short.ID = "BTCUSDT_UMCBL:Short"

	tests := []struct {
		name     string
		pos      models.Position
		trap     *models.TrapEvent
		fib      *models.FibonacciLevels
		trailing decimal.Decimal
		kind     models.DecisionKind
		trigger  string
		stop     string
	}{
		{"flat", models.FlatPosition(), nil, &fib, decimal.Zero, models.DecisionHold, "", ""},
		{"take profit", withTPSL(longAt("100", "111"), "110", "95"), nil, &fib, decimal.Zero, models.DecisionFullExit, TriggerTakeProfit, ""},
		{"stop loss", withTPSL(longAt("100", "94"), "110", "95"), nil, &fib, decimal.Zero, models.DecisionFullExit, TriggerStopLoss, ""},
		{"full exit beats trap", withTPSL(longAt("100", "111"), "110", "95"),
			&models.TrapEvent{ID: "e", Kind: models.TrapBull, Confidence: 0.99}, &fib, decimal.Zero, models.DecisionFullExit, TriggerTakeProfit, ""},
		{"trailing cross", longAt("100", "101"), nil, &fib, d("101.5"), models.DecisionFullExit, "trail_hit:101.5", ""},
		{"trailing first mark", longAt("100", "108"), nil, &fib, decimal.Zero, models.DecisionUpdateStop, "trail:103", "103"},
		{"trailing raised", longAt("100", "108"), nil, &fib, d("102"), models.DecisionUpdateStop, "trail:103", "103"},
		{"trailing not lowered", longAt("100", "106"), nil, &fib, d("102"), models.DecisionHold, "", ""},
		{"short trailing lowered", short, nil, &fib, d("102"), models.DecisionUpdateStop, "trail:101", "101"},
		{"trap with the position", longAt("100", "105"),
			&models.TrapEvent{ID: "e", Kind: models.TrapBear, Confidence: 0.99}, nil, decimal.Zero, models.DecisionHold, "", ""},
		{"weak trap", longAt("100", "105"),
			&models.TrapEvent{ID: "e", Kind: models.TrapBull, Confidence: 0.7}, nil, decimal.Zero, models.DecisionHold, "", ""},
		{"short against fake dump", short,
			&models.TrapEvent{ID: "e2", Kind: models.TrapFakeDump, Confidence: 0.96}, nil, decimal.Zero, models.DecisionPartialExit, "e2", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Evaluate(tt.pos, tt.trap, tt.fib, tt.trailing)
			if got.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s (%s)", got.Kind, tt.kind, got)
			}
			if got.TriggerID != tt.trigger {
				t.Errorf("trigger = %q, want %q", got.TriggerID, tt.trigger)
			}
			if tt.stop != "" && !got.StopPrice.Equal(d(tt.stop)) {
				t.Errorf("stop = %s, want %s", got.StopPrice, tt.stop)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	s := NewStrategy(DefaultParams())
	trap := &models.TrapEvent{ID: "evt-9", Kind: models.TrapBull, Confidence: 0.8}
	a := s.Evaluate(longAt("100", "104"), trap, nil, decimal.Zero)
	b := s.Evaluate(longAt("100", "104"), trap, nil, decimal.Zero)
	if a != b {
		t.Errorf("decisions differ: %+v vs %+v", a, b)
	}
}

func TestFraction(t *testing.T) {
	tests := []struct {
		conf float64
		want float64
	}{
		{0.5, 0},
		{0.75, 0.25},
		{0.825, 0.375},
		{0.9, 0.5},
		{0.925, 0.75},
		{0.95, 1},
		{0.99, 1},
	}
	for _, tt := range tests {
		if got := Fraction(tt.conf); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Fraction(%v) = %v, want %v", tt.conf, got, tt.want)
		}
	}
}
