package trap

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/internal/services/features"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func samples(prices []float64, volumes []float64) []Sample {
	out := make([]Sample, len(prices))
	for i, p := range prices {
		v := 1.0
		if volumes != nil {
			v = volumes[i]
		}
		out[i] = Sample{Price: p, Volume: v, Time: t0.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func levelsFor(prices []float64) *models.FibonacciLevels {
	lo, _, hi, _ := features.MinMax(prices)
	lv := models.ComputeLevels(models.TF1m, decimal.NewFromFloat(hi), decimal.NewFromFloat(lo), t0)
	return &lv
}

func mustScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(DefaultParams())
	if err != nil {
		t.Fatalf("NewScorer: %v", err)
	}
	return s
}

func TestAssessBullTrapSequence(t *testing.T) {
	s := mustScorer(t)
	prices := []float64{100, 101, 102, 103, 104, 105, 104, 102, 100, 98}
	volumes := []float64{1, 1, 1, 1, 1, 5, 1, 1, 1, 1}

	var fired []int
	var last Assessment
	for i := 1; i <= len(prices); i++ {
		a := s.Assess(Inputs{
			Samples: samples(prices[:i], volumes[:i]),
			Fib:     levelsFor(prices[:i]),
		})
		if a.Probability < 0 || a.Probability > 1 {
			t.Fatalf("tick %d: probability %v out of range", i, a.Probability)
		}
		if a.Qualifies {
			fired = append(fired, i)
			last = a
		}
	}

	if len(fired) != 1 || fired[0] != len(prices) {
		t.Fatalf("qualifying ticks = %v, want only the last", fired)
	}
	if last.Kind != models.TrapBull {
		t.Errorf("kind = %s, want BullTrap", last.Kind)
	}
	if last.Probability < 0.6 {
		t.Errorf("probability = %v, want >= 0.6", last.Probability)
	}
	if last.Price != 98 {
		t.Errorf("price = %v, want 98", last.Price)
	}
	if math.Abs(last.Probability-0.845) > 0.01 {
		t.Errorf("probability = %v, want about 0.845", last.Probability)
	}
	if got := last.Components[ComponentPricePattern].Value; math.Abs(got-0.7) > 1e-9 {
		t.Errorf("price_pattern = %v, want 0.7", got)
	}
	if got := last.Components[ComponentOrderBook].Value; got != 0.5 {
		t.Errorf("order book without depth = %v, want neutral 0.5", got)
	}
}

func TestAssessFlatWindowIsCapped(t *testing.T) {
	s := mustScorer(t)
	tests := []struct {
		name    string
		n       int
		volumes func(n int) []float64
	}{
		{"two ticks", 2, nil},
		{"steady", 50, nil},
		{"volume spike", 50, func(n int) []float64 {
			v := make([]float64, n)
			for i := range v {
				v[i] = 1
			}
			v[n-1] = 100
			return v
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prices := make([]float64, tt.n)
			for i := range prices {
				prices[i] = 42000
			}
			var vols []float64
			if tt.volumes != nil {
				vols = tt.volumes(tt.n)
			}
			a := s.Assess(Inputs{Samples: samples(prices, vols), Fib: levelsFor(prices)})
			if a.Probability > 0.3 {
				t.Errorf("probability = %v, want <= 0.3", a.Probability)
			}
			if a.Kind != models.TrapNone {
				t.Errorf("kind = %s, want None", a.Kind)
			}
		})
	}
}

func TestAssessProbabilityBounded(t *testing.T) {
	s := mustScorer(t)
	r := rand.New(rand.NewSource(7))
	prices := make([]float64, 200)
	volumes := make([]float64, 200)
	p := 30000.0
	for i := range prices {
		p += r.NormFloat64() * 40
		prices[i] = p
		volumes[i] = r.Float64() * 10
	}
	for i := 1; i <= len(prices); i++ {
		a := s.Assess(Inputs{
			Samples: samples(prices[:i], volumes[:i]),
			Fib:     levelsFor(prices[:i]),
			Bid:     r.Float64() * 100,
			Ask:     r.Float64() * 100,
			HasBook: true,
		})
		if a.Probability < 0 || a.Probability > 1 {
			t.Fatalf("tick %d: probability %v out of range", i, a.Probability)
		}
		if a.Qualifies && a.Kind == models.TrapNone {
			t.Fatalf("tick %d: qualifying assessment with kind None", i)
		}
		for k, v := range a.Scores {
			if v < 0 || v > 1 {
				t.Fatalf("tick %d: score %s = %v out of range", i, k, v)
			}
		}
	}
}

func TestPatterns(t *testing.T) {
	p := DefaultParams()
	tests := []struct {
		name  string
		fn    func([]float64, Params) float64
		seg   []float64
		check func(float64) bool
	}{
		{"bull trap reversal", bullTrap, []float64{100, 102, 104, 106, 103, 99}, func(v float64) bool { return v > 0.5 }},
		{"bull trap still above base", bullTrap, []float64{100, 102, 104, 106, 103, 101}, func(v float64) bool { return v == 0 }},
		{"bear trap reversal", bearTrap, []float64{100, 98, 96, 94, 97, 101}, func(v float64) bool { return v > 0.5 }},
		{"fast pump retraced", fakePump, []float64{100, 100, 100, 103, 100.5, 100}, func(v float64) bool { return v == 1 }},
		{"slow pump", fakePump, []float64{100, 101, 102, 103, 104, 105, 100}, func(v float64) bool { return v == 0 }},
		{"fast dump recovered", fakeDump, []float64{100, 100, 100, 97, 99.5, 100}, func(v float64) bool { return v == 1 }},
		{"wick below range", liquidityGrab, []float64{100, 100.5, 100, 100.5, 100, 96, 100.2}, func(v float64) bool { return v > 0.5 }},
		{"trend has no grab", liquidityGrab, []float64{100, 101, 102, 103, 104, 105, 104}, func(v float64) bool { return v == 0 }},
		{"sweep and recover", stopHunt, []float64{100, 100.5, 100, 100.5, 100, 97, 98, 100.5}, func(v float64) bool { return v == 1 }},
		{"too short", stopHunt, []float64{100, 99}, func(v float64) bool { return v == 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn(tt.seg, p)
			if !tt.check(got) {
				t.Errorf("score = %v", got)
			}
		})
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	p.Weights.PricePattern = 0.5
	if err := p.Validate(); err == nil {
		t.Error("weights summing to 1.1 should be rejected")
	}
}

func TestWindowRing(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push(Sample{Price: float64(i)})
	}
	got := w.Samples()
	if len(got) != 3 || got[0].Price != 3 || got[2].Price != 5 {
		t.Fatalf("samples = %+v, want prices 3,4,5", got)
	}
	if last, ok := w.Last(); !ok || last.Price != 5 {
		t.Errorf("last = %+v", last)
	}
}
