package trap

import (
	"errors"
	"fmt"
	"math"
)

// Component names as reported in current_trap_probability.
const (
	ComponentPricePattern       = "price_pattern"
	ComponentVolumeSpike        = "volume_spike"
	ComponentFibonacciProximity = "fibonacci_proximity"
	ComponentOrderBook          = "order_book_imbalance"
	ComponentMarketRegime       = "market_regime"
	ComponentHistoricalMatch    = "historical_match"
)

// Weights of the six heuristic components. They must sum to 1.
type Weights struct {
	PricePattern       float64 `yaml:"price_pattern" default:"0.4"`
	VolumeSpike        float64 `yaml:"volume_spike" default:"0.15"`
	FibonacciProximity float64 `yaml:"fibonacci_proximity" default:"0.1"`
	OrderBookImbalance float64 `yaml:"order_book_imbalance" default:"0.05"`
	MarketRegime       float64 `yaml:"market_regime" default:"0.1"`
	HistoricalMatch    float64 `yaml:"historical_match" default:"0.2"`
}

func (w Weights) Sum() float64 {
	return w.PricePattern + w.VolumeSpike + w.FibonacciProximity +
		w.OrderBookImbalance + w.MarketRegime + w.HistoricalMatch
}

func (w Weights) byComponent() map[string]float64 {
	return map[string]float64{
		ComponentPricePattern:       w.PricePattern,
		ComponentVolumeSpike:        w.VolumeSpike,
		ComponentFibonacciProximity: w.FibonacciProximity,
		ComponentOrderBook:          w.OrderBookImbalance,
		ComponentMarketRegime:       w.MarketRegime,
		ComponentHistoricalMatch:    w.HistoricalMatch,
	}
}

// Params tunes the scorer.
type Params struct {
	Weights Weights

	// PatternTicks is how many trailing samples the shape detectors see.
	PatternTicks int
	// ReversalBars is k: the reversal must complete within k samples of the extreme.
	ReversalBars int
	// PumpBars is the rise length still considered a fast pump.
	PumpBars int
	// PumpMinMove is the minimum relative rise for a pump or dump.
	PumpMinMove float64
	// MinMove is the minimum relative breakout for bull and bear traps.
	MinMove float64
	// BandRatio sizes the Fibonacci proximity band as a fraction of high-low.
	BandRatio float64
	EMAShort  int
	EMALong   int
	// RegimeScale is the EMA spread that saturates the regime signal.
	RegimeScale float64
	MatchTicks  int

	NeutralCap          float64
	ConfidenceThreshold float64
	// FlatEpsilon is the relative price range under which the window is flat.
	FlatEpsilon float64
}

func DefaultParams() Params {
	return Params{
		Weights: Weights{
			PricePattern:       0.4,
			VolumeSpike:        0.15,
			FibonacciProximity: 0.1,
			OrderBookImbalance: 0.05,
			MarketRegime:       0.1,
			HistoricalMatch:    0.2,
		},
		PatternTicks:        30,
		ReversalBars:        5,
		PumpBars:            2,
		PumpMinMove:         0.003,
		MinMove:             0.001,
		BandRatio:           0.1,
		EMAShort:            5,
		EMALong:             20,
		RegimeScale:         0.005,
		MatchTicks:          10,
		NeutralCap:          0.3,
		ConfidenceThreshold: 0.6,
		FlatEpsilon:         1e-9,
	}
}

func (p Params) Validate() error {
	for name, w := range p.Weights.byComponent() {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("weight %s must be non-negative", name)
		}
	}
	if math.Abs(p.Weights.Sum()-1) > 1e-6 {
		return fmt.Errorf("weights sum to %.6f, want 1", p.Weights.Sum())
	}
	switch {
	case p.PatternTicks < 3:
		return errors.New("pattern ticks must be at least 3")
	case p.ReversalBars < 1:
		return errors.New("reversal bars must be at least 1")
	case p.PumpBars < 1:
		return errors.New("pump bars must be at least 1")
	case p.EMAShort < 1 || p.EMALong < p.EMAShort:
		return errors.New("ema periods must satisfy 1 <= short <= long")
	case p.RegimeScale <= 0:
		return errors.New("regime scale must be positive")
	case p.MatchTicks < 3:
		return errors.New("match ticks must be at least 3")
	case p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1:
		return errors.New("confidence threshold must be within [0,1]")
	case p.NeutralCap < 0 || p.NeutralCap > 1:
		return errors.New("neutral cap must be within [0,1]")
	}
	return nil
}
