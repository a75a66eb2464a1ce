package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PricePlaces is the number of fractional digits kept for prices and levels.
const PricePlaces = 8

// Ratio is a Fibonacci retracement or extension ratio.
type Ratio struct {
	Key   string
	Value decimal.Decimal
}

func mustRatio(s string) Ratio {
	return Ratio{Key: s, Value: decimal.RequireFromString(s)}
}

// FibRatios are the nine supported ratios in ascending order.
var FibRatios = []Ratio{
	mustRatio("0"),
	mustRatio("0.236"),
	mustRatio("0.382"),
	mustRatio("0.5"),
	mustRatio("0.618"),
	mustRatio("0.786"),
	mustRatio("1"),
	mustRatio("1.272"),
	mustRatio("1.618"),
}

// FibonacciLevels is a levels snapshot for one timeframe.
type FibonacciLevels struct {
	High      decimal.Decimal            `json:"high"`
	Low       decimal.Decimal            `json:"low"`
	Timeframe Timeframe                  `json:"timeframe"`
	Levels    map[string]decimal.Decimal `json:"levels"`
	Timestamp time.Time                  `json:"timestamp"`
}

// ComputeLevels derives all ratio levels from a high/low pair.
func ComputeLevels(tf Timeframe, high, low decimal.Decimal, at time.Time) FibonacciLevels {
	if high.LessThan(low) {
		high, low = low, high
	}
	span := high.Sub(low)
	levels := make(map[string]decimal.Decimal, len(FibRatios))
	for _, r := range FibRatios {
		levels[r.Key] = low.Add(r.Value.Mul(span)).Round(PricePlaces)
	}
	// anchors are exact
	levels["0"] = low
	levels["1"] = high

	return FibonacciLevels{
		High:      high,
		Low:       low,
		Timeframe: tf,
		Levels:    levels,
		Timestamp: at.UTC(),
	}
}

// Level returns the price at ratio key r.
func (f FibonacciLevels) Level(r string) (decimal.Decimal, bool) {
	v, ok := f.Levels[r]
	return v, ok
}

// Range is high minus low.
func (f FibonacciLevels) Range() decimal.Decimal {
	return f.High.Sub(f.Low)
}

// Validate checks the snapshot invariants.
func (f FibonacciLevels) Validate() error {
	if f.Low.GreaterThan(f.High) {
		return fmt.Errorf("low %s above high %s", f.Low, f.High)
	}
	if !IsValidTimeframe(f.Timeframe) {
		return fmt.Errorf("unsupported timeframe %q", f.Timeframe)
	}
	for _, r := range FibRatios {
		got, ok := f.Levels[r.Key]
		if !ok {
			return fmt.Errorf("missing level %s", r.Key)
		}
		want := f.Low.Add(r.Value.Mul(f.Range()))
		if !ApproxEqual(got, want) {
			return fmt.Errorf("level %s = %s, want %s", r.Key, got, want)
		}
	}
	return nil
}

var (
	tolerance = decimal.New(1, -8)
	one       = decimal.NewFromInt(1)
)

// ApproxEqual reports |a-b| <= 1e-8 * max(1, |a|, |b|).
func ApproxEqual(a, b decimal.Decimal) bool {
	scale := decimal.Max(one, a.Abs(), b.Abs())
	return a.Sub(b).Abs().LessThanOrEqual(tolerance.Mul(scale))
}
