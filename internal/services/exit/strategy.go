package exit

import (
	"fmt"
	"math"

	"OmegaBTC/internal/domain/models"

	"github.com/shopspring/decimal"
)

// Trigger ids for decisions not caused by a trap event.
const (
	TriggerTakeProfit = "tp"
	TriggerStopLoss   = "sl"
	triggerTrail      = "trail:"
	triggerTrailHit   = "trail_hit:"
)

// Exit reasons.
const (
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
)

type Params struct {
	// ExitThreshold is the minimum opposing trap confidence for a partial exit.
	ExitThreshold float64
	// TrailK scales the Fibonacci range into the trailing distance.
	TrailK float64
}

func DefaultParams() Params {
	return Params{ExitThreshold: 0.75, TrailK: 0.5}
}

// Strategy turns the current position and market context into a single
// decision. Precedence is FullExit, PartialExit, UpdateStop, Hold.
type Strategy struct {
	p Params
}

func NewStrategy(p Params) *Strategy {
	if p.ExitThreshold <= 0 {
		p.ExitThreshold = DefaultParams().ExitThreshold
	}
	if p.TrailK <= 0 {
		p.TrailK = DefaultParams().TrailK
	}
	return &Strategy{p: p}
}

// Evaluate is pure: the same inputs always yield the same decision.
// trailingPrev is the last persisted trailing mark, zero when none.
func (s *Strategy) Evaluate(pos models.Position, latest *models.TrapEvent, fib *models.FibonacciLevels, trailingPrev decimal.Decimal) models.Decision {
	if !pos.HasPosition || pos.Size.Sign() <= 0 {
		return models.Decision{Kind: models.DecisionHold}
	}
	hold := models.Decision{Kind: models.DecisionHold, PositionID: pos.ID}

	if d, ok := s.fullExit(pos, trailingPrev); ok {
		return d
	}
	if d, ok := s.partialExit(pos, latest); ok {
		return d
	}
	if d, ok := s.trailing(pos, fib, trailingPrev); ok {
		return d
	}
	return hold
}

func (s *Strategy) fullExit(pos models.Position, trailingPrev decimal.Decimal) (models.Decision, bool) {
	price := pos.CurrentPrice
	if price.Sign() <= 0 {
		return models.Decision{}, false
	}
	full := func(trigger, reason string) (models.Decision, bool) {
		return models.Decision{
			Kind:       models.DecisionFullExit,
			PositionID: pos.ID,
			TriggerID:  trigger,
			Fraction:   1,
			Reason:     reason,
		}, true
	}

	long := pos.Side == models.SideLong
	crossedAbove := func(level decimal.Decimal) bool {
		return level.Sign() > 0 && price.GreaterThanOrEqual(level)
	}
	crossedBelow := func(level decimal.Decimal) bool {
		return level.Sign() > 0 && price.LessThanOrEqual(level)
	}

	if long {
		switch {
		case crossedAbove(pos.TakeProfit):
			return full(TriggerTakeProfit, ReasonTakeProfit)
		case crossedBelow(pos.StopLoss):
			return full(TriggerStopLoss, ReasonStopLoss)
		case crossedBelow(trailingPrev):
			return full(triggerTrailHit+trailingPrev.String(), ReasonTrailingStop)
		}
		return models.Decision{}, false
	}

	switch {
	case crossedBelow(pos.TakeProfit):
		return full(TriggerTakeProfit, ReasonTakeProfit)
	case crossedAbove(pos.StopLoss):
		return full(TriggerStopLoss, ReasonStopLoss)
	case crossedAbove(trailingPrev):
		return full(triggerTrailHit+trailingPrev.String(), ReasonTrailingStop)
	}
	return models.Decision{}, false
}

func (s *Strategy) partialExit(pos models.Position, latest *models.TrapEvent) (models.Decision, bool) {
	if latest == nil || !latest.Kind.Against(pos.Side) || latest.Confidence < s.p.ExitThreshold {
		return models.Decision{}, false
	}
	// traps that predate the position say nothing about it
	if !pos.EntryTime.IsZero() && latest.Timestamp.Before(pos.EntryTime) {
		return models.Decision{}, false
	}
	return models.Decision{
		Kind:       models.DecisionPartialExit,
		PositionID: pos.ID,
		TriggerID:  latest.ID,
		Fraction:   Fraction(latest.Confidence),
		Reason:     fmt.Sprintf("%s confidence %.3f", latest.Kind, latest.Confidence),
	}, true
}

func (s *Strategy) trailing(pos models.Position, fib *models.FibonacciLevels, trailingPrev decimal.Decimal) (models.Decision, bool) {
	if fib == nil || pos.CurrentPrice.Sign() <= 0 {
		return models.Decision{}, false
	}
	span := fib.Range()
	if span.Sign() <= 0 {
		return models.Decision{}, false
	}
	dist := span.Mul(decimal.NewFromFloat(s.p.TrailK))

	var next decimal.Decimal
	if pos.Side == models.SideLong {
		next = pos.CurrentPrice.Sub(dist)
		if next.Sign() <= 0 || (trailingPrev.Sign() > 0 && !next.GreaterThan(trailingPrev)) {
			return models.Decision{}, false
		}
	} else {
		next = pos.CurrentPrice.Add(dist)
		if trailingPrev.Sign() > 0 && !next.LessThan(trailingPrev) {
			return models.Decision{}, false
		}
	}
	next = next.Round(models.PricePlaces)

	return models.Decision{
		Kind:       models.DecisionUpdateStop,
		PositionID: pos.ID,
		TriggerID:  triggerTrail + next.String(),
		StopPrice:  next,
		Reason:     ReasonTrailingStop,
	}, true
}

type knot struct{ conf, frac float64 }

var fractionCurve = []knot{{0.75, 0.25}, {0.9, 0.5}, {0.95, 1.0}}

// Fraction maps trap confidence to the share of the position to close:
// piecewise linear through (0.75,0.25), (0.9,0.5), (0.95,1.0).
func Fraction(confidence float64) float64 {
	first, last := fractionCurve[0], fractionCurve[len(fractionCurve)-1]
	if confidence < first.conf {
		return 0
	}
	if confidence >= last.conf {
		return last.frac
	}
	for i := 1; i < len(fractionCurve); i++ {
		a, b := fractionCurve[i-1], fractionCurve[i]
		if confidence <= b.conf {
			f := a.frac + (confidence-a.conf)/(b.conf-a.conf)*(b.frac-a.frac)
			return math.Round(f*1e6) / 1e6
		}
	}
	return last.frac
}
