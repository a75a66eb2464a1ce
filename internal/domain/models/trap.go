package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TrapKind names a market-maker trap pattern.
type TrapKind string

const (
	TrapBull          TrapKind = "BullTrap"
	TrapBear          TrapKind = "BearTrap"
	TrapLiquidityGrab TrapKind = "LiquidityGrab"
	TrapStopHunt      TrapKind = "StopHunt"
	TrapFakePump      TrapKind = "FakePump"
	TrapFakeDump      TrapKind = "FakeDump"
	TrapNone          TrapKind = "None"
)

// TrapKinds lists every directional or structural kind, excluding None.
var TrapKinds = []TrapKind{TrapBull, TrapBear, TrapLiquidityGrab, TrapStopHunt, TrapFakePump, TrapFakeDump}

func (k TrapKind) Valid() bool {
	switch k {
	case TrapBull, TrapBear, TrapLiquidityGrab, TrapStopHunt, TrapFakePump, TrapFakeDump, TrapNone:
		return true
	}
	return false
}

// Against reports whether the trap argues for exiting a position on side.
func (k TrapKind) Against(side Side) bool {
	switch side {
	case SideLong:
		return k == TrapBull || k == TrapFakePump
	case SideShort:
		return k == TrapBear || k == TrapFakeDump
	}
	return false
}

// TrapEvent is an immutable detection published to the trap queue.
type TrapEvent struct {
	ID              string          `json:"id"`
	Kind            TrapKind        `json:"kind"`
	Confidence      float64         `json:"confidence"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
	PriceChange     float64         `json:"price_change"`
	Window          Duration        `json:"window"`
	DetectorVersion int             `json:"detector_version"`
}

// Validate checks the envelope at consumer boundaries.
func (e TrapEvent) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("trap event: empty id")
	case e.Kind == TrapNone || !e.Kind.Valid():
		return fmt.Errorf("trap event %s: invalid kind %q", e.ID, e.Kind)
	case e.Confidence < 0 || e.Confidence > 1:
		return fmt.Errorf("trap event %s: confidence %v out of range", e.ID, e.Confidence)
	case e.Timestamp.IsZero():
		return fmt.Errorf("trap event %s: missing timestamp", e.ID)
	}
	return nil
}

// Score is the queue score: unix milliseconds of the event.
func (e TrapEvent) Score() float64 {
	return float64(e.Timestamp.UnixMilli())
}

// Trend is the direction of the probability since the previous snapshot.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Component is one heuristic's contribution.
type Component struct {
	Value       float64 `json:"value"`
	Description string  `json:"description"`
}

// TrapProbability is the current detector snapshot.
type TrapProbability struct {
	Probability float64              `json:"probability"`
	Kind        TrapKind             `json:"kind"`
	Trend       Trend                `json:"trend"`
	Components  map[string]Component `json:"components"`
	Timestamp   time.Time            `json:"timestamp"`
}

// ParseTrapProbability reads the canonical object and tolerates the legacy
// forms: a bare number or an object carrying only a numeric probability.
func ParseTrapProbability(raw string) (TrapProbability, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return TrapProbability{}, errors.New("empty trap probability")
	}

	if p, err := strconv.ParseFloat(strings.Trim(raw, `"`), 64); err == nil {
		return legacyProbability(p), nil
	}

	var tp TrapProbability
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return TrapProbability{}, fmt.Errorf("decode trap probability: %w", err)
	}
	if tp.Kind == "" {
		tp.Kind = TrapNone
	}
	if tp.Trend == "" {
		tp.Trend = TrendStable
	}
	if tp.Components == nil {
		tp.Components = map[string]Component{}
	}
	tp.Probability = clamp01(tp.Probability)
	return tp, nil
}

func legacyProbability(p float64) TrapProbability {
	return TrapProbability{
		Probability: clamp01(p),
		Kind:        TrapNone,
		Trend:       TrendStable,
		Components:  map[string]Component{},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Duration marshals as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
