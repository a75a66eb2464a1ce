package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DecisionKind is the action chosen by the exit strategy.
type DecisionKind string

const (
	DecisionHold        DecisionKind = "Hold"
	DecisionUpdateStop  DecisionKind = "UpdateStop"
	DecisionPartialExit DecisionKind = "PartialExit"
	DecisionFullExit    DecisionKind = "FullExit"
)

// Decision is one exit-strategy output, keyed for idempotence by
// (PositionID, TriggerID).
type Decision struct {
	Kind       DecisionKind    `json:"kind"`
	PositionID string          `json:"position_id,omitempty"`
	TriggerID  string          `json:"trigger_id,omitempty"`
	Fraction   float64         `json:"fraction,omitempty"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Key is the idempotence key.
func (d Decision) Key() string {
	return fmt.Sprintf("%s:%s", d.PositionID, d.TriggerID)
}

// ClientOrderID is the exchange client order id for the decision. It is
// derived from Key so a retried or redelivered decision reuses it and the
// exchange can refuse the duplicate.
func (d Decision) ClientOrderID() string {
	sum := sha256.Sum256([]byte(d.Key()))
	return "omega-" + hex.EncodeToString(sum[:16])
}

// Actionable reports whether the decision reaches the exchange.
func (d Decision) Actionable() bool {
	return d.Kind != DecisionHold && d.Kind != ""
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionPartialExit:
		return fmt.Sprintf("PartialExit(%g)", d.Fraction)
	case DecisionUpdateStop:
		return fmt.Sprintf("UpdateStop(%s)", d.StopPrice)
	case DecisionFullExit:
		return fmt.Sprintf("FullExit(%s)", d.Reason)
	}
	return string(DecisionHold)
}

// FailedDecision is appended to exit_failed_decisions when retries exhaust.
type FailedDecision struct {
	Decision Decision  `json:"decision"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}
