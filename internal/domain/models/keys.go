package models

import "fmt"

// StateStore key names. The schema is shared with other processes and
// must stay stable.
const (
	KeyLastPrice              = "last_btc_price"
	KeyMovementHistory        = "btc_movement_history"
	KeyFibonacciLevels        = "fibonacci_levels"
	KeyTrapProbability        = "current_trap_probability"
	KeyLastTrapDetection      = "last_trap_detection"
	KeyTrapQueue              = "mm_trap_queue:zset"
	KeyCurrentPosition        = "current_position"
	KeyTrapDetectionCount     = "trap_detection_count"
	KeyHighConfidenceCount    = "high_confidence_trap_count"
	KeyExitFailedDecisions    = "exit_failed_decisions"
	MovementHistoryMaxLen     = 10_000
	ExitFailedDecisionsMaxLen = 1_000
)

// KeyCandle is the latest candle for tf.
func KeyCandle(tf Timeframe) string {
	return fmt.Sprintf("btc_candle_%s", tf)
}

// KeyCandleHistory lists closed candles for tf.
func KeyCandleHistory(tf Timeframe) string {
	return fmt.Sprintf("btc_candle_history_%s", tf)
}

// KeyFibonacciLevelsFor is the per-timeframe levels snapshot.
func KeyFibonacciLevelsFor(tf Timeframe) string {
	return fmt.Sprintf("fibonacci_levels_%s", tf)
}

func KeyTrailingStop(positionID string) string {
	return "trailing_stop:" + positionID
}

// KeyExitDecision is the idempotence record of an executed decision.
func KeyExitDecision(d Decision) string {
	return "exit_decision:" + d.Key()
}
