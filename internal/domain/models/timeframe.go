package models

import (
	"fmt"
	"time"
)

// Timeframe represents candle resolution buckets.
type Timeframe string

const (
	TF1m   Timeframe = "1m"
	TF5m   Timeframe = "5m"
	TF15m  Timeframe = "15m"
	TF30m  Timeframe = "30m"
	TF60m  Timeframe = "60m"
	TF240m Timeframe = "240m"
)

// AllTimeframes lists every supported timeframe, shortest first.
var AllTimeframes = []Timeframe{TF1m, TF5m, TF15m, TF30m, TF60m, TF240m}

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:   time.Minute,
	TF5m:   5 * time.Minute,
	TF15m:  15 * time.Minute,
	TF30m:  30 * time.Minute,
	TF60m:  time.Hour,
	TF240m: 4 * time.Hour,
}

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// DefaultTimeframe returns the default timeframe.
func DefaultTimeframe() Timeframe { return TF1m }

// ParseTimeframe validates a raw timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !IsValidTimeframe(tf) {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the bucket length, or zero for unknown timeframes.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Align returns the open time of the bucket containing t.
func (tf Timeframe) Align(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t
	}
	return t.UTC().Truncate(d)
}
