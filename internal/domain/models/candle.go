package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV bucket aligned to its timeframe.
type Candle struct {
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Ticks     int             `json:"ticks"`
	LastTick  time.Time       `json:"last_tick"`
	Closed    bool            `json:"closed"`
}

// NewCandle opens a candle from its first tick.
func NewCandle(tf Timeframe, t Tick) Candle {
	return Candle{
		Timeframe: tf,
		OpenTime:  tf.Align(t.Timestamp),
		Open:      t.Price,
		High:      t.Price,
		Low:       t.Price,
		Close:     t.Price,
		Volume:    t.Volume,
		Ticks:     1,
		LastTick:  t.Timestamp,
	}
}

// CloseTime is the exclusive end of the bucket.
func (c Candle) CloseTime() time.Time {
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// Contains reports whether ts falls in [open, open+T).
func (c Candle) Contains(ts time.Time) bool {
	return !ts.Before(c.OpenTime) && ts.Before(c.CloseTime())
}

// Apply adds an in-order tick; close follows the latest tick.
func (c *Candle) Apply(t Tick) {
	c.High = decimal.Max(c.High, t.Price)
	c.Low = decimal.Min(c.Low, t.Price)
	c.Volume = c.Volume.Add(t.Volume)
	c.Close = t.Price
	c.Ticks++
	c.LastTick = t.Timestamp
}

// Merge adds an out-of-order tick without moving the close.
func (c *Candle) Merge(t Tick) {
	c.High = decimal.Max(c.High, t.Price)
	c.Low = decimal.Min(c.Low, t.Price)
	c.Volume = c.Volume.Add(t.Volume)
	c.Ticks++
}
