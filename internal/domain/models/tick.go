package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single validated price observation.
type Tick struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
}

// RawTick is the wire shape of a ticker message before validation.
type RawTick struct {
	TimestampMs int64  `json:"timestamp_ms"`
	Price       string `json:"price"`
	Volume      string `json:"volume"`
	Source      string `json:"-"`
}

// Parse validates the raw message. Non-numeric or non-positive prices and
// negative volumes are rejected.
func (r RawTick) Parse() (Tick, error) {
	if r.TimestampMs <= 0 {
		return Tick{}, fmt.Errorf("invalid timestamp %d", r.TimestampMs)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(r.Price))
	if err != nil {
		return Tick{}, fmt.Errorf("price %q: %w", r.Price, err)
	}
	if !price.IsPositive() {
		return Tick{}, fmt.Errorf("price %s is not positive", price)
	}

	volume := decimal.Zero
	if v := strings.TrimSpace(r.Volume); v != "" {
		volume, err = decimal.NewFromString(v)
		if err != nil {
			return Tick{}, fmt.Errorf("volume %q: %w", r.Volume, err)
		}
		if volume.IsNegative() {
			return Tick{}, fmt.Errorf("volume %s is negative", volume)
		}
	}

	return Tick{
		Timestamp: time.UnixMilli(r.TimestampMs).UTC(),
		Price:     price,
		Volume:    volume,
	}, nil
}

// MovementRecord is one entry of btc_movement_history: all ticks of one
// second folded together.
type MovementRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
}

// NewMovementRecord starts a record from its first tick.
func NewMovementRecord(t Tick) MovementRecord {
	return MovementRecord{
		Timestamp: t.Timestamp,
		Price:     t.Price,
		Volume:    t.Volume,
		High:      t.Price,
		Low:       t.Price,
	}
}

// Second returns the unix second the record covers.
func (m MovementRecord) Second() int64 {
	return m.Timestamp.Unix()
}

// Merge folds a tick of the same second into the record. Only in-order
// ticks move the record's price and timestamp.
func (m *MovementRecord) Merge(t Tick, inOrder bool) {
	m.High = decimal.Max(m.High, t.Price)
	m.Low = decimal.Min(m.Low, t.Price)
	m.Volume = m.Volume.Add(t.Volume)
	if inOrder {
		m.Price = t.Price
		m.Timestamp = t.Timestamp
	}
}
