package fibonacci

import (
	"sync"
	"time"

	"OmegaBTC/internal/domain/models"

	"github.com/shopspring/decimal"
)

const DefaultLookback = 200

type window struct {
	tf       models.Timeframe
	seq      int64 // sequence number of the open bucket
	openTime time.Time
	high     decimal.Decimal
	low      decimal.Decimal
	hasOpen  bool
	maxq     *monoDeque
	minq     *monoDeque
	updated  time.Time
}

// Engine tracks the rolling high/low of each timeframe over the last
// lookback candles: the open candle plus lookback-1 closed ones.
type Engine struct {
	mu       sync.RWMutex
	lookback int64
	windows  map[models.Timeframe]*window
	order    []models.Timeframe
}

func NewEngine(timeframes []models.Timeframe, lookback int) *Engine {
	if len(timeframes) == 0 {
		timeframes = models.AllTimeframes
	}
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	e := &Engine{
		lookback: int64(lookback),
		windows:  make(map[models.Timeframe]*window, len(timeframes)),
		order:    append([]models.Timeframe(nil), timeframes...),
	}
	for _, tf := range timeframes {
		e.windows[tf] = &window{tf: tf, maxq: newMaxDeque(), minq: newMinDeque()}
	}
	return e
}

// Timeframes returns the tracked timeframes.
func (e *Engine) Timeframes() []models.Timeframe {
	return e.order
}

// Update folds a tick into every timeframe. Ticks for buckets older than the
// open one are ignored. It returns the timeframes whose bucket rolled over.
func (e *Engine) Update(t models.Tick) []models.Timeframe {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rolled []models.Timeframe
	for _, tf := range e.order {
		w := e.windows[tf]
		bucket := tf.Align(t.Timestamp)

		switch {
		case !w.hasOpen:
			w.open(bucket, t.Price)
		case bucket.Equal(w.openTime):
			w.high = decimal.Max(w.high, t.Price)
			w.low = decimal.Min(w.low, t.Price)
		case bucket.Before(w.openTime):
			continue
		default:
			w.closeOpen(e.lookback)
			w.seq++
			w.open(bucket, t.Price)
			rolled = append(rolled, tf)
		}
		w.updated = t.Timestamp
	}
	return rolled
}

// Seed loads closed candles, oldest first, ahead of live ticks.
func (e *Engine) Seed(tf models.Timeframe, candles []models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[tf]
	if !ok {
		return
	}
	for _, c := range candles {
		if w.hasOpen && !c.OpenTime.After(w.openTime) {
			continue
		}
		if w.hasOpen {
			w.closeOpen(e.lookback)
			w.seq++
		}
		w.openTime = c.OpenTime
		w.high = c.High
		w.low = c.Low
		w.hasOpen = true
		w.updated = c.LastTick
	}
}

func (w *window) open(bucket time.Time, price decimal.Decimal) {
	w.openTime = bucket
	w.high = price
	w.low = price
	w.hasOpen = true
}

func (w *window) closeOpen(lookback int64) {
	w.maxq.push(w.seq, w.high)
	w.minq.push(w.seq, w.low)
	// after the next open, the window spans seq-(lookback-2) .. seq+1
	minSeq := w.seq + 1 - (lookback - 1)
	w.maxq.evict(minSeq)
	w.minq.evict(minSeq)
}

// HighLow returns the rolling extremes for tf.
func (e *Engine) HighLow(tf models.Timeframe) (high, low decimal.Decimal, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.highLowLocked(tf)
}

func (e *Engine) highLowLocked(tf models.Timeframe) (decimal.Decimal, decimal.Decimal, bool) {
	w, ok := e.windows[tf]
	if !ok || !w.hasOpen {
		return decimal.Zero, decimal.Zero, false
	}
	high, low := w.high, w.low
	if v, ok := w.maxq.front(); ok {
		high = decimal.Max(high, v)
	}
	if v, ok := w.minq.front(); ok {
		low = decimal.Min(low, v)
	}
	return high, low, true
}

// Levels returns the current levels snapshot for tf.
func (e *Engine) Levels(tf models.Timeframe) (models.FibonacciLevels, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	high, low, ok := e.highLowLocked(tf)
	if !ok {
		return models.FibonacciLevels{}, false
	}
	return models.ComputeLevels(tf, high, low, e.windows[tf].updated), true
}

// Nearest returns the ratio whose level is closest to price. A flat range
// yields ratio "0" with zero distance.
func (e *Engine) Nearest(price decimal.Decimal, tf models.Timeframe) (models.Ratio, decimal.Decimal, bool) {
	levels, ok := e.Levels(tf)
	if !ok {
		return models.Ratio{}, decimal.Zero, false
	}
	r, d := NearestLevel(levels, price)
	return r, d, true
}

// NearestLevel scans the nine ratios of a snapshot.
func NearestLevel(levels models.FibonacciLevels, price decimal.Decimal) (models.Ratio, decimal.Decimal) {
	if levels.High.Equal(levels.Low) {
		return models.FibRatios[0], decimal.Zero
	}
	best := models.FibRatios[0]
	bestDist := decimal.Zero
	for i, r := range models.FibRatios {
		dist := levels.Levels[r.Key].Sub(price).Abs()
		if i == 0 || dist.LessThan(bestDist) {
			best, bestDist = r, dist
		}
	}
	return best, bestDist
}
