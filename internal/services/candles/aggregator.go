package candles

import (
	"sync"

	"OmegaBTC/internal/domain/models"
)

// Aggregator folds ticks into one open candle per timeframe.
type Aggregator struct {
	mu         sync.RWMutex
	timeframes []models.Timeframe
	current    map[models.Timeframe]*models.Candle
}

func NewAggregator(timeframes []models.Timeframe) *Aggregator {
	if len(timeframes) == 0 {
		timeframes = models.AllTimeframes
	}
	return &Aggregator{
		timeframes: append([]models.Timeframe(nil), timeframes...),
		current:    make(map[models.Timeframe]*models.Candle, len(timeframes)),
	}
}

// Timeframes returns the active timeframes.
func (a *Aggregator) Timeframes() []models.Timeframe {
	return a.timeframes
}

// Apply adds an in-order tick and returns the candles it closed, shortest
// timeframe first.
func (a *Aggregator) Apply(t models.Tick) []models.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var closed []models.Candle
	for _, tf := range a.timeframes {
		cur := a.current[tf]
		switch {
		case cur == nil:
			c := models.NewCandle(tf, t)
			a.current[tf] = &c
		case cur.Contains(t.Timestamp):
			cur.Apply(t)
		case t.Timestamp.Before(cur.OpenTime):
			// belongs to an already closed bucket
		default:
			done := *cur
			done.Closed = true
			closed = append(closed, done)
			c := models.NewCandle(tf, t)
			a.current[tf] = &c
		}
	}
	return closed
}

// Merge folds an out-of-order tick into the open candle that contains it.
// Ticks for already closed buckets are ignored.
func (a *Aggregator) Merge(t models.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tf := range a.timeframes {
		if cur := a.current[tf]; cur != nil && cur.Contains(t.Timestamp) {
			cur.Merge(t)
		}
	}
}

// Current returns the open candle for tf.
func (a *Aggregator) Current(tf models.Timeframe) (models.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cur, ok := a.current[tf]
	if !ok {
		return models.Candle{}, false
	}
	return *cur, true
}
