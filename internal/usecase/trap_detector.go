package usecase

import (
	"context"
	"math"
	"sync"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/domain/service"
	"OmegaBTC/internal/services/trap"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"

	"github.com/google/uuid"
)

type DetectorConfig struct {
	Symbol    string
	Timeframe models.Timeframe
	Window    int
	Cooldown  time.Duration
	// EnqueueThreshold is the minimum confidence kept while the queue is
	// under pressure.
	EnqueueThreshold  float64
	HighConfidence    float64
	Version           int
	OrderBookInterval time.Duration
	TrendEpsilon      float64
}

// LevelsSource supplies the in-memory Fibonacci snapshot.
type LevelsSource interface {
	Current(tf models.Timeframe) (models.FibonacciLevels, bool)
}

// TrapDetector scores every in-order tick, keeps current_trap_probability
// up to date and enqueues qualifying events.
type TrapDetector struct {
	cfg     DetectorConfig
	scorer  *trap.Scorer
	queue   *TrapQueue
	store   store.Store
	levels  LevelsSource
	book    service.OrderBookSource
	gate    Gate
	metrics domrepo.Metrics
	logger  *logger.Logger
	newID   func() string

	mu       sync.Mutex
	window   *trap.Window
	lastEmit map[models.TrapKind]time.Time
	prevProb float64
	hasPrev  bool
	bid, ask float64
	bookAt   time.Time
	hasBook  bool
}

func NewTrapDetector(
	cfg DetectorConfig,
	scorer *trap.Scorer,
	tq *TrapQueue,
	st store.Store,
	levels LevelsSource,
	metrics domrepo.Metrics,
	lgr *logger.Logger,
) *TrapDetector {
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.EnqueueThreshold <= 0 {
		cfg.EnqueueThreshold = 0.7
	}
	if cfg.HighConfidence <= 0 {
		cfg.HighConfidence = 0.8
	}
	if cfg.TrendEpsilon <= 0 {
		cfg.TrendEpsilon = 0.01
	}
	if cfg.OrderBookInterval <= 0 {
		cfg.OrderBookInterval = 5 * time.Second
	}
	if !models.IsValidTimeframe(cfg.Timeframe) {
		cfg.Timeframe = models.DefaultTimeframe()
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &TrapDetector{
		cfg:      cfg,
		scorer:   scorer,
		queue:    tq,
		store:    st,
		levels:   levels,
		metrics:  metrics,
		logger:   lgr.Component("trap_detector"),
		newID:    uuid.NewString,
		window:   trap.NewWindow(cfg.Window),
		lastEmit: make(map[models.TrapKind]time.Time),
	}
}

// SetOrderBook enables the order book imbalance component.
func (d *TrapDetector) SetOrderBook(src service.OrderBookSource) { d.book = src }

// SetGate makes the detector skip ticks while shared state refuses work.
func (d *TrapDetector) SetGate(g Gate) { d.gate = g }

func (d *TrapDetector) Name() string { return "trap_detector" }

// Run evaluates ticks until the channel is closed, so a stopping feed
// drains the detector. It returns early only if ctx is done.
func (d *TrapDetector) Run(ctx context.Context, ticks <-chan models.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				d.logger.Info("tick stream closed, detector drained")
				return nil
			}
			if d.gate != nil && !d.gate.Accepting() {
				d.metrics.RecordTickDropped("detector_store_unavailable")
				continue
			}
			if _, _, err := d.Observe(ctx, t); err != nil {
				d.logger.Warn("trap evaluation failed", logger.Error(err))
			}
		}
	}
}

// Observe folds a tick into the window, refreshes current_trap_probability
// and publishes the event if one qualifies. The returned event is nil when
// nothing was enqueued.
func (d *TrapDetector) Observe(ctx context.Context, t models.Tick) (trap.Assessment, *models.TrapEvent, error) {
	start := time.Now()
	if !t.Price.IsPositive() || t.Volume.IsNegative() || t.Timestamp.IsZero() {
		d.metrics.RecordTickDropped("detector_invalid")
		return trap.Assessment{}, nil, nil
	}
	price, _ := t.Price.Float64()
	volume, _ := t.Volume.Float64()

	d.refreshBook(ctx)

	d.mu.Lock()
	d.window.Push(trap.Sample{Price: price, Volume: volume, Time: t.Timestamp})
	in := trap.Inputs{Samples: d.window.Samples(), Bid: d.bid, Ask: d.ask, HasBook: d.hasBook}
	d.mu.Unlock()

	if d.levels != nil {
		if lv, ok := d.levels.Current(d.cfg.Timeframe); ok {
			in.Fib = &lv
		}
	}

	a := d.scorer.Assess(in)
	d.metrics.RecordLatency("detector_eval", time.Since(start))

	if err := d.writeProbability(ctx, a, t.Timestamp); err != nil {
		d.metrics.RecordError("trap_probability_write")
		return a, nil, err
	}
	if !a.Qualifies {
		return a, nil, nil
	}

	e := models.TrapEvent{
		ID:              d.newID(),
		Kind:            a.Kind,
		Confidence:      a.Probability,
		Price:           t.Price,
		Timestamp:       t.Timestamp,
		PriceChange:     a.PriceChange,
		Window:          models.Duration(a.Window),
		DetectorVersion: d.cfg.Version,
	}
	published, err := d.Publish(ctx, e)
	if err != nil || !published {
		return a, nil, err
	}
	return a, &e, nil
}

// Publish applies cooldown and backpressure and enqueues the event. It
// reports whether the event reached the queue.
func (d *TrapDetector) Publish(ctx context.Context, e models.TrapEvent) (bool, error) {
	kind := string(e.Kind)

	d.mu.Lock()
	last, seen := d.lastEmit[e.Kind]
	d.mu.Unlock()
	if seen && e.Timestamp.Sub(last) < d.cfg.Cooldown {
		d.metrics.RecordTrapEvent(kind, "cooldown")
		return false, nil
	}

	pressured, err := d.queue.UnderPressure(ctx)
	if err != nil {
		return false, err
	}
	if pressured && e.Confidence < d.cfg.EnqueueThreshold {
		d.metrics.RecordTrapEvent(kind, "backpressure")
		return false, nil
	}

	if err := d.queue.Enqueue(ctx, e); err != nil {
		d.metrics.RecordTrapEvent(kind, "enqueue_failed")
		return false, err
	}
	d.mu.Lock()
	d.lastEmit[e.Kind] = e.Timestamp
	d.mu.Unlock()
	d.metrics.RecordTrapEvent(kind, "enqueued")

	if err := store.PutJSON(ctx, d.store, models.KeyLastTrapDetection, e, 0); err != nil {
		return true, err
	}
	if _, err := d.store.Incr(ctx, models.KeyTrapDetectionCount); err != nil {
		return true, err
	}
	if e.Confidence > d.cfg.HighConfidence {
		if _, err := d.store.Incr(ctx, models.KeyHighConfidenceCount); err != nil {
			return true, err
		}
	}

	d.logger.Info("trap detected",
		logger.String("id", e.ID),
		logger.String("kind", kind),
		logger.Float64("confidence", e.Confidence),
		logger.String("price", e.Price.String()))
	return true, nil
}

func (d *TrapDetector) writeProbability(ctx context.Context, a trap.Assessment, at time.Time) error {
	d.mu.Lock()
	trend := models.TrendStable
	if d.hasPrev {
		switch delta := a.Probability - d.prevProb; {
		case delta > d.cfg.TrendEpsilon:
			trend = models.TrendIncreasing
		case delta < -d.cfg.TrendEpsilon:
			trend = models.TrendDecreasing
		}
	}
	d.prevProb, d.hasPrev = a.Probability, true
	d.mu.Unlock()

	snap := models.TrapProbability{
		Probability: round(a.Probability, 6),
		Kind:        a.Kind,
		Trend:       trend,
		Components:  a.Components,
		Timestamp:   at.UTC(),
	}
	d.metrics.RecordTrapProbability(string(a.Best), a.Probability)
	return store.PutJSON(ctx, d.store, models.KeyTrapProbability, snap, 0)
}

func (d *TrapDetector) refreshBook(ctx context.Context) {
	if d.book == nil {
		return
	}
	d.mu.Lock()
	due := time.Since(d.bookAt) >= d.cfg.OrderBookInterval
	if due {
		d.bookAt = time.Now()
	}
	d.mu.Unlock()
	if !due {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	bid, ask, err := d.book.Depth(cctx, d.cfg.Symbol)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.hasBook = false
		d.metrics.RecordError("order_book")
		return
	}
	d.bid, d.ask, d.hasBook = bid, ask, true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
