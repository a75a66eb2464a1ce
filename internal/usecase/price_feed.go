package usecase

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	mid "OmegaBTC/internal/middleware"
	"OmegaBTC/internal/services/candles"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"
)

// Gate reports whether shared state accepts new work.
type Gate interface {
	Accepting() bool
}

// TickObserver is notified synchronously of every accepted tick. Late is set
// for ticks that arrived out of order within the current second.
type TickObserver interface {
	OnTick(ctx context.Context, t models.Tick, late bool) error
}

type PriceFeedConfig struct {
	Symbol        string
	Source        string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	CandleHistory int64
	SubscriberBuf int
}

// PriceFeed turns the market stream into validated, ordered ticks. It owns
// last_btc_price, btc_movement_history and the btc_candle_* keys.
type PriceFeed struct {
	cfg       PriceFeedConfig
	stream    domrepo.MarketStream
	store     store.Store
	archive   domrepo.Archive
	metrics   domrepo.Metrics
	logger    *logger.Logger
	agg       *candles.Aggregator
	pipe      *mid.TickPipeline
	gate      Gate
	observers []TickObserver

	mu      sync.Mutex
	pending *models.MovementRecord
	lastTs  time.Time
	subs    []chan models.Tick

	lastTickAt atomic.Int64
	reconnects atomic.Int64
	connected  atomic.Bool
	rnd        *rand.Rand
}

func NewPriceFeed(
	cfg PriceFeedConfig,
	stream domrepo.MarketStream,
	st store.Store,
	agg *candles.Aggregator,
	metrics domrepo.Metrics,
	lgr *logger.Logger,
	opts ...mid.PipelineOption,
) *PriceFeed {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.CandleHistory <= 0 {
		cfg.CandleHistory = 200
	}
	if cfg.SubscriberBuf <= 0 {
		cfg.SubscriberBuf = 1024
	}
	if cfg.Source == "" {
		cfg.Source = "stream"
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	f := &PriceFeed{
		cfg:     cfg,
		stream:  stream,
		store:   st,
		agg:     agg,
		metrics: metrics,
		logger:  lgr.Component("price_feed"),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	f.pipe = mid.NewTickPipeline(f, metrics, append([]mid.PipelineOption{mid.WithLogger(lgr)}, opts...)...)
	return f
}

// SetArchive enables best-effort archiving of closed candles.
func (f *PriceFeed) SetArchive(a domrepo.Archive) { f.archive = a }

// SetGate makes the feed drop ticks while the gate refuses work.
func (f *PriceFeed) SetGate(g Gate) { f.gate = g }

// Observe registers a synchronous tick observer. Call before Run.
func (f *PriceFeed) Observe(o TickObserver) { f.observers = append(f.observers, o) }

// Subscribe returns a channel of in-order ticks. A subscriber that falls
// SubscriberBuf ticks behind misses ticks until it catches up. The channel is
// closed when Run returns. Call before Run.
func (f *PriceFeed) Subscribe() <-chan models.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan models.Tick, f.cfg.SubscriberBuf)
	f.subs = append(f.subs, ch)
	return ch
}

func (f *PriceFeed) Name() string { return "price_feed" }

// IsConnected returns true if the market stream is connected.
func (f *PriceFeed) IsConnected() bool { return f.connected.Load() }

// Health reports connection state and tick freshness.
func (f *PriceFeed) Health() models.FeedHealth {
	h := models.FeedHealth{Connected: f.connected.Load(), Reconnects: f.reconnects.Load()}
	if ns := f.lastTickAt.Load(); ns > 0 {
		h.LastTickAge = time.Since(time.Unix(0, ns))
	}
	return h
}

// Run reads the stream until ctx is done, reconnecting with jittered
// exponential backoff. Authentication failures are returned immediately.
func (f *PriceFeed) Run(ctx context.Context) error {
	defer f.shutdown()

	attempt := 0
	for {
		received, err := f.session(ctx)
		f.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperr.Fatal(err) {
			f.logger.Error("price stream failed permanently", logger.Error(err))
			return err
		}
		if received {
			attempt = 0
		}
		delay := f.backoff(attempt)
		attempt++
		f.reconnects.Add(1)
		f.metrics.RecordFeedReconnect()
		f.logger.Warn("price stream disconnected, reconnecting",
			logger.Error(err),
			logger.Int("attempt", attempt),
			logger.Duration("delay_ms", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (f *PriceFeed) session(ctx context.Context) (bool, error) {
	if err := f.stream.Connect(ctx); err != nil {
		return false, err
	}
	defer f.stream.Close()
	if err := f.stream.Subscribe(ctx); err != nil {
		return false, err
	}
	f.setConnected(true)
	f.logger.Info("price stream connected", logger.String("symbol", f.cfg.Symbol))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ticks, errs := f.stream.Read(sctx)

	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return received, err
			}
		case raw, ok := <-ticks:
			if !ok {
				return received, apperr.Transient("feed.read", errors.New("stream closed"))
			}
			received = true
			f.lastTickAt.Store(time.Now().UnixNano())
			if raw != nil && raw.Source == "" {
				raw.Source = f.cfg.Source
			}
			if err := f.pipe.Process(ctx, raw); err != nil &&
				!errors.Is(err, mid.ErrDropped) && !apperr.Is(err, apperr.KindInvalidTick) {
				f.logger.Warn("tick processing failed", logger.Error(err))
			}
		}
	}
}

// backoff is base*2^attempt capped at max, with the upper half jittered.
func (f *PriceFeed) backoff(attempt int) time.Duration {
	d := f.cfg.ReconnectBase
	for i := 0; i < attempt && d < f.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > f.cfg.ReconnectMax {
		d = f.cfg.ReconnectMax
	}
	half := d / 2
	return half + time.Duration(f.rnd.Int63n(int64(half)+1))
}

func (f *PriceFeed) setConnected(v bool) {
	f.connected.Store(v)
	f.metrics.RecordFeedConnected(v)
}

// Process applies one validated tick. Store failures that happen before any
// in-memory state changes are returned so the pipeline can retry the tick.
func (f *PriceFeed) Process(ctx context.Context, t models.Tick) error {
	if f.gate != nil && !f.gate.Accepting() {
		f.metrics.RecordTickDropped("store_unavailable")
		return nil
	}

	f.mu.Lock()
	switch {
	case !f.lastTs.IsZero() && t.Timestamp.Equal(f.lastTs):
		f.mu.Unlock()
		f.metrics.RecordTickDropped("duplicate")
		return nil
	case !f.lastTs.IsZero() && t.Timestamp.Unix() < f.lastTs.Unix():
		f.mu.Unlock()
		f.metrics.RecordTickDropped("stale")
		return nil
	case !f.lastTs.IsZero() && t.Timestamp.Before(f.lastTs):
		if f.pending != nil {
			f.pending.Merge(t, false)
		}
		f.agg.Merge(t)
		f.mu.Unlock()
		f.notify(ctx, t, true)
		return nil
	}

	if f.pending != nil && t.Timestamp.Unix() > f.pending.Second() {
		if err := store.AppendJSON(ctx, f.store, models.KeyMovementHistory, f.pending, models.MovementHistoryMaxLen); err != nil {
			f.mu.Unlock()
			return apperr.StoreUnavailable("feed.history", err)
		}
		f.pending = nil
	}
	if err := f.store.Put(ctx, models.KeyLastPrice, t.Price.String(), 0); err != nil {
		f.mu.Unlock()
		return apperr.StoreUnavailable("feed.last_price", err)
	}

	if f.pending == nil {
		rec := models.NewMovementRecord(t)
		f.pending = &rec
	} else {
		f.pending.Merge(t, true)
	}
	f.lastTs = t.Timestamp
	closed := f.agg.Apply(t)
	f.mu.Unlock()

	f.persistCandles(ctx, closed)
	price, _ := t.Price.Float64()
	f.metrics.RecordLastPrice(f.cfg.Symbol, price)

	f.notify(ctx, t, false)
	f.publish(t)
	return nil
}

func (f *PriceFeed) persistCandles(ctx context.Context, closed []models.Candle) {
	for _, c := range closed {
		if err := store.AppendJSON(ctx, f.store, models.KeyCandleHistory(c.Timeframe), c, f.cfg.CandleHistory); err != nil {
			f.metrics.RecordError("candle_history")
			f.logger.Warn("append candle history failed", logger.String("timeframe", string(c.Timeframe)), logger.Error(err))
		}
	}
	if f.archive != nil && len(closed) > 0 {
		if err := f.archive.StoreCandles(ctx, f.cfg.Symbol, closed); err != nil {
			f.metrics.RecordError("archive_candles")
			f.logger.Debug("archive candles failed", logger.Error(err))
		}
	}
	for _, tf := range f.agg.Timeframes() {
		c, ok := f.agg.Current(tf)
		if !ok {
			continue
		}
		if err := store.PutJSON(ctx, f.store, models.KeyCandle(tf), c, 0); err != nil {
			f.metrics.RecordError("candle_write")
			return
		}
	}
}

func (f *PriceFeed) notify(ctx context.Context, t models.Tick, late bool) {
	for _, o := range f.observers {
		if err := o.OnTick(ctx, t, late); err != nil {
			f.logger.Warn("tick observer failed", logger.Error(err))
		}
	}
}

// publish hands the tick to every subscriber in arrival order. A full
// subscriber misses the tick rather than stalling the stream.
func (f *PriceFeed) publish(t models.Tick) {
	f.mu.Lock()
	subs := f.subs
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- t:
		default:
			f.metrics.RecordTickDropped("subscriber_full")
		}
	}
}

// Flush writes the open movement record to history.
func (f *PriceFeed) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return nil
	}
	if err := store.AppendJSON(ctx, f.store, models.KeyMovementHistory, f.pending, models.MovementHistoryMaxLen); err != nil {
		return err
	}
	f.pending = nil
	return nil
}

func (f *PriceFeed) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.pipe.Drain(ctx); err != nil {
		f.logger.Warn("held ticks not applied", logger.Int("held", f.pipe.Buffered()), logger.Error(err))
	}
	if err := f.Flush(ctx); err != nil {
		f.logger.Warn("flush movement history failed", logger.Error(err))
	}

	f.mu.Lock()
	for _, ch := range f.subs {
		close(ch)
	}
	f.subs = nil
	f.mu.Unlock()
	f.logger.Info("price feed stopped")
}
