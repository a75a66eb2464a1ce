package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
)

// GuardConfig tunes retry and the unavailability grace period.
type GuardConfig struct {
	Attempts  int
	BaseDelay time.Duration
	Grace     time.Duration
}

// Guard decorates a Store with bounded retries and availability tracking.
// Failures other than ErrNotFound are returned as StateStoreUnavailable.
type Guard struct {
	inner  Store
	logger *logger.Logger
	cfg    GuardConfig
	now    func() time.Time

	mu        sync.RWMutex
	downSince time.Time
	lastErr   error
}

func NewGuard(inner Store, lgr *logger.Logger, cfg GuardConfig) *Guard {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &Guard{inner: inner, logger: lgr.Component("store_guard"), cfg: cfg, now: time.Now}
}

// Accepting is false once the store has been failing for longer than the
// grace period. Components stop taking new work while it is false.
func (g *Guard) Accepting() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.downSince.IsZero() || g.now().Sub(g.downSince) < g.cfg.Grace
}

// Outage reports when the current outage started and its last error.
// A zero time means the store is healthy.
func (g *Guard) Outage() (time.Time, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.downSince, g.lastErr
}

func (g *Guard) do(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := g.cfg.BaseDelay
	for attempt := 1; attempt <= g.cfg.Attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) {
			g.markUp()
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == g.cfg.Attempts {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	g.markDown(op, err)
	return apperr.StoreUnavailable(op, err)
}

func (g *Guard) markUp() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.downSince.IsZero() {
		g.logger.Info("state store recovered", logger.Duration("outage_ms", g.now().Sub(g.downSince)))
	}
	g.downSince = time.Time{}
	g.lastErr = nil
}

func (g *Guard) markDown(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.downSince.IsZero() {
		g.downSince = g.now()
		g.logger.Warn("state store unavailable", logger.String("op", op), logger.Error(err))
	}
	g.lastErr = err
}

func (g *Guard) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	return g.do(ctx, "put", func() error { return g.inner.Put(ctx, key, value, ttl) })
}

func (g *Guard) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := g.do(ctx, "get", func() (err error) {
		v, err = g.inner.Get(ctx, key)
		return err
	})
	return v, err
}

func (g *Guard) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, "incr", func() (err error) {
		n, err = g.inner.Incr(ctx, key)
		return err
	})
	return n, err
}

func (g *Guard) Append(ctx context.Context, key, value string, maxLen int64) (int64, error) {
	var n int64
	err := g.do(ctx, "append", func() (err error) {
		n, err = g.inner.Append(ctx, key, value, maxLen)
		return err
	})
	return n, err
}

func (g *Guard) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var out []string
	err := g.do(ctx, "list_range", func() (err error) {
		out, err = g.inner.ListRange(ctx, key, start, stop)
		return err
	})
	return out, err
}

func (g *Guard) ZAdd(ctx context.Context, key string, score float64, member string, maxSize int64) (int64, error) {
	var n int64
	err := g.do(ctx, "zadd", func() (err error) {
		n, err = g.inner.ZAdd(ctx, key, score, member, maxSize)
		return err
	})
	return n, err
}

func (g *Guard) ZRange(ctx context.Context, key string, start, stop int64, withScores bool) ([]Z, error) {
	var out []Z
	err := g.do(ctx, "zrange", func() (err error) {
		out, err = g.inner.ZRange(ctx, key, start, stop, withScores)
		return err
	})
	return out, err
}

func (g *Guard) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	var n int64
	err := g.do(ctx, "zrem", func() (err error) {
		n, err = g.inner.ZRem(ctx, key, members...)
		return err
	})
	return n, err
}

func (g *Guard) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, "zcard", func() (err error) {
		n, err = g.inner.ZCard(ctx, key)
		return err
	})
	return n, err
}

func (g *Guard) Watch(ctx context.Context, keys ...string) (<-chan Change, error) {
	var ch <-chan Change
	err := g.do(ctx, "watch", func() (err error) {
		ch, err = g.inner.Watch(ctx, keys...)
		return err
	})
	return ch, err
}

func (g *Guard) Ping(ctx context.Context) error {
	return g.do(ctx, "ping", func() error { return g.inner.Ping(ctx) })
}

func (g *Guard) Close() error {
	return g.inner.Close()
}

var _ Store = (*Guard)(nil)
