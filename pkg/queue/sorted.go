package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/store"
)

const deadLetterMaxLen = 10_000

// SortedQueue is a bounded, score-ordered queue on top of a sorted set.
// Items are acknowledged by removal after a successful handle, so a crash
// between read and ack redelivers them.
type SortedQueue struct {
	logger   *logger.Logger
	config   *Config
	store    store.Store
	mu       sync.Mutex
	attempts map[string]int
}

// NewSortedQueue creates a queue over the given store.
func NewSortedQueue(lgr *logger.Logger, s store.Store, config *Config) *SortedQueue {
	if config == nil {
		config = &Config{}
	}
	config.applyDefaults()
	if lgr == nil {
		lgr = logger.Nop()
	}

	return &SortedQueue{
		logger:   lgr,
		config:   config,
		store:    s,
		attempts: make(map[string]int),
	}
}

// Config returns the effective configuration.
func (q *SortedQueue) Config() Config {
	return *q.config
}

// Enqueue inserts a member and returns the resulting size.
func (q *SortedQueue) Enqueue(ctx context.Context, score float64, member string) (int64, error) {
	size, err := q.store.ZAdd(ctx, q.config.Key, score, member, q.config.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("zadd %s: %w", q.config.Key, err)
	}
	return size, nil
}

// Read returns up to n items in ascending score order without removing them.
func (q *SortedQueue) Read(ctx context.Context, n int) ([]Item, error) {
	if n <= 0 {
		n = q.config.BatchSize
	}
	zs, err := q.store.ZRange(ctx, q.config.Key, 0, int64(n-1), true)
	if err != nil {
		return nil, fmt.Errorf("zrange %s: %w", q.config.Key, err)
	}
	items := make([]Item, len(zs))
	for i, z := range zs {
		items[i] = Item{Member: z.Member, Score: z.Score}
	}
	return items, nil
}

// Ack removes processed members.
func (q *SortedQueue) Ack(ctx context.Context, members ...string) error {
	if _, err := q.store.ZRem(ctx, q.config.Key, members...); err != nil {
		return fmt.Errorf("zrem %s: %w", q.config.Key, err)
	}
	q.mu.Lock()
	for _, m := range members {
		delete(q.attempts, m)
	}
	q.mu.Unlock()
	return nil
}

// Len returns the current queue size.
func (q *SortedQueue) Len(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, q.config.Key)
}

// UnderPressure reports whether the queue is above its high watermark.
func (q *SortedQueue) UnderPressure(ctx context.Context) (bool, error) {
	size, err := q.Len(ctx)
	if err != nil {
		return false, err
	}
	return float64(size) > q.config.HighWatermark*float64(q.config.MaxSize), nil
}

// Consume runs job over the queue until ctx is done.
func (q *SortedQueue) Consume(ctx context.Context, job Job) error {
	q.logger.Info("queue consumer started",
		logger.String("key", q.config.Key),
		logger.String("job", job.Name()),
		logger.Int("batch_size", q.config.BatchSize))

	for {
		handled, stalled, err := q.processBatch(ctx, job)
		if ctx.Err() != nil {
			q.logger.Info("queue consumer stopping", logger.String("job", job.Name()))
			return ctx.Err()
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			q.logger.Error("queue read error", logger.String("key", q.config.Key), logger.Error(err))
			wait = q.config.RetryDelay
		case stalled:
			wait = q.config.RetryDelay
		case handled == 0:
			wait = q.config.PollInterval
		}

		if wait > 0 && !sleep(ctx, wait) {
			q.logger.Info("queue consumer stopping", logger.String("job", job.Name()))
			return ctx.Err()
		}
	}
}

// Drain processes items until the queue is empty or ctx is done and returns
// the number of items handled.
func (q *SortedQueue) Drain(ctx context.Context, job Job) (int, error) {
	total := 0
	for {
		handled, stalled, err := q.processBatch(ctx, job)
		total += handled
		if err != nil {
			return total, err
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		if stalled {
			if !sleep(ctx, q.config.RetryDelay) {
				return total, ctx.Err()
			}
			continue
		}
		if handled == 0 {
			size, err := q.Len(ctx)
			if err != nil {
				return total, err
			}
			if size == 0 {
				return total, nil
			}
		}
	}
}

// processBatch handles one read batch in order. A failed item stops the batch
// so later items are not processed ahead of it.
func (q *SortedQueue) processBatch(ctx context.Context, job Job) (int, bool, error) {
	items, err := q.Read(ctx, q.config.BatchSize)
	if err != nil {
		return 0, false, err
	}

	handled := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return handled, false, nil
		}

		start := time.Now()
		herr := job.Handle(ctx, item)
		if herr == nil {
			if err := q.Ack(ctx, item.Member); err != nil {
				return handled, false, err
			}
			handled++
			continue
		}

		if errors.Is(herr, context.Canceled) || ctx.Err() != nil {
			q.logger.Warn("item handling cancelled",
				logger.String("job", job.Name()),
				logger.Duration("elapsed_ms", time.Since(start)))
			return handled, false, nil
		}

		if q.handleProcessingError(ctx, job, item, herr) {
			handled++
			continue
		}
		return handled, true, nil
	}
	return handled, false, nil
}

// handleProcessingError returns true when the item was dead-lettered.
func (q *SortedQueue) handleProcessingError(ctx context.Context, job Job, item Item, err error) bool {
	q.mu.Lock()
	q.attempts[item.Member]++
	attempts := q.attempts[item.Member]
	q.mu.Unlock()

	q.logger.Error("item processing error",
		logger.String("job", job.Name()),
		logger.Int("attempt", attempts),
		logger.Error(err))

	if attempts < q.config.RetryLimit && !errors.Is(err, ErrPermanent) {
		return false
	}

	q.logger.Error("max retries reached, dead-lettering item",
		logger.String("job", job.Name()),
		logger.Int("attempts", attempts))
	q.moveToDeadLetterQueue(ctx, job, item, attempts, err)
	return true
}

func (q *SortedQueue) moveToDeadLetterQueue(ctx context.Context, job Job, item Item, attempts int, cause error) {
	data, err := json.Marshal(DeadLetter{
		Member:   item.Member,
		Score:    item.Score,
		Job:      job.Name(),
		Attempts: attempts,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		q.logger.Error("marshal dlq", logger.Error(err))
		return
	}
	if _, err := q.store.Append(ctx, q.deadLetterKey(), string(data), deadLetterMaxLen); err != nil {
		q.logger.Error("append dlq", logger.Error(err))
		return
	}
	if err := q.Ack(ctx, item.Member); err != nil {
		q.logger.Error("ack dead-lettered item", logger.Error(err))
	}
}

func (q *SortedQueue) deadLetterKey() string {
	return q.config.Key + ":dlq"
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
