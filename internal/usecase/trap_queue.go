package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/internal/service/cache"
	"OmegaBTC/pkg/logger"
	"OmegaBTC/pkg/queue"
)

// TrapQueue is the producer side of mm_trap_queue:zset. Members are the
// event JSON, which begins with the id, so equal scores order by id.
type TrapQueue struct {
	q         *queue.SortedQueue
	publisher domrepo.EventPublisher
	archive   domrepo.Archive
	metrics   domrepo.Metrics
	logger    *logger.Logger
}

func NewTrapQueue(q *queue.SortedQueue, metrics domrepo.Metrics, lgr *logger.Logger) *TrapQueue {
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &TrapQueue{q: q, metrics: metrics, logger: lgr.Component("trap_queue")}
}

// SetPublisher enables best-effort fan-out of enqueued events.
func (tq *TrapQueue) SetPublisher(p domrepo.EventPublisher) { tq.publisher = p }

// SetArchive enables best-effort archiving of enqueued events.
func (tq *TrapQueue) SetArchive(a domrepo.Archive) { tq.archive = a }

// Enqueue adds a validated event with score = event time in unix ms.
func (tq *TrapQueue) Enqueue(ctx context.Context, e models.TrapEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trap event: %w", err)
	}
	size, err := tq.q.Enqueue(ctx, e.Score(), string(data))
	if err != nil {
		return err
	}
	tq.metrics.RecordQueueDepth(size)

	if tq.publisher != nil {
		if err := tq.publisher.PublishTrapEvent(ctx, e); err != nil {
			tq.metrics.RecordError("publish_trap_event")
			tq.logger.Debug("publish trap event failed", logger.String("id", e.ID), logger.Error(err))
		}
	}
	if tq.archive != nil {
		if err := tq.archive.StoreTrapEvent(ctx, e); err != nil {
			tq.metrics.RecordError("archive_trap_event")
			tq.logger.Debug("archive trap event failed", logger.String("id", e.ID), logger.Error(err))
		}
	}
	return nil
}

// UnderPressure reports whether the queue is above its high watermark.
func (tq *TrapQueue) UnderPressure(ctx context.Context) (bool, error) {
	return tq.q.UnderPressure(ctx)
}

func (tq *TrapQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	size, err := tq.q.Len(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	capacity := tq.q.Config().MaxSize
	return models.QueueStats{Size: size, Capacity: capacity, Fill: float64(size) / float64(capacity)}, nil
}

// Read returns up to n events without removing them.
func (tq *TrapQueue) Read(ctx context.Context, n int) ([]models.TrapEvent, error) {
	items, err := tq.q.Read(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]models.TrapEvent, 0, len(items))
	for _, it := range items {
		e, err := decodeTrapEvent(it.Member)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeTrapEvent(member string) (models.TrapEvent, error) {
	var e models.TrapEvent
	if err := json.Unmarshal([]byte(member), &e); err != nil {
		return e, fmt.Errorf("decode trap event: %w", err)
	}
	return e, e.Validate()
}

// TrapHandler acts on one dequeued event.
type TrapHandler interface {
	HandleTrap(ctx context.Context, e models.TrapEvent) error
}

// TrapConsumer drains the trap queue into a handler with at-least-once
// delivery. Ids already handled by this consumer are skipped.
type TrapConsumer struct {
	tq      *TrapQueue
	handler TrapHandler
	seen    *cache.LRU
	metrics domrepo.Metrics
	logger  *logger.Logger
}

func NewTrapConsumer(tq *TrapQueue, handler TrapHandler, seen *cache.LRU, metrics domrepo.Metrics, lgr *logger.Logger) *TrapConsumer {
	if seen == nil {
		seen = cache.NewLRU(10_000, 0)
	}
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &TrapConsumer{tq: tq, handler: handler, seen: seen, metrics: metrics, logger: lgr.Component("trap_consumer")}
}

func (c *TrapConsumer) Name() string { return "trap_consumer" }

// Handle implements queue.Job. Undecodable members are dead-lettered.
func (c *TrapConsumer) Handle(ctx context.Context, item queue.Item) error {
	e, err := decodeTrapEvent(item.Member)
	if err != nil {
		c.metrics.RecordError("trap_event_decode")
		return queue.Permanent(err)
	}
	if c.seen.Contains(e.ID) {
		c.metrics.RecordTrapEvent(string(e.Kind), "duplicate")
		return nil
	}
	if err := c.handler.HandleTrap(ctx, e); err != nil {
		return err
	}
	c.seen.Add(e.ID)
	c.metrics.RecordTrapEvent(string(e.Kind), "consumed")
	return nil
}

// Run consumes until ctx is done.
func (c *TrapConsumer) Run(ctx context.Context) error {
	return c.tq.q.Consume(ctx, c)
}

// Drain processes everything queued and returns the number handled.
func (c *TrapConsumer) Drain(ctx context.Context) (int, error) {
	return c.tq.q.Drain(ctx, c)
}

// DrainBatch reads up to n events in score order, handles them and removes
// the handled ones. It stops at the first failure, leaving the rest queued.
func (c *TrapConsumer) DrainBatch(ctx context.Context, n int) ([]models.TrapEvent, error) {
	items, err := c.tq.q.Read(ctx, n)
	if err != nil {
		return nil, err
	}
	var done []models.TrapEvent
	for _, it := range items {
		if err := c.Handle(ctx, it); err != nil {
			if !errors.Is(err, queue.ErrPermanent) {
				return done, err
			}
			c.logger.Warn("dropping malformed trap event", logger.Error(err))
		} else if e, derr := decodeTrapEvent(it.Member); derr == nil {
			done = append(done, e)
		}
		if err := c.tq.q.Ack(ctx, it.Member); err != nil {
			return done, err
		}
	}
	return done, nil
}

var _ queue.Job = (*TrapConsumer)(nil)
