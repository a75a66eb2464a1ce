package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/logger"
)

// Proc is the minimal processor interface the pipeline needs.
type Proc interface {
	Process(ctx context.Context, t models.Tick) error
}

// ErrDropped is returned for ticks the pipeline discarded on purpose.
var ErrDropped = errors.New("tick dropped")

// TickPipeline sits between the market stream and the price feed. It
// validates raw messages, optionally throttles, and holds ticks in arrival
// order while the downstream (the state store) fails with retryable errors.
// Held ticks are replayed ahead of the next accepted tick, on the caller's
// goroutine, so the downstream always sees arrival order.
type TickPipeline struct {
	proc    Proc
	metrics domrepo.Metrics
	logger  *logger.Logger
	limiter *rate.Limiter
	bufSize int

	mu      sync.Mutex
	pending []models.Tick
}

type PipelineOption func(*TickPipeline)

// WithMaxRPS caps accepted ticks per second. Zero disables throttling.
func WithMaxRPS(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(n), 1)
		}
	}
}

// WithBufferSize caps the ticks held while the downstream is unavailable.
func WithBufferSize(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

func WithLogger(lgr *logger.Logger) PipelineOption {
	return func(p *TickPipeline) {
		if lgr != nil {
			p.logger = lgr
		}
	}
}

// NewTickPipeline creates a new pipeline.
func NewTickPipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *TickPipeline {
	p := &TickPipeline{
		proc:    proc,
		metrics: metrics,
		logger:  logger.Nop(),
		bufSize: 1000,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Component("tick_pipeline")
	return p
}

// Buffered returns the number of ticks waiting for the downstream.
func (p *TickPipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Process validates, throttles, and forwards a raw tick. When the downstream
// fails with a retryable error the tick stays queued behind any earlier held
// ticks and the error is returned. Malformed ticks are counted and returned
// as InvalidTick.
func (p *TickPipeline) Process(ctx context.Context, raw *models.RawTick) error {
	start := time.Now()
	if raw == nil {
		p.metrics.RecordTickDropped("invalid")
		return apperr.InvalidTick("pipeline", errors.New("nil tick"))
	}
	t, err := raw.Parse()
	if err != nil {
		p.metrics.RecordTickDropped("invalid")
		p.logger.Debug("invalid tick dropped", logger.String("source", raw.Source), logger.Error(err))
		return apperr.InvalidTick("pipeline", err)
	}
	if p.limiter != nil && !p.limiter.AllowN(start, 1) {
		p.metrics.RecordTickDropped("throttle")
		return ErrDropped
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) >= p.bufSize {
		p.pending = p.pending[1:]
		p.metrics.RecordTickDropped("buffer_full")
	}
	p.pending = append(p.pending, t)
	if err := p.drain(ctx, raw.Source); err != nil {
		return err
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start))
	return nil
}

// Drain replays held ticks once. It is used on shutdown so ticks accepted
// just before a store outage cleared are not lost.
func (p *TickPipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drain(ctx, "")
}

// drain forwards held ticks in order and stops at the first retryable
// failure, leaving that tick at the head of the queue. Callers hold p.mu.
func (p *TickPipeline) drain(ctx context.Context, source string) error {
	for len(p.pending) > 0 {
		t := p.pending[0]
		err := p.proc.Process(ctx, t)
		if err != nil && apperr.Retryable(err) {
			p.metrics.RecordError("pipeline_process")
			return fmt.Errorf("pipeline downstream (%d held): %w", len(p.pending), err)
		}
		p.pending[0] = models.Tick{}
		p.pending = p.pending[1:]
		if err != nil {
			return err
		}
		if source != "" {
			p.metrics.RecordTick(source)
		}
	}
	p.pending = nil
	return nil
}
