package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"OmegaBTC/internal/domain/models"
	"OmegaBTC/pkg/apperr"
	"OmegaBTC/pkg/metrics"
)

// scriptedProc fails the first len(errs) calls with the given errors.
type scriptedProc struct {
	mu   sync.Mutex
	errs []error
	got  []int64
}

func (p *scriptedProc) Process(_ context.Context, t models.Tick) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return err
		}
	}
	p.got = append(p.got, t.Timestamp.UnixMilli())
	return nil
}

func raw(ms int64) *models.RawTick {
	return &models.RawTick{TimestampMs: ms, Price: "64000", Volume: "1", Source: "test"}
}

func newPipeline(proc Proc, opts ...PipelineOption) *TickPipeline {
	return NewTickPipeline(proc, metrics.New(prometheus.NewRegistry()), opts...)
}

func TestTickPipelineKeepsArrivalOrderAfterStoreFailure(t *testing.T) {
	ctx := context.Background()
	proc := &scriptedProc{errs: []error{apperr.StoreUnavailable("put", errors.New("down"))}}
	p := newPipeline(proc)

	if err := p.Process(ctx, raw(1000)); !apperr.Is(err, apperr.KindStateStoreUnavailable) {
		t.Fatalf("first Process err = %v, want store unavailable", err)
	}
	if p.Buffered() != 1 {
		t.Fatalf("Buffered = %d, want 1", p.Buffered())
	}
	for _, ms := range []int64{2000, 3000} {
		if err := p.Process(ctx, raw(ms)); err != nil {
			t.Fatalf("Process(%d): %v", ms, err)
		}
	}

	want := []int64{1000, 2000, 3000}
	if len(proc.got) != len(want) {
		t.Fatalf("downstream got %v, want %v", proc.got, want)
	}
	for i := range want {
		if proc.got[i] != want[i] {
			t.Fatalf("downstream got %v, want %v", proc.got, want)
		}
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered = %d after recovery, want 0", p.Buffered())
	}
}

func TestTickPipelineHoldsTicksWhileDownstreamFails(t *testing.T) {
	ctx := context.Background()
	down := apperr.StoreUnavailable("put", errors.New("down"))
	proc := &scriptedProc{errs: []error{down, down, down}}
	p := newPipeline(proc, WithBufferSize(2))

	for _, ms := range []int64{1000, 2000, 3000} {
		if err := p.Process(ctx, raw(ms)); err == nil {
			t.Fatalf("Process(%d) succeeded while downstream is down", ms)
		}
	}
	if p.Buffered() != 2 {
		t.Fatalf("Buffered = %d, want capacity 2", p.Buffered())
	}
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(proc.got) != 2 || proc.got[0] != 2000 || proc.got[1] != 3000 {
		t.Errorf("downstream got %v, want oldest tick evicted and [2000 3000] kept", proc.got)
	}
}

func TestTickPipelineNonRetryableErrorIsNotHeld(t *testing.T) {
	proc := &scriptedProc{errs: []error{errors.New("boom")}}
	p := newPipeline(proc)

	if err := p.Process(context.Background(), raw(1000)); err == nil {
		t.Fatal("expected downstream error")
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", p.Buffered())
	}
}

func TestTickPipelineThrottle(t *testing.T) {
	ctx := context.Background()
	proc := &scriptedProc{}
	p := newPipeline(proc, WithMaxRPS(1))

	if err := p.Process(ctx, raw(1000)); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	for _, ms := range []int64{1001, 1002} {
		if err := p.Process(ctx, raw(ms)); !errors.Is(err, ErrDropped) {
			t.Fatalf("Process(%d) err = %v, want ErrDropped", ms, err)
		}
	}
	if len(proc.got) != 1 {
		t.Errorf("downstream got %v, want only the first tick", proc.got)
	}
}

func TestTickPipelineRejectsInvalidTicks(t *testing.T) {
	tests := []struct {
		name string
		raw  *models.RawTick
	}{
		{"nil", nil},
		{"bad price", &models.RawTick{TimestampMs: 1000, Price: "abc"}},
		{"zero price", &models.RawTick{TimestampMs: 1000, Price: "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &scriptedProc{}
			p := newPipeline(proc)
			if err := p.Process(context.Background(), tt.raw); !apperr.Is(err, apperr.KindInvalidTick) {
				t.Fatalf("err = %v, want invalid tick", err)
			}
			if len(proc.got) != 0 {
				t.Errorf("downstream got %v, want nothing", proc.got)
			}
		})
	}
}
