package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"OmegaBTC/pkg/store"
)

func newTestQueue(t *testing.T, cfg *Config) (*SortedQueue, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	if cfg.Key == "" {
		cfg.Key = "test:zset"
	}
	cfg.RetryDelay = time.Millisecond
	cfg.PollInterval = time.Millisecond
	return NewSortedQueue(nil, s, cfg), s
}

func TestEnqueueRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, &Config{MaxSize: 10})

	for i := 0; i < 11; i++ {
		size, err := q.Enqueue(ctx, float64(i), fmt.Sprintf("m%02d", i))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if size > 10 {
			t.Fatalf("size %d exceeds capacity", size)
		}
	}

	items, err := q.Read(ctx, 1)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if items[0].Member != "m01" {
		t.Errorf("head = %s, want m01 (m00 evicted)", items[0].Member)
	}
}

func TestUnderPressure(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, &Config{MaxSize: 10, HighWatermark: 0.8})

	for i := 0; i < 8; i++ {
		_, _ = q.Enqueue(ctx, float64(i), fmt.Sprintf("m%d", i))
	}
	if p, _ := q.UnderPressure(ctx); p {
		t.Fatalf("8/10 should not be under pressure")
	}
	_, _ = q.Enqueue(ctx, 9, "m9")
	if p, _ := q.UnderPressure(ctx); !p {
		t.Fatalf("9/10 should be under pressure")
	}
}

func TestDrainProcessesInScoreOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, &Config{BatchSize: 2})

	for _, s := range []float64{30, 10, 20} {
		_, _ = q.Enqueue(ctx, s, fmt.Sprintf("at-%v", s))
	}

	var seen []string
	n, err := q.Drain(ctx, JobFunc{JobName: "collect", Fn: func(_ context.Context, it Item) error {
		seen = append(seen, it.Member)
		return nil
	}})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 3 {
		t.Errorf("handled = %d, want 3", n)
	}
	if fmt.Sprint(seen) != "[at-10 at-20 at-30]" {
		t.Errorf("order = %v", seen)
	}
	if size, _ := q.Len(ctx); size != 0 {
		t.Errorf("queue not empty after drain: %d", size)
	}
}

func TestFailedItemIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, &Config{RetryLimit: 5})
	_, _ = q.Enqueue(ctx, 1, "flaky")

	calls := 0
	job := JobFunc{JobName: "flaky", Fn: func(context.Context, Item) error {
		calls++
		if calls < 3 {
			return errors.New("exchange unavailable")
		}
		return nil
	}}

	n, err := q.Drain(ctx, job)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls != 3 || n != 1 {
		t.Errorf("calls = %d handled = %d, want 3 and 1", calls, n)
	}
}

func TestDeadLetterAfterRetryLimit(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t, &Config{RetryLimit: 2})
	_, _ = q.Enqueue(ctx, 1, "poison")
	_, _ = q.Enqueue(ctx, 2, "good")

	var handled []string
	job := JobFunc{JobName: "exit", Fn: func(_ context.Context, it Item) error {
		if it.Member == "poison" {
			return errors.New("cannot decode")
		}
		handled = append(handled, it.Member)
		return nil
	}}

	if _, err := q.Drain(ctx, job); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if fmt.Sprint(handled) != "[good]" {
		t.Errorf("handled = %v", handled)
	}

	dlq, err := store.ListJSON[DeadLetter](ctx, s, "test:zset:dlq", 0, -1)
	if err != nil {
		t.Fatalf("ListJSON: %v", err)
	}
	if len(dlq) != 1 || dlq[0].Member != "poison" || dlq[0].Attempts != 2 {
		t.Errorf("dlq = %+v", dlq)
	}
}

func TestPermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	q, s := newTestQueue(t, &Config{RetryLimit: 5})
	_, _ = q.Enqueue(ctx, 1, "garbage")

	calls := 0
	job := JobFunc{JobName: "exit", Fn: func(context.Context, Item) error {
		calls++
		return Permanent(errors.New("bad json"))
	}}
	if _, err := q.Drain(ctx, job); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	dlq, _ := store.ListJSON[DeadLetter](ctx, s, "test:zset:dlq", 0, -1)
	if len(dlq) != 1 || dlq[0].Attempts != 1 {
		t.Errorf("dlq = %+v", dlq)
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q, _ := newTestQueue(t, &Config{})

	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, JobFunc{JobName: "noop", Fn: func(context.Context, Item) error { return nil }})
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Consume returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Consume did not stop")
	}
}
