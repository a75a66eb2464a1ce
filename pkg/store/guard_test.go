package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"OmegaBTC/pkg/apperr"
)

type flakyStore struct {
	*MemoryStore
	failures int
	calls    int
}

func (f *flakyStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	return f.MemoryStore.Put(ctx, key, value, ttl)
}

func TestGuardRetriesTransientFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	g := NewGuard(inner, nil, GuardConfig{Attempts: 3, BaseDelay: time.Millisecond})

	if err := g.Put(context.Background(), "k", "v", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
	if since, _ := g.Outage(); !since.IsZero() {
		t.Errorf("guard reports outage after success")
	}
}

func TestGuardGracePeriod(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	g := NewGuard(inner, nil, GuardConfig{Attempts: 1, BaseDelay: time.Millisecond, Grace: 30 * time.Second})
	now := time.Unix(1_700_000_000, 0)
	g.now = func() time.Time { return now }

	err := g.Put(context.Background(), "k", "v", 0)
	if !apperr.Is(err, apperr.KindStateStoreUnavailable) {
		t.Fatalf("err = %v, want state store unavailable", err)
	}
	if !g.Accepting() {
		t.Fatal("guard should accept work inside the grace period")
	}

	now = now.Add(31 * time.Second)
	if g.Accepting() {
		t.Fatal("guard should stop accepting after the grace period")
	}

	inner.failures = 0
	if err := g.Put(context.Background(), "k", "v", 0); err != nil {
		t.Fatalf("Put after recovery: %v", err)
	}
	if !g.Accepting() {
		t.Error("guard should accept work after recovery")
	}
}

func TestGuardPassesNotFound(t *testing.T) {
	g := NewGuard(NewMemoryStore(), nil, GuardConfig{})
	if _, err := g.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
