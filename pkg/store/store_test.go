package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(WithWatchInterval(10 * time.Millisecond)),
		"redis":  NewRedisStoreFromClient(client, WithWatchInterval(10*time.Millisecond)),
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "last_btc_price"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing key: err = %v, want ErrNotFound", err)
			}
			if err := s.Put(ctx, "last_btc_price", "64250.5", 0); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, "last_btc_price")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != "64250.5" {
				t.Errorf("Get = %q, want 64250.5", got)
			}
		})
	}
}

func TestIncr(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(1); i <= 3; i++ {
				n, err := s.Incr(ctx, "trap_detection_count")
				if err != nil {
					t.Fatalf("Incr: %v", err)
				}
				if n != i {
					t.Errorf("Incr = %d, want %d", n, i)
				}
			}
		})
	}
}

func TestAppendTrimsHead(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 7; i++ {
				n, err := s.Append(ctx, "history", fmt.Sprintf("v%d", i), 5)
				if err != nil {
					t.Fatalf("Append: %v", err)
				}
				if n > 5 {
					t.Fatalf("length %d exceeds max 5", n)
				}
			}
			got, err := s.ListRange(ctx, "history", 0, -1)
			if err != nil {
				t.Fatalf("ListRange: %v", err)
			}
			want := []string{"v2", "v3", "v4", "v5", "v6"}
			if fmt.Sprint(got) != fmt.Sprint(want) {
				t.Errorf("list = %v, want %v", got, want)
			}
		})
	}
}

func TestZAddEvictsLowestScores(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			const capacity = 100
			for i := 0; i <= capacity; i++ {
				n, err := s.ZAdd(ctx, "q", float64(1000+i), fmt.Sprintf("e%04d", i), capacity)
				if err != nil {
					t.Fatalf("ZAdd: %v", err)
				}
				if n > capacity {
					t.Fatalf("size %d exceeds cap", n)
				}
			}
			size, err := s.ZCard(ctx, "q")
			if err != nil {
				t.Fatalf("ZCard: %v", err)
			}
			if size != capacity {
				t.Fatalf("ZCard = %d, want %d", size, capacity)
			}
			head, err := s.ZRange(ctx, "q", 0, 0, true)
			if err != nil {
				t.Fatalf("ZRange: %v", err)
			}
			if len(head) != 1 || head[0].Member != "e0001" || head[0].Score != 1001 {
				t.Errorf("head = %+v, want e0001@1001", head)
			}
		})
	}
}

func TestZRangeOrdersTiesByMember(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, m := range []string{"c", "a", "b"} {
				if _, err := s.ZAdd(ctx, "q", 5, m, 0); err != nil {
					t.Fatalf("ZAdd: %v", err)
				}
			}
			if _, err := s.ZAdd(ctx, "q", 1, "z", 0); err != nil {
				t.Fatalf("ZAdd: %v", err)
			}
			items, err := s.ZRange(ctx, "q", 0, -1, false)
			if err != nil {
				t.Fatalf("ZRange: %v", err)
			}
			var got []string
			for _, it := range items {
				got = append(got, it.Member)
			}
			if fmt.Sprint(got) != "[z a b c]" {
				t.Errorf("order = %v, want [z a b c]", got)
			}

			removed, err := s.ZRem(ctx, "q", "a", "missing")
			if err != nil {
				t.Fatalf("ZRem: %v", err)
			}
			if removed != 1 {
				t.Errorf("ZRem removed %d, want 1", removed)
			}
		})
	}
}

func TestWatchEmitsChanges(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			changes, err := s.Watch(ctx, "current_position")
			if err != nil {
				t.Fatalf("Watch: %v", err)
			}
			if err := s.Put(ctx, "current_position", `{"has_position":false}`, 0); err != nil {
				t.Fatalf("Put: %v", err)
			}

			select {
			case c := <-changes:
				if c.Key != "current_position" || c.Value != `{"has_position":false}` {
					t.Errorf("change = %+v", c)
				}
			case <-ctx.Done():
				t.Fatal("no change observed")
			}
		})
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	if err := s.Put(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired key: err = %v, want ErrNotFound", err)
	}
}

func TestPrefix(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStoreFromClient(client, WithPrefix("omega"))
	if err := s.Put(ctx, "last_btc_price", "1", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got, err := mr.Get("omega:last_btc_price"); err != nil || got != "1" {
		t.Errorf("raw key = %q, %v", got, err)
	}
}
