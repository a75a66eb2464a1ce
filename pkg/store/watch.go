package store

import (
	"context"
	"errors"
	"time"
)

type getter func(ctx context.Context, key string) (string, error)

// pollWatch simulates change notification by polling. The first poll emits
// the current value of every present key.
func pollWatch(ctx context.Context, interval time.Duration, keys []string, get getter) <-chan Change {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	out := make(chan Change, len(keys))

	go func() {
		defer close(out)

		last := make(map[string]string, len(keys))
		present := make(map[string]bool, len(keys))

		poll := func() bool {
			for _, key := range keys {
				val, err := get(ctx, key)
				switch {
				case errors.Is(err, ErrNotFound):
					if !present[key] {
						continue
					}
					present[key] = false
					delete(last, key)
					if !send(ctx, out, Change{Key: key, Deleted: true}) {
						return false
					}
				case err != nil:
					// transient read failure; try again next tick
					continue
				default:
					if present[key] && last[key] == val {
						continue
					}
					present[key] = true
					last[key] = val
					if !send(ctx, out, Change{Key: key, Value: val}) {
						return false
					}
				}
			}
			return true
		}

		if !poll() {
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !poll() {
					return
				}
			}
		}
	}()

	return out
}

func send(ctx context.Context, out chan<- Change, c Change) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
