package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: key not found")

// Z is a sorted-set member with its score.
type Z struct {
	Member string
	Score  float64
}

// Change is a watch notification. Deleted is set when the key disappeared.
type Change struct {
	Key     string
	Value   string
	Deleted bool
}

// Store is the shared state primitive set. Every composite operation is
// atomic on a single key; there are no multi-key transactions.
type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Incr(ctx context.Context, key string) (int64, error)

	// Append pushes to the tail of a list and trims the head beyond maxLen.
	Append(ctx context.Context, key, value string, maxLen int64) (int64, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZAdd inserts a member and evicts the lowest scores beyond maxSize.
	ZAdd(ctx context.Context, key string, score float64, member string, maxSize int64) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64, withScores bool) ([]Z, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Watch emits best-effort change notifications until ctx is done.
	Watch(ctx context.Context, keys ...string) (<-chan Change, error)

	Ping(ctx context.Context) error
	Close() error
}

// PutJSON stores v as JSON.
func PutJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, string(data), ttl)
}

// GetJSON loads a JSON value into dest. Missing keys return ErrNotFound.
func GetJSON(ctx context.Context, s Store, key string, dest interface{}) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// AppendJSON appends v as JSON to a bounded list.
func AppendJSON(ctx context.Context, s Store, key string, v interface{}, maxLen int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.Append(ctx, key, string(data), maxLen)
	return err
}

// ListJSON decodes a list range, skipping entries that fail to decode.
func ListJSON[T any](ctx context.Context, s Store, key string, start, stop int64) ([]T, error) {
	raw, err := s.ListRange(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
