package queue

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks a handle failure that retrying cannot fix. Such items
// are dead-lettered on the first attempt.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the queue dead-letters the item immediately.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// Job handles items drained from a SortedQueue.
type Job interface {
	// Name identifies the consumer in logs and dead-letter entries.
	Name() string

	// Handle processes one item. A nil error acknowledges it.
	Handle(ctx context.Context, item Item) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context, item Item) error
}

func (j JobFunc) Name() string { return j.JobName }

func (j JobFunc) Handle(ctx context.Context, item Item) error { return j.Fn(ctx, item) }
