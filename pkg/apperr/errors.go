package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for recovery decisions.
type Kind string

const (
	KindTransientNetwork      Kind = "transient_network"
	KindAuthentication        Kind = "authentication_failure"
	KindRateLimited           Kind = "rate_limited"
	KindInvalidTick           Kind = "invalid_tick"
	KindStateStoreUnavailable Kind = "state_store_unavailable"
	KindOrderRejected         Kind = "order_rejected"
	KindConfiguration         Kind = "configuration_error"
	KindInternal              Kind = "internal"
)

// Error is a typed failure carrying the operation that produced it.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) *Error {
	return New(KindTransientNetwork, op, err)
}

func Auth(op string, err error) *Error {
	return New(KindAuthentication, op, err)
}

func RateLimited(op string, retryAfter time.Duration, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

func InvalidTick(op string, err error) *Error {
	return New(KindInvalidTick, op, err)
}

func StoreUnavailable(op string, err error) *Error {
	return New(KindStateStoreUnavailable, op, err)
}

func Rejected(op string, err error) *Error {
	return New(KindOrderRejected, op, err)
}

func Config(op string, err error) *Error {
	return New(KindConfiguration, op, err)
}

// KindOf returns the kind of the first typed error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether an operation failing with err may be retried.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited, KindStateStoreUnavailable:
		return true
	}
	return false
}

// Fatal reports whether err must stop the process.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindConfiguration:
		return true
	}
	return false
}

// RetryAfterOf returns the server-provided retry hint, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
