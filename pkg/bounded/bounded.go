// Package bounded runs operations that must never outlive a deadline.
//
// Every network call made while answering a status request goes through Run or RunOr, so a slow
// dependency degrades the answer instead of blocking it. Dispatch covers the write side: side effects
// that are retried a bounded number of times in the background and never awaited.
package bounded

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

var (
	// ErrTimeout is returned when the deadline wins the race against the operation
	ErrTimeout = errors.New("operation timed out")

	// ErrPanic is returned when the operation panicked
	ErrPanic = errors.New("operation panicked")
)

type outcome[T any] struct {
	value T
	err   error
}

// Run executes op and returns its result, or ErrTimeout once timeout elapses.
// On timeout the operation is abandoned: it keeps running with a cancelled context and its result is
// discarded. A non-positive timeout only honours ctx.
func Run[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	opCtx, cancel := context.WithCancel(ctx)
	if timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// buffered so an abandoned op can still deliver and exit
	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := op(opCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// RunOr executes op like Run and maps any failure through fallback, so the caller always gets a value.
func RunOr[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error), fallback func(err error) T) T {
	v, err := Run(ctx, timeout, op)
	if err != nil {
		return fallback(err)
	}
	return v
}

// Do is Run for operations without a result.
func Do(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	_, err := Run(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DispatchConfig bounds a background side effect
type DispatchConfig struct {
	Name     string
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Dispatch runs fn in the background with its own timeout per attempt and a bounded number of
// attempts. Failures are logged at warning level and never reported to the caller.
// The returned channel is closed when the dispatch finishes; callers normally ignore it.
func Dispatch(logger ectologger.Logger, cfg DispatchConfig, fn func(ctx context.Context) error) <-chan struct{} {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)

		var err error
		for attempt := 1; attempt <= cfg.Attempts; attempt++ {
			err = Do(context.Background(), cfg.Timeout, fn)
			if err == nil {
				return
			}
			if attempt < cfg.Attempts && cfg.Backoff > 0 {
				time.Sleep(cfg.Backoff * time.Duration(attempt))
			}
		}

		if logger != nil {
			logger.WithError(err).WithFields(map[string]any{
				"operation": cfg.Name,
				"attempts":  cfg.Attempts,
			}).Warn("Background operation failed")
		}
	}()
	return finished
}
