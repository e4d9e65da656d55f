package gateway

import (
	"context"
	"fmt"
	"time"
)

type result[T any] struct {
	val T
	err error
}

// dispatch runs call under a deadline of timeout and returns exactly once:
// with call's result, or with the context error when the deadline fires
// first. A call that ignores its context is abandoned; its result is
// dropped into a buffered channel nobody reads.
func dispatch[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- result[T]{err: fmt.Errorf("upstream call panicked: %v", v)}
			}
		}()
		v, err := call(ctx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == context.DeadlineExceeded {
			// the adapter noticed the deadline but may have wrapped it oddly
			return res.val, fmt.Errorf("%w: %w", context.DeadlineExceeded, res.err)
		}
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
