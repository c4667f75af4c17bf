package verification

import (
	"context"
	"fmt"
	"time"

	"fieldop-service/internal/domain/fieldop"
)

// Capability judges a single frame. Implementations must be safe for
// concurrent use; an error always maps to Indeterminate.
type Capability interface {
	Evaluate(ctx context.Context, frame fieldop.FrameSample) (fieldop.Outcome, error)
}

type CapabilityFunc func(ctx context.Context, frame fieldop.FrameSample) (fieldop.Outcome, error)

func (f CapabilityFunc) Evaluate(ctx context.Context, frame fieldop.FrameSample) (fieldop.Outcome, error) {
	return f(ctx, frame)
}

// Recognizer reads a vehicle number from a frame. An empty value means nothing
// was recognised.
type Recognizer interface {
	Recognize(ctx context.Context, frame fieldop.FrameSample) (string, error)
}

type RecognizerFunc func(ctx context.Context, frame fieldop.FrameSample) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, frame fieldop.FrameSample) (string, error) {
	return f(ctx, frame)
}

type guardedResult[T any] struct {
	value T
	err   error
}

// guarded runs fn in its own goroutine with panic recovery and an optional
// timeout. release runs once fn has actually returned, even if the caller gave
// up waiting earlier.
func guarded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error), release func()) (T, error) {
	callCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	done := make(chan guardedResult[T], 1)
	go func() {
		defer cancel()
		if release != nil {
			defer release()
		}
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- guardedResult[T]{value: zero, err: fmt.Errorf("capability panicked: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- guardedResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-callCtx.Done():
		var zero T
		return zero, callCtx.Err()
	}
}
