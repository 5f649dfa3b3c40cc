package resilience

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Execute runs op under the policy. Transient capacity failures are retried
// with exponential backoff until MaxAttempts calls were made; anything else
// is returned after the first call. Every failure comes back as *FatalError.
func Execute[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	attempts := 0
	operation := func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.Classifier(err) != ClassTransientCapacity {
			return v, backoff.Permanent(&FatalError{Err: err, Attempts: attempts})
		}
		return v, &TransientError{Err: err}
	}

	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(Attempt{
				Number: attempts,
				Delay:  wait,
				Class:  ClassTransientCapacity,
				Err:    errors.Unwrap(err),
			})
		}
	}

	v, err := backoff.RetryNotifyWithData(operation, newBackOff(ctx, p), notify)
	if err == nil {
		return v, nil
	}

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return v, fatal
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return v, &FatalError{Err: transient.Err, Attempts: attempts, Exhausted: true}
	}
	// Context cancelled while waiting between attempts.
	return v, &FatalError{Err: err, Attempts: attempts}
}

func newBackOff(ctx context.Context, p Policy) backoff.BackOffContext {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.GrowthFactor,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// pulled is an opened stream whose first element has already been read.
type pulled[T any] struct {
	first T
	ok    bool
	next  func() (T, error, bool)
	stop  func()
}

// Stream opens a lazy sequence under the policy. Opening is retried until the
// first element arrives; once anything has been delivered, later errors are
// passed through unchanged because the consumer has already seen output.
func Stream[T any](ctx context.Context, p Policy, open func(ctx context.Context) iter.Seq2[T, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		src, err := Execute(ctx, p, func(ctx context.Context) (pulled[T], error) {
			next, stop := iter.Pull2(open(ctx))
			v, err, ok := next()
			if err != nil {
				stop()
				return pulled[T]{}, err
			}
			return pulled[T]{first: v, ok: ok, next: next, stop: stop}, nil
		})
		if err != nil {
			var zero T
			yield(zero, err)
			return
		}
		defer src.stop()

		if !src.ok {
			return
		}
		if !yield(src.first, nil) {
			return
		}
		for {
			v, err, ok := src.next()
			if !ok {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}
