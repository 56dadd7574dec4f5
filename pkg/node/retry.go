package node

import (
	"context"
	"fmt"
	"math"
	"time"
)

// retryPolicy bounds a handler's internal call loop (model calls, tool
// calls). Grounded on the teacher's exponential-backoff retry policy, sized
// down to the two knobs the kernel's node contracts expose: an attempt
// budget and an optional per-attempt callback for operational accounting.
type retryPolicy struct {
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func newRetryPolicy(maxAttempts int) retryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return retryPolicy{
		maxAttempts:  maxAttempts,
		initialDelay: 250 * time.Millisecond,
		maxDelay:     10 * time.Second,
	}
}

func (p retryPolicy) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(float64(p.initialDelay) * math.Pow(2, float64(attempt-1)))
	if d > p.maxDelay {
		d = p.maxDelay
	}
	return d
}

// run calls attempt up to p.maxAttempts times (a fresh attempt number
// starting at 1 on each call), invoking onAttempt after every call whether
// it succeeded or not, so the caller can increment its own operational
// counters per attempt. It returns the last error if every attempt failed.
func (p retryPolicy) run(ctx context.Context, onAttempt func(attempt int, err error), attempt func() error) error {
	var lastErr error
	for n := 1; n <= p.maxAttempts; n++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("node: cancelled: %w", ctx.Err())
		default:
		}

		err := attempt()
		if onAttempt != nil {
			onAttempt(n, err)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if n >= p.maxAttempts {
			break
		}
		d := p.delay(n)
		if d > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("node: cancelled during retry delay: %w", ctx.Err())
			case <-time.After(d):
			}
		}
	}
	return lastErr
}
