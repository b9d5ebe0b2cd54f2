package deribit

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Clock abstracts time so the retry schedule can be tested without
// sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is the bounded retry schedule: attempt n (0 based) waits
// Base*Multiplier^n, one step more when rate limited, capped at Max, plus
// a jitter in [0, delay/2).
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int

	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// Delay returns the wait before the retry that follows failed attempt n.
func (b Backoff) Delay(n int, rateLimited bool) time.Duration {
	exp := float64(n)
	if rateLimited {
		exp++
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, exp)
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	delay := time.Duration(d)

	half := int64(delay / 2)
	if half > 0 {
		jitter := b.Jitter
		if jitter == nil {
			jitter = rand.Int64N
		}
		delay += time.Duration(jitter(half))
	}
	return delay
}

// Retrier runs an operation until it succeeds, fails permanently or
// exhausts MaxAttempts.
type Retrier struct {
	Backoff Backoff
	Clock   Clock

	// OnRetry is called before each wait with the failed attempt (1 based).
	OnRetry func(attempt int, delay time.Duration, err *TransientFetchError)
}

// Do calls fn until it returns nil or a non transient error. Only
// TransientFetchError is retried; exhaustion yields FetchExhaustedError.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	clock := r.Clock
	if clock == nil {
		clock = realClock{}
	}
	max := r.Backoff.MaxAttempts
	if max < 1 {
		max = 1
	}

	var last error
	for attempt := 1; attempt <= max; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		te, ok := isTransient(err)
		if !ok {
			return err
		}
		last = err
		if attempt == max {
			break
		}

		delay := r.Backoff.Delay(attempt-1, te.Reason == ReasonRateLimited)
		if te.RetryAfter > delay {
			delay = te.RetryAfter
		}
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, te)
		}
		if err := clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return &FetchExhaustedError{Op: op, Attempts: max, Err: last}
}
