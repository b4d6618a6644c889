package ingest

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Retrier reruns short database work that failed transiently. Delays are
// full-jitter: uniform over (0, min(cap, 1s * 2^attempt)).
type Retrier struct {
	attempts  int
	maxDelay  time.Duration
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewRetrier(attempts int, maxDelay time.Duration) *Retrier {
	if attempts <= 0 {
		attempts = 6
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Retrier{
		attempts:  attempts,
		maxDelay:  maxDelay,
		randFloat: rand.Float64,
		sleep:     sleepCtx,
	}
}

// Do runs op until it succeeds or the attempt budget is spent, returning the
// last error. Context cancellation cuts the wait short.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	var last error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if last = op(ctx); last == nil {
			return nil
		}
		if attempt == r.attempts-1 {
			break
		}
		if err := r.sleep(ctx, r.delay(attempt)); err != nil {
			return last
		}
	}
	return last
}

func (r *Retrier) delay(attempt int) time.Duration {
	ceil := time.Duration(math.Min(
		float64(r.maxDelay),
		float64(time.Second)*math.Pow(2, float64(attempt)),
	))
	d := time.Duration(r.randFloat() * float64(ceil))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
