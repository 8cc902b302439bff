package ingest

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/semaphore"

	"go.wisevar.org/lightcurves/go/irsa"
	"go.wisevar.org/lightcurves/go/skerr"
	"go.wisevar.org/lightcurves/go/sklog"
)

const (
	DefaultMaxAttempts          = 4
	DefaultMaxConcurrentQueries = 4
)

// Retrier runs remote fetches with bounded concurrency and retries. The
// semaphore caps in-flight remote queries across all workers and is held only
// for the duration of a single attempt, so a worker sleeping between retries
// does not starve the others.
type Retrier struct {
	sem         *semaphore.Weighted
	maxAttempts int

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier returns a Retrier allowing maxConcurrent simultaneous attempts
// and at most maxAttempts tries per call. Non-positive arguments fall back to
// the defaults.
func NewRetrier(maxConcurrent int64, maxAttempts int) *Retrier {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentQueries
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Retrier{
		sem:         semaphore.NewWeighted(maxConcurrent),
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
	}
}

// backoffWait is the pause after failed attempt k (1-based):
// 2^(k-1) + 0.1*k seconds.
func backoffWait(attempt int) time.Duration {
	secs := math.Pow(2, float64(attempt-1)) + 0.1*float64(attempt)
	return time.Duration(secs * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails permanently, or attempts run out. Only
// errors irsa.IsRetryable classifies as transient are retried; the last error
// is returned when attempts are exhausted. desc names the operation in logs.
func (r *Retrier) Do(ctx context.Context, desc string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return skerr.Wrapf(err, "waiting for a query slot for %s", desc)
		}
		// The release must survive a panicking attempt: the worker recovers
		// panics, and a leaked slot would eventually wedge every worker.
		err := func() error {
			defer r.sem.Release(1)
			return fn(ctx)
		}()
		if err == nil {
			return nil
		}
		lastErr = err
		if !irsa.IsRetryable(err) {
			return err
		}
		if attempt == r.maxAttempts {
			break
		}
		wait := backoffWait(attempt)
		sklog.Warningf("Attempt %d/%d for %s failed (%s); retrying in %s", attempt, r.maxAttempts, desc, err, wait)
		if err := r.sleep(ctx, wait); err != nil {
			return skerr.Wrapf(err, "interrupted while backing off for %s", desc)
		}
	}
	return skerr.Wrapf(lastErr, "%s failed after %d attempts", desc, r.maxAttempts)
}
