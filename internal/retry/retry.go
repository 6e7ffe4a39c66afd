// Package retry provides bounded retry and polling with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// ErrExhausted is returned by Poll when the attempt budget or deadline runs out
// before the condition is satisfied.
var ErrExhausted = errors.New("retry: attempts exhausted")

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and Poll stop immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Backoff describes an exponential schedule.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration // cap per sleep; 0 means uncapped
	Multiplier  float64       // <= 1 means 2
	MaxAttempts int           // 0 means bounded only by ctx / MaxElapsed
	MaxElapsed  time.Duration // 0 means bounded only by ctx / MaxAttempts
}

// next returns the sleep after d, with +-25% jitter applied by the caller.
func (b Backoff) next(d time.Duration) time.Duration {
	m := b.Multiplier
	if m <= 1 {
		m = 2
	}
	d = time.Duration(float64(d) * m)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early on success, on a *PermanentError, or when ctx is done.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	_, err := poll(ctx, Backoff{Initial: baseDelay, MaxAttempts: maxAttempts}, func() (bool, error) {
		if err := fn(); err != nil {
			return false, err
		}
		return true, nil
	})
	var ex *exhaustedError
	if errors.As(err, &ex) && ex.last != nil {
		return ex.last
	}
	return err
}

// Poll evaluates check until it reports done, returns a permanent error, or
// the schedule runs out. Transient errors returned by check are remembered
// and reported alongside ErrExhausted.
func Poll(ctx context.Context, b Backoff, check func() (done bool, err error)) error {
	_, err := poll(ctx, b, check)
	return err
}

func poll(ctx context.Context, b Backoff, check func() (bool, error)) (int, error) {
	if b.Initial <= 0 {
		b.Initial = 100 * time.Millisecond
	}
	var deadline time.Time
	if b.MaxElapsed > 0 {
		deadline = time.Now().Add(b.MaxElapsed)
	}

	delay := b.Initial
	var lastErr error
	for attempt := 1; ; attempt++ {
		done, err := check()
		if err == nil && done {
			return attempt, nil
		}
		if err != nil {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return attempt, pe.Err
			}
			lastErr = err
		}

		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return attempt, &exhaustedError{last: lastErr}
		}

		sleep := jitter(delay)
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return attempt, &exhaustedError{last: lastErr}
			}
			if sleep > remaining {
				sleep = remaining
			}
		}

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempt, ctx.Err()
		case <-t.C:
		}
		delay = b.next(delay)
	}
}

// exhaustedError matches ErrExhausted and, when present, the last transient error.
type exhaustedError struct {
	last error
}

func (e *exhaustedError) Error() string {
	if e.last == nil {
		return ErrExhausted.Error()
	}
	return ErrExhausted.Error() + ": " + e.last.Error()
}

func (e *exhaustedError) Unwrap() []error {
	if e.last == nil {
		return []error{ErrExhausted}
	}
	return []error{ErrExhausted, e.last}
}

// jitter applies +-25% jitter to d.
func jitter(d time.Duration) time.Duration {
	j := d / 4
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(cryptoInt64n(int64(2*j+1)))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n, safe
}
