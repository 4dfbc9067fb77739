// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy controls how often and how fast an operation is retried.
type Policy struct {
	Attempts int           // total tries, at least 1
	Initial  time.Duration // wait after the first failure
	Max      time.Duration // upper bound for a single wait
	Jitter   float64       // fraction of each wait randomized, 0-1
}

// Default retries three times starting at 200ms.
var Default = Policy{
	Attempts: 3,
	Initial:  200 * time.Millisecond,
	Max:      5 * time.Second,
	Jitter:   0.2,
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts are
// used up or ctx is done. The last error from fn is returned, unwrapped from
// Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	wait := p.Initial

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.Attempts {
			return err
		}

		d := wait
		if p.Jitter > 0 {
			d += time.Duration(float64(d) * p.Jitter * (rand.Float64()*2 - 1))
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		wait *= 2
		if p.Max > 0 && wait > p.Max {
			wait = p.Max
		}
	}
}
