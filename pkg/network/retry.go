package network

import (
	"context"
	"time"
)

const retry = 2 * time.Second
const maxRetry = 30 * time.Second

// Retry is a pause between connection attempts that grows after each fail.
type Retry struct {
	t       time.Duration
	initial time.Duration
	max     time.Duration
	fail    bool
}

func NewRetry() Retry { return NewRetryWith(retry, maxRetry) }

func NewRetryWith(initial, max time.Duration) Retry {
	if initial <= 0 {
		initial = retry
	}
	if max < initial {
		max = initial
	}
	return Retry{t: initial, initial: initial, max: max}
}

// Fail waits for the current pause and doubles it.
// It returns early with the context error.
func (r *Retry) Fail(ctx context.Context) error {
	r.fail = true
	timer := time.NewTimer(r.t)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	r.Multiply(2)
	return nil
}

func (r *Retry) Multiply(x int) {
	if r.t *= time.Duration(x); r.t > r.max {
		r.t = r.max
	}
}

func (r *Retry) Success()            { r.t = r.initial; r.fail = false }
func (r *Retry) Failed() bool        { return r.fail }
func (r *Retry) Time() time.Duration { return r.t }
