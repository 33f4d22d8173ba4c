// Package clock provides the time source used by every stateful component
// of the gateway. Production code uses Real; tests drive a Fake.
package clock

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Clock is the capability through which the gateway reads time, waits, and
// draws jitter.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// Jitter returns a duration in [0, d].
	Jitter(d time.Duration) time.Duration
}

// Real is the wall-clock implementation.
type Real struct{}

// New returns the wall clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
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

func (Real) Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

// Fake is a manually driven clock. Sleep advances the clock instead of
// blocking, and Jitter returns a fixed fraction of its argument.
type Fake struct {
	mu       sync.Mutex
	now      time.Time
	jitterFn func(time.Duration) time.Duration
}

// NewFake returns a Fake set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Epoch is a convenient fixed start instant for tests.
var Epoch = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new instant.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d > 0 {
		f.Advance(d)
	}
	return nil
}

// SetJitter overrides the jitter function. By default Jitter returns d/2.
func (f *Fake) SetJitter(fn func(time.Duration) time.Duration) {
	f.mu.Lock()
	f.jitterFn = fn
	f.mu.Unlock()
}

func (f *Fake) Jitter(d time.Duration) time.Duration {
	f.mu.Lock()
	fn := f.jitterFn
	f.mu.Unlock()
	if d <= 0 {
		return 0
	}
	if fn != nil {
		return fn(d)
	}
	return d / 2
}
