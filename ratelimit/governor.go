// Package ratelimit provides the request governor that paces all platform
// REST traffic during history ingestion.
package ratelimit

import (
	"context"
	"time"

	"github.com/guildseer/guildseer/platform"
)

const (
	// defaultWindow is the rolling window the burst capacity applies to.
	defaultWindow = time.Second

	// maxRetries bounds how often Execute retries a rate-limited call.
	maxRetries = 3

	// initialBackoff is the first retry wait when the platform supplies no
	// retry-after hint. It doubles per retry.
	initialBackoff = time.Second
)

// Governor grants call slots such that no more than burst calls start within
// any rolling window. Waiters are granted slots in arrival order: slot times
// are assigned under one mutex, so wake-up order is FIFO.
type Governor struct {
	burst  int
	window time.Duration

	// grants is a ring of the last burst grant times.
	grants []time.Time
	head   int
	filled int

	slots chan struct{} // mutex-as-channel so Acquire can honor ctx

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewGovernor creates a governor allowing burst calls per rolling second.
// rps is reserved as the sustained target; the window capacity is burst,
// which callers default to rps when unset.
func NewGovernor(rps, burst int) *Governor {
	if burst <= 0 {
		burst = rps
	}
	if burst <= 0 {
		burst = 1
	}
	g := &Governor{
		burst:   burst,
		window:  defaultWindow,
		grants:  make([]time.Time, burst),
		slots:   make(chan struct{}, 1),
		nowFn:   time.Now,
		sleepFn: sleepCtx,
	}
	g.slots <- struct{}{}
	return g
}

// Acquire blocks until a call slot is granted or ctx is done. A canceled
// waiter's slot stays assigned; later waiters keep their FIFO positions.
func (g *Governor) Acquire(ctx context.Context) error {
	select {
	case <-g.slots:
	case <-ctx.Done():
		return ctx.Err()
	}

	now := g.nowFn()
	grantAt := now
	if g.filled >= g.burst {
		if oldest := g.grants[g.head].Add(g.window); oldest.After(grantAt) {
			grantAt = oldest
		}
	}
	g.grants[g.head] = grantAt
	g.head = (g.head + 1) % g.burst
	if g.filled < g.burst {
		g.filled++
	}

	g.slots <- struct{}{}

	if wait := grantAt.Sub(now); wait > 0 {
		return g.sleepFn(ctx, wait)
	}
	return nil
}

// Execute runs fn behind the governor. Rate-limited failures honor the
// platform's retry-after hint when present, otherwise an exponential backoff
// (1s, 2s, 4s), for up to maxRetries retries. Other errors return as is.
func (g *Governor) Execute(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if err := g.Acquire(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		rle, ok := platform.AsRateLimit(err)
		if !ok || attempt >= maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = backoff
			backoff *= 2
		}
		if serr := g.sleepFn(ctx, wait); serr != nil {
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
