// Package resource bounds the pressure a mapper puts on a shared store.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxConcurrentDispatch is the maximum number of pipelines in flight
	// at once. If 0, defaults to 1.
	MaxConcurrentDispatch int64

	// FlushPerSec is the maximum rate of session commits.
	// If 0, unlimited.
	FlushPerSec float64

	// FlushBurst is the commit burst allowance. If 0, defaults to 1 when
	// FlushPerSec is set.
	FlushBurst int
}

// Controller throttles pipeline dispatch and session flushes. A nil
// Controller is valid and enforces nothing.
type Controller struct {
	cfg Config

	dispatchSem *semaphore.Weighted
	inFlight    atomic.Int64

	flushLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = 1
	}

	c := &Controller{
		cfg:         cfg,
		dispatchSem: semaphore.NewWeighted(cfg.MaxConcurrentDispatch),
	}

	if cfg.FlushPerSec > 0 {
		burst := cfg.FlushBurst
		if burst <= 0 {
			burst = 1
		}
		c.flushLimiter = rate.NewLimiter(rate.Limit(cfg.FlushPerSec), burst)
	}

	return c
}

// AcquireDispatch reserves a dispatch slot, blocking until one frees up
// or ctx is canceled.
func (c *Controller) AcquireDispatch(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.dispatchSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inFlight.Add(1)
	return nil
}

// TryAcquireDispatch reserves a dispatch slot without blocking.
func (c *Controller) TryAcquireDispatch() bool {
	if c == nil {
		return true
	}
	if !c.dispatchSem.TryAcquire(1) {
		return false
	}
	c.inFlight.Add(1)
	return true
}

// ReleaseDispatch releases a dispatch slot.
func (c *Controller) ReleaseDispatch() {
	if c == nil {
		return
	}
	c.dispatchSem.Release(1)
	c.inFlight.Add(-1)
}

// InFlight returns the number of pipelines currently dispatched.
func (c *Controller) InFlight() int64 {
	if c == nil {
		return 0
	}
	return c.inFlight.Load()
}

// WaitFlush waits until the flush rate limit allows another commit.
func (c *Controller) WaitFlush(ctx context.Context) error {
	if c == nil || c.flushLimiter == nil {
		return nil
	}
	return c.flushLimiter.Wait(ctx)
}
