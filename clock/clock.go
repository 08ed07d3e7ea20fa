// Package clock publishes a monotonic-ish wall clock sample into an atomic
// holder roughly once per second, so hot paths can read "now" without a
// syscall, in place of a dedicated clock-tick thread.
package clock

import (
	"context"
	"time"

	libatm "github.com/silverleaf/ldapd/atomic"
)

// Clock is a ticking, lock-free source of the current time.
type Clock struct {
	val libatm.Value[time.Time]
}

// New returns a Clock already holding the current time.
func New() *Clock {
	c := &Clock{val: libatm.NewValue[time.Time]()}
	c.val.Store(time.Now())
	return c
}

// Now returns the last published sample; it is at most one tick stale.
func (c *Clock) Now() time.Time {
	return c.val.Load()
}

// Run publishes a new sample every interval until ctx is cancelled. It is
// meant to be started once as its own goroutine for the lifetime of the
// process.
func (c *Clock) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			c.val.Store(now)
		}
	}
}
