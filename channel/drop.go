package channel

import (
	"context"
	"time"

	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/internal/logging"
)

// DropAsync drops the channel on the service. It is idempotent: calling
// it from Closed or Dropped is a no-op. Before issuing the delete it
// sleeps long enough to satisfy MinHoldAfterAppend since the last
// successful append, so a drop immediately following an append doesn't
// race the service's own commit processing.
func (c *Channel) DropAsync(ctx context.Context) error {
	switch c.State() {
	case Closed, Dropped:
		return nil
	}

	c.stateMu.RLock()
	lastAppend := c.lastAppendAt
	c.stateMu.RUnlock()

	if !lastAppend.IsZero() {
		hold := c.policy.MinHoldAfterAppend - time.Since(lastAppend)
		if hold > 0 {
			select {
			case <-time.After(hold):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if _, err := c.ic.DeleteChannel(ctx, c.coords, c.pipe, c.name); err != nil {
		return ingesterrors.New(ingesterrors.Invariant, "drop channel failed", err)
	}

	c.setState(Dropped)
	c.stopTimers()
	logging.Info("channel dropped", "channel", c.name)
	return nil
}

// DisposeAsync stops both timers, flushes any remaining buffered rows,
// and sets state Closed. Flush errors are logged, not returned: Dispose
// must complete even if the final flush fails. Safe to call more than
// once.
func (c *Channel) DisposeAsync(ctx context.Context) {
	c.disposeOnce.Do(func() {
		c.stopTimers()

		if c.State() == Open {
			if err := c.FlushAsync(ctx, nil); err != nil {
				logging.Warn("final flush during dispose failed", "channel", c.name, "error", err)
			}
		}

		c.setState(Closed)
		c.disposed = true
		logging.Info("channel disposed", "channel", c.name)
	})
}
