package channel

import (
	"context"
	"time"

	"github.com/stacklok/pipestream/internal/logging"
)

// startTimers launches the periodic flush and health timer loops. Both
// are self-rescheduling time.Timer loops (not time.Ticker): each tick
// does its work, then arms the next tick, so a slow tick never causes a
// backlog of queued ticks. Idempotent: a reopen after a drift retry or a
// health-check failure finds the loops already running and does nothing.
func (c *Channel) startTimers() {
	c.timersMu.Lock()
	if c.timersRunning {
		c.timersMu.Unlock()
		return
	}
	c.timersRunning = true
	c.timersMu.Unlock()

	go c.flushTimerLoop()
	go c.healthTimerLoop()
}

func (c *Channel) stopTimers() {
	c.timersMu.Lock()
	c.timersRunning = false
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	if c.healthTimer != nil {
		c.healthTimer.Stop()
	}
	c.timersMu.Unlock()
}

func (c *Channel) shouldContinueTimers() bool {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	return c.timersRunning
}

func (c *Channel) flushTimerLoop() {
	timer := time.NewTimer(c.policy.FlushInterval)
	c.timersMu.Lock()
	c.flushTimer = timer
	c.timersMu.Unlock()

	for {
		<-timer.C
		if !c.shouldContinueTimers() {
			return
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("periodic flush tick panicked", "channel", c.name, "recovered", r)
					c.setState(Error)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), c.policy.FlushInterval)
			defer cancel()
			if err := c.FlushAsync(ctx, nil); err != nil {
				logging.Warn("periodic flush failed", "channel", c.name, "error", err)
				c.setState(Error)
			}
		}()

		if !c.shouldContinueTimers() {
			return
		}
		timer.Reset(c.policy.FlushInterval)
	}
}

func (c *Channel) healthTimerLoop() {
	timer := time.NewTimer(c.policy.StatusInterval)
	c.timersMu.Lock()
	c.healthTimer = timer
	c.timersMu.Unlock()

	for {
		<-timer.C
		if !c.shouldContinueTimers() {
			return
		}
		c.healthTick()
		if !c.shouldContinueTimers() {
			return
		}
		timer.Reset(c.policy.StatusInterval)
	}
}

// healthTick fetches channel status and updates the latest committed
// offset token. If the channel has drifted out of state Open since the
// last tick, it is skipped. If the service reports a non-success code,
// the channel enters Error, waits ReopenBackoff, then reopens.
func (c *Channel) healthTick() {
	if c.State() != Open {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.StatusInterval)
	defer cancel()

	status, err := c.ic.GetChannelStatus(ctx, c.coords, c.pipe, c.name)
	if err != nil {
		logging.Warn("health check failed", "channel", c.name, "error", err)
		return
	}

	if status.LastCommittedOffsetToken != "" {
		c.stateMu.Lock()
		c.latestCommittedOffsetToken = status.LastCommittedOffsetToken
		c.stateMu.Unlock()
	}

	if status.Succeeded() {
		return
	}

	c.setState(Error)
	c.metrics.observeReopen()
	logging.Warn("health check reported failure, reopening", "channel", c.name, "code", status.Code)

	select {
	case <-time.After(c.policy.ReopenBackoff):
	case <-ctx.Done():
		return
	}

	if err := c.Open(context.Background()); err != nil {
		logging.Error("reopen after health-check failure failed", "channel", c.name, "error", err)
	}
}
