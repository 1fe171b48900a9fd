package channel

import (
	"context"
	"time"
)

// defaultTimeout is 10s. The original source's default for this field was
// a tick-count value mis-typed as seconds (~6.9 billion); the documented
// intent is 10 seconds, which is what's implemented here.
const defaultTimeout = 10 * time.Second

const defaultPollInterval = 250 * time.Millisecond

// FetchLatestCommittedOffset polls GetChannelStatus until
// LastCommittedOffsetToken is non-empty or timeout elapses, returning the
// last value observed (possibly empty on timeout).
//
// The delay between polls is adaptive: it starts at pollInterval, but
// once the service reports a non-zero average processing latency, the
// delay becomes max(pollInterval, avgLatency/4), further capped so a
// single wait never consumes more than half the remaining budget.
func (c *Channel) FetchLatestCommittedOffset(ctx context.Context, timeout, pollInterval time.Duration) string {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	delay := pollInterval
	last := c.LatestCommittedOffsetToken()

	for {
		if last != "" {
			return last
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last
		}

		wait := delay
		if half := remaining / 2; wait > half {
			wait = half
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return last
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return c.LatestCommittedOffsetToken()
		}

		statusCtx, cancel := context.WithTimeout(ctx, remaining)
		status, err := c.ic.GetChannelStatus(statusCtx, c.coords, c.pipe, c.name)
		cancel()
		if err != nil {
			continue
		}

		if status.LastCommittedOffsetToken != "" {
			c.stateMu.Lock()
			c.latestCommittedOffsetToken = status.LastCommittedOffsetToken
			c.stateMu.Unlock()
			return status.LastCommittedOffsetToken
		}

		if status.SnowflakeAvgProcessingLatencyMs > 0 {
			adaptive := time.Duration(status.SnowflakeAvgProcessingLatencyMs/4) * time.Millisecond
			if adaptive > pollInterval {
				delay = adaptive
			}
		}

		last = c.LatestCommittedOffsetToken()
	}
}
