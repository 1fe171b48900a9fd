package channel

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/pipestream/ingestclient"
	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/internal/logging"
	"github.com/stacklok/pipestream/payload"
)

const driftReopenDelay = 3 * time.Second

// FlushAsync builds a payload from a snapshot of the active buffer and
// appends it. At most one flush is ever in flight per channel, enforced
// by the flush gate; flushing an empty buffer is a no-op that performs no
// I/O and does not touch the continuation token.
//
// offsetToken, if non-nil, overrides the pending offset token set via
// SetOffsetTokenForNextFlush for this flush only.
func (c *Channel) FlushAsync(ctx context.Context, offsetToken *string) error {
	select {
	case <-c.flushGate:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { c.flushGate <- struct{}{} }()

	rows := c.swapBuffer()
	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	err := c.flushRows(ctx, rows, offsetToken)
	c.metrics.observeFlush(err, time.Since(start).Seconds())

	if err != nil {
		c.setState(Error)
		logging.Warn("flush failed", "channel", c.name, "error", err)
		return err
	}
	return nil
}

// swapBuffer atomically replaces the active buffer with the spare
// (emptied) buffer and returns the snapshot that was active, so
// producers calling InsertRows never observe or mutate an in-flight
// batch.
func (c *Channel) swapBuffer() []payload.Row {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	snapshot := c.buffer
	if c.spareBuffer == nil {
		c.buffer = nil
	} else {
		c.buffer = c.spareBuffer[:0]
	}
	c.estimatedBytes = 0
	return snapshot
}

func (c *Channel) returnSpare(rows []payload.Row) {
	c.bufMu.Lock()
	c.spareBuffer = rows[:0]
	c.bufMu.Unlock()
}

func (c *Channel) flushRows(ctx context.Context, rows []payload.Row, explicitOffset *string) error {
	c.stateMu.RLock()
	continuationToken := c.continuationToken
	c.stateMu.RUnlock()
	if continuationToken == "" {
		c.returnSpare(rows)
		return ingesterrors.New(ingesterrors.Invariant, "flush attempted with no continuation token", nil)
	}

	effectiveOffset, fromPending := c.resolveOffset(explicitOffset)

	batch, err := payload.Build(c.name, rows, effectiveOffset)
	if err != nil {
		c.returnSpare(rows)
		return err
	}

	resp, err := c.ic.AppendRows(ctx, c.coords, c.pipe, c.name, continuationToken, effectiveOffset, batch.NDJSON)
	if err != nil {
		if isDriftError(err) {
			resp, err = c.retryAfterReopen(ctx, batch, continuationToken, effectiveOffset)
		}
		if err != nil {
			c.returnSpare(rows)
			return err
		}
	}

	c.stateMu.Lock()
	c.continuationToken = resp.NextContinuationToken
	c.lastAppendAt = time.Now()
	if fromPending {
		c.pendingOffsetToken = ""
	}
	c.stateMu.Unlock()

	c.returnSpare(rows)
	return nil
}

func (c *Channel) resolveOffset(explicit *string) (*string, bool) {
	if explicit != nil && *explicit != "" {
		return explicit, false
	}
	c.stateMu.RLock()
	pending := c.pendingOffsetToken
	c.stateMu.RUnlock()
	if pending == "" {
		return nil, false
	}
	return &pending, true
}

// isDriftError reports whether err is the service signaling continuation
// token drift: an append rejected with HTTP 400 or 409.
func isDriftError(err error) bool {
	var e *ingesterrors.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.StatusCode == 400 || e.StatusCode == 409
}

// retryAfterReopen implements §4.7 step 6: wait, reopen (re-seeding the
// continuation token), then retry the append exactly once with the new
// token.
func (c *Channel) retryAfterReopen(ctx context.Context, batch *payload.Batch, _ string, offsetToken *string) (*ingestclient.AppendRowsResponse, error) {
	select {
	case <-time.After(driftReopenDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.setState(Closed)
	c.metrics.observeReopen()
	if err := c.Open(ctx); err != nil {
		return nil, ingesterrors.New(ingesterrors.ProtocolMismatch, "reopen after drift failed", err)
	}

	c.stateMu.RLock()
	newToken := c.continuationToken
	c.stateMu.RUnlock()

	resp, err := c.ic.AppendRows(ctx, c.coords, c.pipe, c.name, newToken, offsetToken, batch.NDJSON)
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.ProtocolMismatch, "retry after reopen failed", err)
	}
	return resp, nil
}
