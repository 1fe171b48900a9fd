// Package channel implements the durable ingest channel: the buffered
// write path, the flush gate, the continuation-token/offset-token state
// machine, and the periodic flush and health timers that keep a channel
// open and committed progress visible.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stacklok/pipestream/ingestclient"
	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/internal/logging"
	"github.com/stacklok/pipestream/normalize"
	"github.com/stacklok/pipestream/payload"
	"github.com/stacklok/pipestream/schema"
)

// FlushPolicy bounds how much a channel buffers before it schedules a
// background flush, and how long-lived timers and drop delays are.
type FlushPolicy struct {
	MaxRows            int
	MaxBytes           int
	FlushInterval      time.Duration
	MinHoldAfterAppend time.Duration
	StatusInterval     time.Duration
	ReopenBackoff      time.Duration
}

func (p FlushPolicy) withDefaults() FlushPolicy {
	if p.MaxRows == 0 {
		p.MaxRows = 50_000
	}
	if p.MaxBytes == 0 {
		p.MaxBytes = 4_000_000
	}
	if p.FlushInterval == 0 {
		p.FlushInterval = 5 * time.Second
	}
	if p.MinHoldAfterAppend == 0 {
		p.MinHoldAfterAppend = 10 * time.Second
	}
	if p.StatusInterval == 0 {
		p.StatusInterval = 5 * time.Minute
	}
	if p.ReopenBackoff == 0 {
		p.ReopenBackoff = 2 * time.Second
	}
	return p
}

// Config names the target pipe and table this channel writes into.
type Config struct {
	Name   string
	Pipe   string
	Table  schema.TableSchema
	Policy FlushPolicy
}

// Channel is the orchestrator producers call InsertRow/InsertRows/
// SetOffsetTokenForNextFlush/FlushAsync/DropAsync/DisposeAsync against.
// A Channel exclusively owns its two row buffers and its two timers; the
// ingest client it was built with is shared and thread-safe.
type Channel struct {
	name   string
	pipe   string
	coords schema.SchemaObjectCoords
	table  schema.TableSchema
	policy FlushPolicy

	ic      *ingestclient.Client
	metrics *Metrics

	// bufMu guards only non-suspending buffer mutation: append, counter
	// bump, swap. It is never held across network I/O.
	bufMu          sync.Mutex
	buffer         []payload.Row
	spareBuffer    []payload.Row
	estimatedBytes int

	// stateMu guards state, the continuation/offset tokens, and
	// lastAppendAt; it too is never held across network I/O.
	stateMu             sync.RWMutex
	state               State
	continuationToken   string
	pendingOffsetToken  string
	latestCommittedOffsetToken string
	lastAppendAt        time.Time

	// flushGate is the binary semaphore ensuring at most one append is
	// in flight for this channel at a time.
	flushGate chan struct{}

	flushTimer    *time.Timer
	healthTimer   *time.Timer
	timersMu      sync.Mutex
	timersRunning bool

	disposeOnce sync.Once
	disposed    bool
}

// New constructs a Channel in state Created. Open must be called before
// any other operation will succeed.
func New(ic *ingestclient.Client, coords schema.SchemaObjectCoords, cfg Config, opts ...Option) *Channel {
	c := &Channel{
		name:      cfg.Name,
		pipe:      cfg.Pipe,
		coords:    coords,
		table:     cfg.Table,
		policy:    cfg.Policy.withDefaults(),
		ic:        ic,
		state:     Created,
		flushGate: make(chan struct{}, 1),
	}
	c.flushGate <- struct{}{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures optional Channel behavior at construction time.
type Option func(*Channel)

// WithMetrics attaches a Prometheus-backed Metrics set, registered under
// registry, to this channel.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(c *Channel) {
		c.metrics = NewMetrics(registry, c.name)
	}
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Open issues OpenChannel against the service, requiring
// channel_status.code == "SUCCESS" and a non-empty continuation token.
// Calling Open on an already-Open channel is a no-op (no network I/O),
// per the round-trip property in §8. Calling it from Closed re-opens the
// channel, re-seeding the continuation token; calling it from Dropped is
// an error.
func (c *Channel) Open(ctx context.Context) error {
	if c.State() == Open {
		return nil
	}
	if c.State() == Dropped {
		return ingesterrors.New(ingesterrors.ChannelState, "cannot open a dropped channel", nil)
	}

	c.setState(Opening)

	resp, err := c.ic.OpenChannel(ctx, c.coords, c.pipe, c.name)
	if err != nil {
		return ingesterrors.New(ingesterrors.OpenFailure, "open channel failed", err)
	}

	c.stateMu.Lock()
	c.continuationToken = resp.NextContinuationToken
	if resp.ChannelStatus.LastCommittedOffsetToken != "" {
		c.latestCommittedOffsetToken = resp.ChannelStatus.LastCommittedOffsetToken
	}
	c.state = Open
	c.stateMu.Unlock()

	c.startTimers()
	logging.Info("channel opened", "channel", c.name, "pipe", c.pipe)
	return nil
}

// InsertRow appends one row to the active buffer. Rows are validated and
// normalized against the table schema immediately so that a malformed
// row fails at insert time, not at flush time.
func (c *Channel) InsertRow(row map[string]interface{}) error {
	return c.InsertRows([]map[string]interface{}{row})
}

// InsertRows appends rows to the active buffer under the (non-reentrant)
// buffer lock. If the buffer crosses MaxRows or MaxBytes, a background
// flush is scheduled (fire-and-forget); InsertRows itself never performs
// network I/O.
func (c *Channel) InsertRows(rows []map[string]interface{}) error {
	if c.State() != Open {
		return ingesterrors.New(ingesterrors.ChannelState, "insert requires state Open, channel is "+c.State().String(), nil)
	}

	normalized := make([]payload.Row, len(rows))
	size := 0
	for i, row := range rows {
		nr, n, err := c.normalizeRow(row)
		if err != nil {
			return err
		}
		normalized[i] = nr
		size += n
	}

	var triggerFlush bool
	c.bufMu.Lock()
	c.buffer = append(c.buffer, normalized...)
	c.estimatedBytes += size
	if len(c.buffer) >= c.policy.MaxRows || c.estimatedBytes >= c.policy.MaxBytes {
		triggerFlush = true
	}
	c.bufMu.Unlock()

	c.metrics.observeRowsInserted(len(rows))

	if triggerFlush {
		go func() {
			if err := c.FlushAsync(context.Background(), nil); err != nil {
				logging.Warn("background flush failed", "channel", c.name, "error", err)
			}
		}()
	}
	return nil
}

// normalizeRow validates every key against the table schema and
// normalizes its value, returning the row and an estimate of its
// serialized byte size.
func (c *Channel) normalizeRow(row map[string]interface{}) (payload.Row, int, error) {
	out := make(payload.Row, len(row))
	size := 0
	for key, raw := range row {
		col, ok := c.table.Lookup(key)
		if !ok {
			return nil, 0, ingesterrors.New(ingesterrors.SchemaViolation, "column not in schema: "+key, nil)
		}
		v, err := normalize.Value(col, raw)
		if err != nil {
			return nil, 0, err
		}
		if v != nil {
			out[key] = v
		}
		size += estimateSize(key, v)
	}
	return out, size, nil
}

func estimateSize(key string, v interface{}) int {
	size := len(key) + 4
	switch val := v.(type) {
	case string:
		size += len(val)
	case bool:
		size += 5
	case nil:
		size += 4
	default:
		size += 16
	}
	return size
}

// SetOffsetTokenForNextFlush stores token to be attached to the next
// flush's append call. token must be non-empty.
func (c *Channel) SetOffsetTokenForNextFlush(token string) error {
	if token == "" {
		return ingesterrors.New(ingesterrors.Invariant, "offset token must not be empty", nil)
	}
	c.stateMu.Lock()
	c.pendingOffsetToken = token
	c.stateMu.Unlock()
	return nil
}

// LatestCommittedOffsetToken returns the most recently observed
// committed offset token, which may be empty if none has been observed
// yet.
func (c *Channel) LatestCommittedOffsetToken() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.latestCommittedOffsetToken
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }
