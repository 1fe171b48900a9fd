package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pipestream/ingestclient"
	"github.com/stacklok/pipestream/schema"
	"github.com/stacklok/pipestream/transport"
)

type fakeAuthn struct{ base string }

func (f *fakeAuthn) EnsureReady(_ context.Context) error { return nil }
func (f *fakeAuthn) IngestBaseURI() (string, error)      { return f.base, nil }
func (f *fakeAuthn) Attach(req *http.Request)            { req.Header.Set("Authorization", "Bearer t") }

var testCoords = schema.SchemaObjectCoords{Database: "DB", Schema: "SC", Name: "TBL"}

var testSchema = schema.NewTableSchema(testCoords, []schema.ColumnSpec{
	{Name: "ID", Type: schema.Number, Precision: 18, Scale: 0, HasScale: true},
	{Name: "VALUE", Type: schema.Varchar, Length: 64, HasLength: true},
})

func newTestChannel(t *testing.T, handler http.HandlerFunc) (*Channel, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	authn := &fakeAuthn{base: srv.URL}
	hc := transport.New(srv.URL, authn, transport.Config{MaxRetries: 1})
	ic := ingestclient.New(hc, authn)

	ch := New(ic, testCoords, Config{
		Name:  "CH1",
		Pipe:  "P1",
		Table: testSchema,
		Policy: FlushPolicy{
			FlushInterval:      time.Hour,
			StatusInterval:     time.Hour,
			MinHoldAfterAppend: 0,
		},
	})
	return ch, srv
}

func TestChannel_HappyPath_OpenInsertFlush(t *testing.T) {
	t.Parallel()
	var appendedBody []byte

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
		case r.Method == http.MethodPost:
			buf := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(buf)
			appendedBody = buf
			assert.Equal(t, "10", r.URL.Query().Get("offsetToken"))
			_, _ = w.Write([]byte(`{"next_continuation_token":"ct-2"}`))
		}
	})
	defer srv.Close()

	require.NoError(t, ch.Open(t.Context()))
	assert.Equal(t, Open, ch.State())

	rows := make([]map[string]interface{}, 10)
	for i := range rows {
		rows[i] = map[string]interface{}{"ID": i + 1, "VALUE": "aaaaaaaaaa"}
	}
	require.NoError(t, ch.InsertRows(rows))
	require.NoError(t, ch.SetOffsetTokenForNextFlush("10"))
	require.NoError(t, ch.FlushAsync(t.Context(), nil))

	assert.NotEmpty(t, appendedBody)
	assert.Empty(t, ch.pendingOffsetToken, "pending offset token is cleared after a flush consumes it")
}

func TestChannel_Open_NoOpWhenAlreadyOpen(t *testing.T) {
	t.Parallel()
	var opens atomic.Int64

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			opens.Add(1)
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
		}
	})
	defer srv.Close()

	require.NoError(t, ch.Open(t.Context()))
	require.NoError(t, ch.Open(t.Context()))
	assert.Equal(t, int64(1), opens.Load())
}

func TestChannel_DriftTriggeredReopen(t *testing.T) {
	t.Parallel()
	var appendAttempts atomic.Int64

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-new"}`))
		case r.Method == http.MethodPost:
			n := appendAttempts.Add(1)
			if n == 1 {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"code":"TOKEN_DRIFT","message":"continuation token stale"}`))
				return
			}
			assert.Equal(t, "ct-new", r.URL.Query().Get("continuationToken"))
			_, _ = w.Write([]byte(`{"next_continuation_token":"ct-final"}`))
		}
	})
	defer srv.Close()

	ch.policy.MinHoldAfterAppend = 0
	require.NoError(t, ch.Open(t.Context()))

	require.NoError(t, ch.InsertRow(map[string]interface{}{"ID": 1, "VALUE": "x"}))

	start := time.Now()
	err := ch.FlushAsync(t.Context(), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), driftReopenDelay)
	assert.Equal(t, int64(2), appendAttempts.Load())
	assert.Equal(t, "ct-final", ch.continuationToken)
}

func TestChannel_InsertRow_SchemaRejection(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
	})
	defer srv.Close()

	require.NoError(t, ch.Open(t.Context()))
	requests.Store(0)

	err := ch.InsertRow(map[string]interface{}{"UNKNOWN": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN")
	assert.Equal(t, int64(0), requests.Load(), "a schema violation must not make any HTTP request")
}

func TestChannel_InsertRow_RequiresOpenState(t *testing.T) {
	t.Parallel()
	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	err := ch.InsertRow(map[string]interface{}{"ID": 1})
	require.Error(t, err)
}

func TestChannel_FlushAsync_EmptyBufferIsNoOp(t *testing.T) {
	t.Parallel()
	var appends atomic.Int64

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
		case http.MethodPost:
			appends.Add(1)
		}
	})
	defer srv.Close()

	require.NoError(t, ch.Open(t.Context()))
	require.NoError(t, ch.FlushAsync(t.Context(), nil))
	assert.Equal(t, int64(0), appends.Load())
}

func TestChannel_FetchLatestCommittedOffset_AdaptivePoll(t *testing.T) {
	t.Parallel()
	var statusCalls atomic.Int64

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
		case r.Method == http.MethodGet:
			statusCalls.Add(1)
			_, _ = w.Write([]byte(`{"code":"SUCCESS","snowflake_avg_processing_latency_ms":200}`))
		}
	})
	defer srv.Close()

	require.NoError(t, ch.Open(t.Context()))

	ctx, cancel := context.WithTimeout(t.Context(), 600*time.Millisecond)
	defer cancel()
	got := ch.FetchLatestCommittedOffset(ctx, 600*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, got, "service never reports a committed offset in this fixture")
	assert.Less(t, statusCalls.Load(), int64(20), "adaptive delay should reduce poll count well below the naive base-interval count")
}

func TestChannel_DropAsync_WaitsOutMinHold(t *testing.T) {
	t.Parallel()
	var deleted atomic.Bool

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"next_continuation_token":"ct-2"}`))
		case r.Method == http.MethodDelete:
			deleted.Store(true)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	defer srv.Close()

	ch.policy.MinHoldAfterAppend = 150 * time.Millisecond
	require.NoError(t, ch.Open(t.Context()))
	require.NoError(t, ch.InsertRow(map[string]interface{}{"ID": 1, "VALUE": "x"}))
	require.NoError(t, ch.FlushAsync(t.Context(), nil))

	start := time.Now()
	require.NoError(t, ch.DropAsync(t.Context()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, deleted.Load())
	assert.Equal(t, Dropped, ch.State())
}

func TestChannel_DropAsync_IdempotentFromClosed(t *testing.T) {
	t.Parallel()
	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	ch.setState(Closed)
	require.NoError(t, ch.DropAsync(t.Context()))
}

func TestChannel_DisposeAsync_FlushesAndIsSafeTwice(t *testing.T) {
	t.Parallel()
	var appends atomic.Int64

	ch, srv := newTestChannel(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			_, _ = w.Write([]byte(`{"channel_status":{"code":"SUCCESS"},"next_continuation_token":"ct-1"}`))
		case r.Method == http.MethodPost:
			appends.Add(1)
			_, _ = w.Write([]byte(`{"next_continuation_token":"ct-2"}`))
		}
	})
	defer srv.Close()

	require.NoError(t, ch.Open(t.Context()))
	require.NoError(t, ch.InsertRow(map[string]interface{}{"ID": 1, "VALUE": "x"}))

	ch.DisposeAsync(t.Context())
	ch.DisposeAsync(t.Context())

	assert.Equal(t, int64(1), appends.Load())
	assert.Equal(t, Closed, ch.State())
}
