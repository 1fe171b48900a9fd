// Package ingestclient implements typed wrappers over the five ingest
// REST endpoints (open channel, append rows, channel status, bulk
// committed-offset lookup, delete channel), each routed through the
// shared transport skeleton with the authenticator's access token
// attached.
package ingestclient

import (
	"context"
	"net/http"
	"net/url"

	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/schema"
	"github.com/stacklok/pipestream/transport"
)

// Attacher stamps a request with the current access token. *auth.Provider
// satisfies this without ingestclient importing the auth package, keeping
// the dependency graph a DAG (auth already depends on transport).
type Attacher interface {
	Attach(req *http.Request)
}

// Client issues the five typed ingest calls, all rooted at the ingest
// base URI the authenticator discovers during bootstrap.
type Client struct {
	hc     *transport.Client
	attach func(*http.Request)
}

// New builds a Client bound to a shared transport and authenticator.
func New(hc *transport.Client, attacher Attacher) *Client {
	return &Client{hc: hc, attach: attacher.Attach}
}

func channelPath(coords schema.SchemaObjectCoords, pipe, channel string) string {
	return transport.BuildCatalogPath(
		"v2", "streaming", "databases", coords.Database, "schemas", coords.Schema,
		"pipes", pipe, "channels", channel,
	)
}

// ChannelStatus is the service's read-only status snapshot for a channel.
type ChannelStatus struct {
	Code                         string `json:"code"`
	LastCommittedOffsetToken     string `json:"last_committed_offset_token,omitempty"`
	RowsInserted                 int64  `json:"rows_inserted"`
	RowsParsed                   int64  `json:"rows_parsed"`
	RowsErrorCount                int64  `json:"rows_error_count"`
	LastErrorMessage              string `json:"last_error_message,omitempty"`
	SnowflakeAvgProcessingLatencyMs int64  `json:"snowflake_avg_processing_latency_ms,omitempty"`
}

// Succeeded reports whether the service considers the channel's state
// operation to have succeeded.
func (s ChannelStatus) Succeeded() bool {
	return s.Code == "SUCCESS"
}

// OpenChannelResponse is the service's answer to an open-channel call.
type OpenChannelResponse struct {
	ChannelStatus         ChannelStatus `json:"channel_status"`
	NextContinuationToken string        `json:"next_continuation_token"`
}

// OpenChannel opens (creating if absent) the named channel on the named
// pipe, returning the continuation token that must accompany every
// subsequent call for this channel's lifetime. Per spec, success requires
// channel_status.code == "SUCCESS" and a non-empty continuation token.
func (c *Client) OpenChannel(ctx context.Context, coords schema.SchemaObjectCoords, pipe, channel string) (*OpenChannelResponse, error) {
	res, err := c.hc.Do(ctx, transport.Request{
		Method:      http.MethodPut,
		Path:        channelPath(coords, pipe, channel),
		Body:        []byte("{}"),
		ContentType: "application/json",
		Stamp:       c.attach,
	})
	if err != nil {
		return nil, err
	}

	var out OpenChannelResponse
	if err := unmarshalJSON(res.Body, &out); err != nil {
		return nil, err
	}
	if !out.ChannelStatus.Succeeded() {
		return nil, ingesterrors.New(ingesterrors.OpenFailure,
			"open channel failed: "+out.ChannelStatus.LastErrorMessage, nil)
	}
	if out.NextContinuationToken == "" {
		return nil, ingesterrors.New(ingesterrors.OpenFailure, "open channel succeeded without a continuation token", nil)
	}
	return &out, nil
}

// AppendRowsResponse is the service's answer to an append call.
type AppendRowsResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
}

func appendPath(coords schema.SchemaObjectCoords, pipe, channel string) string {
	return transport.BuildCatalogPath(
		"v2", "streaming", "data", "databases", coords.Database, "schemas", coords.Schema,
		"pipes", pipe, "channels", channel, "rows",
	)
}

// AppendRows appends an NDJSON payload to channel, passing the
// continuation token obtained from the channel's last successful call and
// optionally the offset token to associate with this batch's last row.
// The body is eligible for gzip-on-append per the transport's configured
// threshold.
func (c *Client) AppendRows(ctx context.Context, coords schema.SchemaObjectCoords, pipe, channel, continuationToken string, offsetToken *string, ndjson []byte) (*AppendRowsResponse, error) {
	q := url.Values{"continuationToken": {continuationToken}}
	if offsetToken != nil && *offsetToken != "" {
		q.Set("offsetToken", *offsetToken)
	}

	res, err := c.hc.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        appendPath(coords, pipe, channel),
		Query:       q,
		Body:        ndjson,
		ContentType: "application/x-ndjson",
		EnableGzip:  true,
		Stamp:       c.attach,
	})
	if err != nil {
		return nil, err
	}

	var out AppendRowsResponse
	if err := unmarshalJSON(res.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChannelStatus fetches the channel's full status, including its
// latest committed offset token and average processing latency (used by
// the adaptive-backoff committed-offset poller).
func (c *Client) GetChannelStatus(ctx context.Context, coords schema.SchemaObjectCoords, pipe, channel string) (*ChannelStatus, error) {
	res, err := c.hc.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   channelPath(coords, pipe, channel),
		Stamp:  c.attach,
	})
	if err != nil {
		return nil, err
	}

	var out ChannelStatus
	if err := unmarshalJSON(res.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CommittedOffsetsRequest is the body of a bulk committed-offset lookup,
// covering every channel named under one pipe in a single round trip.
type CommittedOffsetsRequest struct {
	DatabaseName string   `json:"database_name"`
	SchemaName   string   `json:"schema_name"`
	PipeName     string   `json:"pipe_name"`
	Channels     []string `json:"channels"`
}

// CommittedOffsetEntry is one channel's committed-offset entry in a bulk
// lookup response.
type CommittedOffsetEntry struct {
	ChannelName string `json:"channel_name"`
	OffsetToken string `json:"offset_token"`
}

// CommittedOffsetsResponse is the response to a bulk committed-offset
// lookup.
type CommittedOffsetsResponse struct {
	Channels []CommittedOffsetEntry `json:"channels"`
}

// GetLatestCommittedOffsets performs the bulk committed-offset lookup for
// several channels of one pipe. The channel's health timer and
// FetchLatestCommittedOffset poll GetChannelStatus instead.
func (c *Client) GetLatestCommittedOffsets(ctx context.Context, coords schema.SchemaObjectCoords, pipe string, channels []string) (*CommittedOffsetsResponse, error) {
	body, err := marshalJSON(CommittedOffsetsRequest{
		DatabaseName: coords.Database,
		SchemaName:   coords.Schema,
		PipeName:     pipe,
		Channels:     channels,
	})
	if err != nil {
		return nil, err
	}

	res, err := c.hc.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        transport.BuildCatalogPath("v2", "streaming", "channels", "status") + "/",
		Body:        body,
		ContentType: "application/json",
		Stamp:       c.attach,
	})
	if err != nil {
		return nil, err
	}

	var out CommittedOffsetsResponse
	if err := unmarshalJSON(res.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteChannelResponse is the (possibly-empty) response to a delete call.
type DeleteChannelResponse struct {
	ChannelStatus *ChannelStatus `json:"channel_status,omitempty"`
}

// DeleteChannel drops channel.
func (c *Client) DeleteChannel(ctx context.Context, coords schema.SchemaObjectCoords, pipe, channel string) (*DeleteChannelResponse, error) {
	res, err := c.hc.Do(ctx, transport.Request{
		Method:      http.MethodDelete,
		Path:        channelPath(coords, pipe, channel),
		Body:        []byte("{}"),
		ContentType: "application/json",
		Stamp:       c.attach,
	})
	if err != nil {
		return nil, err
	}

	var out DeleteChannelResponse
	if err := unmarshalJSON(res.Body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	data, err := jsonMarshal(v)
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.Invariant, "unable to encode request body", err)
	}
	return data, nil
}

func unmarshalJSON(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := jsonUnmarshal(body, v); err != nil {
		return ingesterrors.New(ingesterrors.ProtocolMismatch, "unable to decode response body", err)
	}
	return nil
}
