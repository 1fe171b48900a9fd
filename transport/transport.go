// Package transport implements the HTTP retry/backoff skeleton every
// request to the service goes through: path normalization, auth
// bootstrapping, base-URI resolution, retry classification, Retry-After
// aware backoff, and optional gzip-on-append with a one-shot uncompressed
// fallback.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"

	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/internal/logging"
)

// Bootstrap paths. These resolve against the account base URI and skip
// Authenticator.EnsureReady (they are what makes the authenticator ready
// in the first place).
const (
	HostnamePath = "/v2/streaming/hostname"
	OAuthPath    = "/oauth/token"
)

// Authenticator is the subset of the auth provider the transport needs:
// enough to gate non-bootstrap requests on readiness and to resolve the
// ingest base URI once discovered.
type Authenticator interface {
	EnsureReady(ctx context.Context) error
	IngestBaseURI() (string, error)
}

// GzipLevel mirrors the configurable compression levels the config surface
// exposes (spec.md §6 "fastest | optimal | etc").
type GzipLevel int

// Gzip levels, matching klauspost/compress/gzip's constants.
const (
	GzipFastest GzipLevel = gzip.BestSpeed
	GzipOptimal GzipLevel = gzip.DefaultCompression
	GzipBest    GzipLevel = gzip.BestCompression
)

// Config configures a Client. Zero-value fields fall back to the spec's
// defaults via WithDefaults.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	RetryBackoffBase time.Duration
	MaxRetries       int
	Proxy            *url.URL

	// ValidateCertificates and EnableGzipOnAppend default to true when
	// left nil; a caller must set an explicit *bool to turn either off.
	ValidateCertificates *bool
	EnableGzipOnAppend   *bool

	GzipMinBytes int
	GzipLevel    GzipLevel
}

// WithDefaults returns a copy of cfg with every zero-valued field replaced
// by the spec's documented default.
func (cfg Config) WithDefaults() Config {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pipestream-go-sdk/1.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Second
	}
	if cfg.RetryBackoffBase == 0 {
		cfg.RetryBackoffBase = 200 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ValidateCertificates == nil {
		cfg.ValidateCertificates = boolPtr(true)
	}
	if cfg.EnableGzipOnAppend == nil {
		cfg.EnableGzipOnAppend = boolPtr(true)
	}
	if cfg.GzipMinBytes == 0 {
		cfg.GzipMinBytes = 4096
	}
	if cfg.GzipLevel == 0 {
		cfg.GzipLevel = GzipOptimal
	}
	return cfg
}

func boolPtr(b bool) *bool { return &b }

const maxBackoff = 30 * time.Second

// Client is the shared HTTP client every ingest-client call and auth
// bootstrap call is routed through.
type Client struct {
	cfg            Config
	accountBaseURI string
	authn          Authenticator
	hc             *retryablehttp.Client
}

// New builds a Client. accountBaseURI is the static, always-known account
// endpoint; the ingest base URI is discovered later via authn.
func New(accountBaseURI string, authn Authenticator, cfg Config) *Client {
	cfg = cfg.WithDefaults()

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.MaxRetries
	hc.RetryWaitMin = cfg.RetryBackoffBase
	hc.RetryWaitMax = maxBackoff
	hc.Logger = nil
	hc.CheckRetry = checkRetry
	hc.Backoff = backoffFor(cfg.RetryBackoffBase)
	hc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	if tr, ok := hc.HTTPClient.Transport.(*http.Transport); ok {
		tr = tr.Clone()
		if cfg.Proxy != nil {
			tr.Proxy = http.ProxyURL(cfg.Proxy)
		}
		if !*cfg.ValidateCertificates {
			insecureTransport(tr)
		}
		hc.HTTPClient.Transport = tr
	} else {
		tr := &http.Transport{}
		if cfg.Proxy != nil {
			tr.Proxy = http.ProxyURL(cfg.Proxy)
		}
		if !*cfg.ValidateCertificates {
			insecureTransport(tr)
		}
		hc.HTTPClient.Transport = tr
	}

	return &Client{
		cfg:            cfg,
		accountBaseURI: strings.TrimRight(accountBaseURI, "/"),
		authn:          authn,
		hc:             hc,
	}
}

// Request describes one call through the skeleton.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
	Bootstrap   bool
	EnableGzip  bool
	Stamp       func(*http.Request)
	ExtraHeader http.Header // optional hook (e.g. a future Content-MD5)
}

// Result is the response of a call. Do returns it for 2xx responses; for
// a non-2xx response that is not retried, send returns it alongside the
// classified error.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Do executes the full skeleton: normalize path, gate on readiness unless
// bootstrap, resolve base URI, stamp auth, send with retry, classify.
func (c *Client) Do(ctx context.Context, r Request) (*Result, error) {
	path := normalizePath(r.Path)

	if !r.Bootstrap {
		if err := c.authn.EnsureReady(ctx); err != nil {
			return nil, ingesterrors.New(ingesterrors.Bootstrap, "auth not ready", err)
		}
	}

	base := c.accountBaseURI
	if !r.Bootstrap {
		ingestBase, err := c.authn.IngestBaseURI()
		if err != nil {
			return nil, ingesterrors.New(ingesterrors.Bootstrap, "ingest host not discovered", err)
		}
		base = strings.TrimRight(ingestBase, "/")
	}

	fullURL := base + path
	if len(r.Query) > 0 {
		fullURL += "?" + r.Query.Encode()
	}

	body := r.Body
	gzipped := false
	if r.EnableGzip && *c.cfg.EnableGzipOnAppend && len(body) >= c.cfg.GzipMinBytes {
		compressed, err := gzipCompress(body, int(c.cfg.GzipLevel))
		if err == nil {
			body = compressed
			gzipped = true
		} else {
			logging.Warn("gzip compression failed, sending uncompressed", "error", err)
		}
	}

	result, err := c.send(ctx, r, fullURL, body, gzipped)
	if err != nil {
		if gzipped && result != nil && isGzipRejection(result) {
			logging.Warn("service rejected gzip body, retrying uncompressed once")
			return c.send(ctx, r, fullURL, r.Body, false)
		}
		return nil, err
	}

	return result, nil
}

func (c *Client) send(ctx context.Context, r Request, fullURL string, body []byte, gzipped bool) (*Result, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, ingesterrors.New(ingesterrors.Invariant, "unable to build request", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if r.ContentType != "" {
		req.Header.Set("Content-Type", r.ContentType)
	}
	for k, vs := range r.ExtraHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if r.Stamp != nil {
		r.Stamp(req.Request)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ingesterrors.New(ingesterrors.Invariant, "request canceled", ctx.Err())
		}
		return nil, ingesterrors.New(ingesterrors.Transient, "request failed after retries", err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, ingesterrors.New(ingesterrors.Transient, "unable to read response body", readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Result{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, nil
	}

	return &Result{StatusCode: resp.StatusCode, Body: respBody, Header: resp.Header}, classify(resp.StatusCode, respBody)
}

func isGzipRejection(r *Result) bool {
	if r.StatusCode != http.StatusBadRequest && r.StatusCode != http.StatusUnsupportedMediaType {
		return false
	}
	body := strings.ToLower(string(r.Body))
	return strings.Contains(body, "content-encoding") || strings.Contains(body, "gzip")
}

// classify turns a non-2xx response into a typed error. Retryable statuses
// are classified Transient; everything else is a generic 4xx failure the
// caller (ingest client / channel) interprets further.
func classify(status int, body []byte) error {
	code, msg := parseServiceError(body)
	if isRetryableStatus(status) {
		return ingesterrors.NewHTTP(ingesterrors.Transient, msg, status, code, ingesterrors.Truncate(string(body)))
	}
	return ingesterrors.NewHTTP(ingesterrors.ProtocolMismatch, msg, status, code, ingesterrors.Truncate(string(body)))
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusTooEarly, http.StatusRequestTimeout:
		return true
	}
	return status >= 500
}

// normalizePath enforces a leading slash and collapses repeated trailing
// slashes down to at most one. A single trailing slash is preserved
// rather than stripped: one ingest endpoint (bulk committed-offset
// lookup) requires it literally.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "//") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

func gzipCompress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EscapePathSegment percent-escapes a single path segment for building
// catalog-rooted URLs (database/schema/pipe/channel names).
func EscapePathSegment(s string) string {
	return url.PathEscape(s)
}

// BuildCatalogPath builds a /v2/streaming/databases/{db}/schemas/{sc}/pipes/{p}/channels/{ch}
// style path from percent-escaped segments, skipping empty parts.
func BuildCatalogPath(parts ...string) string {
	escaped := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		escaped = append(escaped, EscapePathSegment(p))
	}
	return "/" + strings.Join(escaped, "/")
}
