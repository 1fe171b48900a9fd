// Package auth implements the service's bootstrap handshake: a key-pair
// signed JWT is exchanged for a short-lived OAuth access token and the
// per-account ingest hostname, both of which are refreshed on demand by
// EnsureReady and reused across every channel the process opens.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/internal/logging"
	"github.com/stacklok/pipestream/keymaterial"
	"github.com/stacklok/pipestream/transport"
)

// Config configures a Provider. AccountBaseURI is the account-level
// endpoint the two bootstrap calls are made against; it is always known
// up front (unlike the discovered ingest hostname).
type Config struct {
	Account        string
	User           string
	AccountBaseURI string
	Signer         *keymaterial.Signer

	// TokenLifetime is stored with its default but not read by the
	// Provider: the signed JWT always claims iat = now-30s and
	// exp = now+9min, and the OAuth access token's lifetime is the one
	// the service reports.
	TokenLifetime time.Duration

	// RefreshSkew is how long before expiry a refresh is triggered.
	RefreshSkew time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.TokenLifetime == 0 {
		cfg.TokenLifetime = 59 * time.Minute
	}
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = time.Minute
	}
	return cfg
}

// Provider is the Authenticator the shared transport.Client depends on. It
// holds the current access token and discovered ingest base URI, and
// refreshes both exactly once per expiry regardless of how many callers
// race into EnsureReady concurrently.
type Provider struct {
	cfg Config
	hc  *transport.Client
	sf  singleflight.Group

	mu            sync.RWMutex
	accessToken   string
	ingestBaseURI string
	expiresAt     time.Time
}

// NewProvider builds a Provider. The transport.Client it will use for its
// own bootstrap calls is supplied later via SetTransport, because that
// same Client is constructed with this Provider as its Authenticator.
func NewProvider(cfg Config) *Provider {
	return &Provider{cfg: cfg.withDefaults()}
}

// SetTransport wires the shared HTTP client this Provider issues its
// bootstrap requests through. Must be called once, before the first
// EnsureReady.
func (p *Provider) SetTransport(hc *transport.Client) {
	p.hc = hc
}

// IsReady reports whether a usable access token and ingest base URI are
// currently held, without triggering a refresh.
func (p *Provider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isReadyLocked()
}

func (p *Provider) isReadyLocked() bool {
	return p.accessToken != "" && time.Now().Add(p.cfg.RefreshSkew).Before(p.expiresAt)
}

// EnsureReady refreshes the access token and ingest base URI if either is
// missing or within RefreshSkew of expiry. Concurrent callers collapse
// onto a single in-flight bootstrap via singleflight.
func (p *Provider) EnsureReady(ctx context.Context) error {
	p.mu.RLock()
	ready := p.isReadyLocked()
	p.mu.RUnlock()
	if ready {
		return nil
	}

	_, err, _ := p.sf.Do("bootstrap", func() (interface{}, error) {
		return nil, p.bootstrap(ctx)
	})
	if err != nil {
		return ingesterrors.New(ingesterrors.Bootstrap, "bootstrap handshake failed", err)
	}
	return nil
}

// IngestBaseURI returns the discovered ingest host's base URI. Returns an
// error if EnsureReady has never succeeded.
func (p *Provider) IngestBaseURI() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ingestBaseURI == "" {
		return "", ingesterrors.New(ingesterrors.Bootstrap, "ingest host not yet discovered", nil)
	}
	return p.ingestBaseURI, nil
}

// Attach stamps req with the current OAuth access token. Callers must
// have already run EnsureReady (transport.Client.Do does this for every
// non-bootstrap request before building it).
func (p *Provider) Attach(req *http.Request) {
	p.mu.RLock()
	token := p.accessToken
	p.mu.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", "OAUTH")
}

// accountUpper applies the `.` → `-` and uppercase transform the service
// expects in the JWT issuer/subject claims.
func accountUpper(account string) string {
	return strings.ToUpper(strings.ReplaceAll(account, ".", "-"))
}

func (p *Provider) signJWT() (string, error) {
	account := accountUpper(p.cfg.Account)
	user := strings.ToUpper(p.cfg.User)
	now := time.Now()

	aud := p.cfg.AccountBaseURI
	if u, err := url.Parse(p.cfg.AccountBaseURI); err == nil && u.Scheme != "" && u.Host != "" {
		aud = u.Scheme + "://" + u.Host
	}

	claims := jwt.MapClaims{
		"iss": fmt.Sprintf("%s.%s.%s", account, user, p.cfg.Signer.Fingerprint()),
		"sub": fmt.Sprintf("%s.%s", account, user),
		"aud": aud,
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
	}
	return p.cfg.Signer.Sign(claims)
}

func jwtStamp(signed string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+signed)
		req.Header.Set("X-Snowflake-Authorization-Token-Type", "KEYPAIR_JWT")
	}
}

func (p *Provider) bootstrap(ctx context.Context) error {
	signed, err := p.signJWT()
	if err != nil {
		return err
	}

	host, err := p.discoverHostname(ctx, signed)
	if err != nil {
		return err
	}

	token, expiresIn, err := p.exchangeToken(ctx, host, signed)
	if err != nil {
		return err
	}

	baseURI := withScheme(host)

	p.mu.Lock()
	p.ingestBaseURI = baseURI
	p.accessToken = token
	if expiresIn <= 0 {
		expiresIn = 3600 // service default when expires_in is omitted
	}
	p.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	p.mu.Unlock()

	logging.Debug("auth bootstrap succeeded", "ingest_base_uri", baseURI)
	return nil
}

// withScheme prefixes host with "https://" if it has no scheme of its
// own, per the bootstrap contract: the discovered hostname is a bare
// host in production, but an httptest-style URI (scheme included) must
// be passed through unchanged. A substring check on "://" is used
// rather than url.Parse, which misreads a bare "host:port" (no scheme
// at all) as scheme "host" with opaque data "port" whenever the part
// before the colon happens to look like a valid scheme.
func withScheme(host string) string {
	if strings.Contains(host, "://") {
		return host
	}
	return "https://" + host
}
