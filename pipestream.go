// Package pipestream is the composition root: it wires key material, the
// auth bootstrap provider, the HTTP transport, the typed ingest client,
// and channel construction into the single entry point producer
// applications import.
package pipestream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stacklok/pipestream/auth"
	"github.com/stacklok/pipestream/channel"
	"github.com/stacklok/pipestream/ingestclient"
	"github.com/stacklok/pipestream/ingesterrors"
	"github.com/stacklok/pipestream/keymaterial"
	"github.com/stacklok/pipestream/schema"
	"github.com/stacklok/pipestream/transport"
)

// Account identifies the target account. AccountID and BaseURI are
// derived: AccountID = "{Organization}-{Account}", BaseURI =
// "https://{AccountID}.snowflakecomputing.com".
type Account struct {
	OrganizationName string
	AccountName      string

	// BaseURIOverride, if set, replaces the derived BaseURI entirely.
	// Intended for private-connectivity deployments (PrivateLink/VPC
	// endpoints) and test fixtures that don't resolve against the
	// public snowflakecomputing.com host.
	BaseURIOverride string
}

// AccountID returns the derived "{Organization}-{Account}" identifier.
func (a Account) AccountID() string {
	return fmt.Sprintf("%s-%s", a.OrganizationName, a.AccountName)
}

// BaseURI returns BaseURIOverride if set, else the account's derived
// account-level base URI.
func (a Account) BaseURI() string {
	if a.BaseURIOverride != "" {
		return a.BaseURIOverride
	}
	return fmt.Sprintf("https://%s.snowflakecomputing.com", a.AccountID())
}

// Credential names the principal and key material used to authenticate.
// At least one of PrivateKeyPEM or PrivateKeyPath must be set; when both
// are, PrivateKeyPEM is used.
type Credential struct {
	User                 string
	PrivateKeyPath       string
	PrivateKeyPEM        string
	PrivateKeyPassphrase string
}

func (c Credential) load() (*keymaterial.Material, error) {
	if c.PrivateKeyPEM != "" {
		return keymaterial.Parse([]byte(c.PrivateKeyPEM), c.PrivateKeyPassphrase)
	}
	if c.PrivateKeyPath != "" {
		return keymaterial.Load(c.PrivateKeyPath, c.PrivateKeyPassphrase)
	}
	return nil, ingesterrors.New(ingesterrors.Invariant, "credential requires PrivateKeyPEM or PrivateKeyPath", nil)
}

// Client is the process-wide collaborator set a producer builds once and
// shares across every channel it opens: one auth provider, one HTTP
// transport, one typed ingest client. Per §9's design note, these are
// explicit collaborator objects, not ambient globals.
type Client struct {
	ic       *ingestclient.Client
	provider *auth.Provider
	registry *prometheus.Registry
}

// Option configures optional Client behavior at construction time.
type Option func(*clientOptions)

type clientOptions struct {
	transport transport.Config
	auth      auth.Config
	registry  *prometheus.Registry
}

// WithTransportConfig overrides the default transport.Config (timeouts,
// retry policy, gzip, TLS verification).
func WithTransportConfig(cfg transport.Config) Option {
	return func(o *clientOptions) { o.transport = cfg }
}

// WithTokenLifetime sets auth.Config.TokenLifetime and the skew before
// expiry a refresh is triggered. The lifetime does not change the signed
// JWT's claims, which are always iat = now-30s and exp = now+9min.
func WithTokenLifetime(lifetime, refreshSkew time.Duration) Option {
	return func(o *clientOptions) {
		o.auth.TokenLifetime = lifetime
		o.auth.RefreshSkew = refreshSkew
	}
}

// WithMetrics registers the Prometheus collectors of every channel this
// client opens under registry.
func WithMetrics(registry *prometheus.Registry) Option {
	return func(o *clientOptions) { o.registry = registry }
}

// NewClient builds the shared collaborator set: parses the credential's
// key material, constructs the auth provider, the HTTP transport bound to
// it, and the typed ingest client. No network I/O happens here; the first
// call through the transport triggers the bootstrap handshake.
func NewClient(account Account, cred Credential, opts ...Option) (*Client, error) {
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	material, err := cred.load()
	if err != nil {
		return nil, err
	}
	signer := keymaterial.NewSigner(material)

	authCfg := o.auth
	authCfg.Account = account.AccountID()
	authCfg.User = cred.User
	authCfg.AccountBaseURI = account.BaseURI()
	authCfg.Signer = signer

	provider := auth.NewProvider(authCfg)
	hc := transport.New(account.BaseURI(), provider, o.transport)
	provider.SetTransport(hc)

	ic := ingestclient.New(hc, provider)

	return &Client{ic: ic, provider: provider, registry: o.registry}, nil
}

// ChannelOption configures an opened Channel beyond Config's fields (e.g.
// metrics registration).
type ChannelOption = channel.Option

// OpenChannel opens (creating if absent) the named channel on the named
// pipe over table, and returns it ready for InsertRow/InsertRows. The
// returned Channel shares this Client's auth provider and HTTP transport.
func (c *Client) OpenChannel(ctx context.Context, coords schema.SchemaObjectCoords, cfg channel.Config, opts ...ChannelOption) (*channel.Channel, error) {
	if err := coords.Validate(); err != nil {
		return nil, ingesterrors.New(ingesterrors.Invariant, err.Error(), err)
	}
	if strings.TrimSpace(cfg.Name) == "" || strings.TrimSpace(cfg.Pipe) == "" {
		return nil, ingesterrors.New(ingesterrors.Invariant, "channel config requires Name and Pipe", nil)
	}

	if c.registry != nil {
		opts = append([]ChannelOption{channel.WithMetrics(c.registry)}, opts...)
	}

	ch := channel.New(c.ic, coords, cfg, opts...)
	if err := ch.Open(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

// GetLatestCommittedOffsets performs the bulk committed-offset lookup
// across multiple channels on one pipe in a single round trip. Individual
// Channels use their own per-channel status polling instead; this is
// exposed for callers that want to check many channels at once without
// opening each of them.
func (c *Client) GetLatestCommittedOffsets(ctx context.Context, coords schema.SchemaObjectCoords, pipe string, channels []string) (*ingestclient.CommittedOffsetsResponse, error) {
	return c.ic.GetLatestCommittedOffsets(ctx, coords, pipe, channels)
}
