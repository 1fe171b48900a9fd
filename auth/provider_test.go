package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/pipestream/keymaterial"
	"github.com/stacklok/pipestream/transport"
)

func testSigner(t *testing.T) *keymaterial.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	m, err := keymaterial.Parse(pemBytes, "")
	require.NoError(t, err)
	return keymaterial.NewSigner(m)
}

// newTestProvider wires a Provider to a transport.Client pointed at srv,
// exactly how the top-level client composition root would.
func newTestProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p := NewProvider(Config{
		Account:        "ACME",
		User:           "INGESTER",
		AccountBaseURI: srv.URL,
		Signer:         testSigner(t),
	})
	hc := transport.New(srv.URL, p, transport.Config{MaxRetries: 1})
	p.SetTransport(hc)
	return p
}

func TestProvider_Bootstrap_JSONResponses(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.HostnamePath:
			_, _ = w.Write([]byte(`{"ingestHostname":"ingest.example.com"}`))
		case transport.OAuthPath:
			_, _ = w.Write([]byte(`{"access_token":"abc123","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	require.NoError(t, p.EnsureReady(t.Context()))

	base, err := p.IngestBaseURI()
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com", base)

	req, _ := http.NewRequest(http.MethodPost, "http://example/", nil)
	p.Attach(req)
	assert.Equal(t, "Bearer abc123", req.Header.Get("Authorization"))
	assert.Equal(t, "OAUTH", req.Header.Get("X-Snowflake-Authorization-Token-Type"))
}

func TestProvider_Bootstrap_BareStringResponses(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.HostnamePath:
			_, _ = w.Write([]byte(`"ingest.example.com"`))
		case transport.OAuthPath:
			_, _ = w.Write([]byte("header.payload.signature"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	require.NoError(t, p.EnsureReady(t.Context()))

	base, err := p.IngestBaseURI()
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com", base)
}

func TestProvider_Bootstrap_BareHostPortGetsHTTPSPrefix(t *testing.T) {
	t.Parallel()
	var hostSeen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.HostnamePath:
			hostSeen = r.Host
			_, _ = w.Write([]byte(`{"ingestHostname":"` + r.Host + `"}`))
		case transport.OAuthPath:
			_, _ = w.Write([]byte(`{"access_token":"abc123","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	require.NoError(t, p.EnsureReady(t.Context()))

	base, err := p.IngestBaseURI()
	require.NoError(t, err)
	assert.Equal(t, "https://"+hostSeen, base, "a bare host:port must still get the https:// prefix")
}

func TestWithScheme(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://ingest.example.com", withScheme("ingest.example.com"))
	assert.Equal(t, "https://127.0.0.1:54321", withScheme("127.0.0.1:54321"))
	assert.Equal(t, "http://127.0.0.1:54321", withScheme("http://127.0.0.1:54321"))
	assert.Equal(t, "https://ingest.example.com", withScheme("https://ingest.example.com"))
}

func TestProvider_Bootstrap_PlainTextHostname(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.HostnamePath:
			_, _ = w.Write([]byte("ingest.example.com"))
		case transport.OAuthPath:
			_, _ = w.Write([]byte(`access_token=xyz&expires_in=1800`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	require.NoError(t, p.EnsureReady(t.Context()))

	base, err := p.IngestBaseURI()
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.com", base)
}

func TestProvider_EnsureReady_ConcurrentSingleflight(t *testing.T) {
	t.Parallel()
	var hostnameCalls, tokenCalls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.HostnamePath:
			hostnameCalls.Add(1)
			_, _ = w.Write([]byte(`{"ingestHostname":"ingest.example.com"}`))
		case transport.OAuthPath:
			tokenCalls.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"abc123","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, p.EnsureReady(t.Context()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), hostnameCalls.Load())
	assert.Equal(t, int64(1), tokenCalls.Load())
}

func TestProvider_IngestBaseURI_NotReadyBeforeBootstrap(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	_, err := p.IngestBaseURI()
	require.Error(t, err)
}

func TestProvider_EnsureReady_RefreshesNearExpiry(t *testing.T) {
	t.Parallel()
	var tokenCalls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case transport.HostnamePath:
			_, _ = w.Write([]byte(`{"ingestHostname":"ingest.example.com"}`))
		case transport.OAuthPath:
			tokenCalls.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"abc123","expires_in":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewProvider(Config{
		Account:        "ACME",
		User:           "INGESTER",
		AccountBaseURI: srv.URL,
		Signer:         testSigner(t),
		RefreshSkew:    2 * time.Second,
	})
	hc := transport.New(srv.URL, p, transport.Config{MaxRetries: 1})
	p.SetTransport(hc)

	require.NoError(t, p.EnsureReady(t.Context()))
	require.NoError(t, p.EnsureReady(t.Context()))
	assert.Equal(t, int64(2), tokenCalls.Load(), "expiry within skew should trigger a second bootstrap")
}
