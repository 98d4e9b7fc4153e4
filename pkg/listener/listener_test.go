package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgebind/edgebind/internal/keystore"
	"github.com/edgebind/edgebind/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStores(t *testing.T) *keystore.TestStores {
	t.Helper()
	ts, err := keystore.GenerateTestStores(t.TempDir(), "integration-secret")
	require.NoError(t, err)
	return ts
}

func baseConfig(ts *keystore.TestStores) config.ListenerConfig {
	return config.ListenerConfig{
		Host:             "127.0.0.1",
		Port:             0,
		KeystorePath:     ts.KeystorePath,
		KeystoreSecret:   ts.Secret,
		ClientAuth:       config.ClientCertNone,
		MinVersion:       tls.VersionTLS12,
		HandshakeTimeout: 5 * time.Second,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	})
}

func startListener(t *testing.T, cfg config.ListenerConfig, handler http.Handler, opts ...Option) *Listener {
	t.Helper()
	if handler == nil {
		handler = okHandler()
	}
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	l, err := New(cfg, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
	return l
}

func rootPool(ts *keystore.TestStores) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ts.CACert)
	return pool
}

func httpsClient(t *testing.T, tlsCfg *tls.Config) *http.Client {
	t.Helper()
	transport := &http.Transport{TLSClientConfig: tlsCfg}
	t.Cleanup(transport.CloseIdleConnections)
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: transport,
	}
}

func TestStartResolvesEphemeralPort(t *testing.T) {
	ts := testStores(t)
	l := startListener(t, baseConfig(ts), nil)

	require.NotNil(t, l.URI())
	assert.Equal(t, "https", l.URI().Scheme)
	assert.Equal(t, "127.0.0.1", l.URI().Hostname())
	assert.NotZero(t, l.Port())
	assert.Equal(t, strconv.Itoa(l.Port()), l.URI().Port())
	require.NotNil(t, l.Addr())
}

func TestWildcardBindYieldsDialableURI(t *testing.T) {
	ts := testStores(t)
	cfg := baseConfig(ts)
	cfg.Host = ""
	l := startListener(t, cfg, nil)

	require.NotNil(t, l.URI())
	assert.Equal(t, "127.0.0.1", l.URI().Hostname())

	client := httpsClient(t, &tls.Config{RootCAs: rootPool(ts)})
	resp, err := client.Get(l.URI().String())
	require.NoError(t, err)
	resp.Body.Close()
}

func TestServeAndStop(t *testing.T) {
	ts := testStores(t)
	l := startListener(t, baseConfig(ts), nil)
	uri := l.URI().String()

	client := httpsClient(t, &tls.Config{RootCAs: rootPool(ts)})
	resp, err := client.Get(uri)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))

	fresh := httpsClient(t, &tls.Config{RootCAs: rootPool(ts)})
	_, err = fresh.Get(uri)
	require.Error(t, err, "a stopped listener must not accept connections")
}

func TestStopIdempotent(t *testing.T) {
	ts := testStores(t)
	l := startListener(t, baseConfig(ts), nil)

	ctx := context.Background()
	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))

	err := l.Start(ctx)
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
}

func TestStopBeforeStart(t *testing.T) {
	ts := testStores(t)
	l, err := New(baseConfig(ts), okHandler(), WithLogger(testLogger()))
	require.NoError(t, err)

	require.NoError(t, l.Stop(context.Background()))

	err = l.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
}

func TestStartTwiceRejected(t *testing.T) {
	ts := testStores(t)
	l := startListener(t, baseConfig(ts), nil)

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
}

func TestStopReleasesPort(t *testing.T) {
	ts := testStores(t)
	l := startListener(t, baseConfig(ts), nil)
	port := l.Port()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Stop(ctx))

	reclaimed, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	reclaimed.Close()
}

func TestNilHandlerRejected(t *testing.T) {
	ts := testStores(t)
	_, err := New(baseConfig(ts), nil)
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
}

func TestMissingKeystoreAbortsBeforeBind(t *testing.T) {
	ts := testStores(t)
	cfg := baseConfig(ts)
	cfg.KeystorePath = filepath.Join(t.TempDir(), "absent.p12")

	l, err := New(cfg, okHandler(), WithLogger(testLogger()))
	require.NoError(t, err)

	err = l.Start(context.Background())
	require.Error(t, err)
	assert.True(t, keystore.IsCredentialError(err))
	assert.Nil(t, l.URI(), "no socket may exist after a credential failure")
	require.NoError(t, l.Stop(context.Background()))
}

func TestWrongKeystoreSecretAbortsBeforeBind(t *testing.T) {
	ts := testStores(t)
	cfg := baseConfig(ts)
	cfg.KeystoreSecret = "not-the-secret"

	l, err := New(cfg, okHandler(), WithLogger(testLogger()))
	require.NoError(t, err)

	err = l.Start(context.Background())
	require.Error(t, err)
	assert.True(t, keystore.IsCredentialError(err))
	assert.Nil(t, l.URI())
}

func TestGarbageKeystoreAbortsBeforeBind(t *testing.T) {
	ts := testStores(t)
	junk := filepath.Join(t.TempDir(), "junk.p12")
	require.NoError(t, os.WriteFile(junk, []byte("this is not a credential container"), 0o600))

	cfg := baseConfig(ts)
	cfg.KeystorePath = junk

	l, err := New(cfg, okHandler(), WithLogger(testLogger()))
	require.NoError(t, err)

	err = l.Start(context.Background())
	require.Error(t, err)
	assert.True(t, keystore.IsCredentialError(err))
	assert.Nil(t, l.URI())
}

func TestConfigRevalidatedAtStart(t *testing.T) {
	ts := testStores(t)

	tests := []struct {
		name   string
		mutate func(*config.ListenerConfig)
		field  string
	}{
		{"missing keystore path", func(c *config.ListenerConfig) { c.KeystorePath = "" }, "keystore.path"},
		{"port out of range", func(c *config.ListenerConfig) { c.Port = 70000 }, "port"},
		{"client auth without truststore", func(c *config.ListenerConfig) {
			c.ClientAuth = config.ClientCertRequired
			c.TruststorePath = ""
		}, "truststore.path"},
		{"negative handshake timeout", func(c *config.ListenerConfig) { c.HandshakeTimeout = -time.Second }, "handshake-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(ts)
			tt.mutate(&cfg)

			l, err := New(cfg, okHandler(), WithLogger(testLogger()))
			require.NoError(t, err)

			err = l.Start(context.Background())
			require.Error(t, err)
			var ce *config.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestBindFailureReportsAddress(t *testing.T) {
	ts := testStores(t)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := baseConfig(ts)
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port

	l, err := New(cfg, okHandler(), WithLogger(testLogger()))
	require.NoError(t, err)

	err = l.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsStartupError(err))
	assert.Nil(t, l.URI())
}

func TestRequestContextCarriesConnID(t *testing.T) {
	ts := testStores(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Conn-ID", ConnID(r.Context()))
		if r.TLS == nil {
			http.Error(w, "no tls state", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, tls.CipherSuiteName(r.TLS.CipherSuite))
	})
	l := startListener(t, baseConfig(ts), handler)

	client := httpsClient(t, &tls.Config{RootCAs: rootPool(ts)})
	resp, err := client.Get(l.URI().String())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.NotEmpty(t, resp.Header.Get("X-Conn-ID"))
	assert.NotEmpty(t, string(body), "the negotiated suite must be visible to handlers")
}

func TestConcurrentRequests(t *testing.T) {
	ts := testStores(t)
	l := startListener(t, baseConfig(ts), nil)
	uri := l.URI().String()

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{RootCAs: rootPool(ts)},
				},
			}
			defer client.CloseIdleConnections()
			resp, err := client.Get(uri)
			if err != nil {
				errs <- err
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent request failed: %v", err)
	}
}
