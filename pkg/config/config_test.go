package config

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHTTPS() HTTPSConfig {
	return HTTPSConfig{
		Enabled:  true,
		Port:     8443,
		Keystore: KeystoreConfig{Path: "server.p12", Password: "changeit"},
	}
}

func TestResolveDefaults(t *testing.T) {
	lc, err := validHTTPS().Resolve()
	require.NoError(t, err)

	assert.Equal(t, 8443, lc.Port)
	assert.Equal(t, ClientCertNone, lc.ClientAuth)
	assert.Equal(t, uint16(tls.VersionTLS12), lc.MinVersion)
	assert.Equal(t, DefaultHandshakeTimeout, lc.HandshakeTimeout)
	assert.Equal(t, "server.p12", lc.KeystorePath)
}

func TestResolveRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HTTPSConfig)
		field  string
	}{
		{"disabled", func(c *HTTPSConfig) { c.Enabled = false }, "server.https.enabled"},
		{"port too large", func(c *HTTPSConfig) { c.Port = 70000 }, "server.https.port"},
		{"negative port", func(c *HTTPSConfig) { c.Port = -1 }, "server.https.port"},
		{"missing keystore", func(c *HTTPSConfig) { c.Keystore.Path = " " }, "server.https.keystore.path"},
		{"bad client auth", func(c *HTTPSConfig) { c.ClientAuth = "MAYBE" }, "server.https.client-auth"},
		{"client auth without truststore", func(c *HTTPSConfig) { c.ClientAuth = "REQUIRED" }, "server.https.truststore.path"},
		{"bad min version", func(c *HTTPSConfig) { c.MinTLSVersion = "1.4" }, "server.https.min-tls-version"},
		{"cipher policy with min 1.3", func(c *HTTPSConfig) {
			c.MinTLSVersion = "1.3"
			c.IncludedCipherSuites = "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
		}, "server.https.min-tls-version"},
		{"bad handshake timeout", func(c *HTTPSConfig) { c.HandshakeTimeout = "soon" }, "server.https.handshake-timeout"},
		{"negative handshake timeout", func(c *HTTPSConfig) { c.HandshakeTimeout = "-1s" }, "server.https.handshake-timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validHTTPS()
			tt.mutate(&cfg)

			_, err := cfg.Resolve()
			require.Error(t, err)

			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestResolveMinTLS13WithBlankPolicy(t *testing.T) {
	cfg := validHTTPS()
	cfg.MinTLSVersion = "1.3"
	// Blank lists are no constraint, so there is no policy to contradict.
	cfg.ExcludedCipherSuites = " , ,, "

	lc, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), lc.MinVersion)
}

func TestResolveHandshakeTimeoutDisabled(t *testing.T) {
	cfg := validHTTPS()
	cfg.HandshakeTimeout = "0"

	lc, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Zero(t, lc.HandshakeTimeout)
}

func TestValidateDisabledListenerIsValid(t *testing.T) {
	cfg := HTTPSConfig{Enabled: false}
	assert.NoError(t, cfg.Validate())
}

func TestParseClientCertMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ClientCertMode
		wantErr bool
	}{
		{in: "", want: ClientCertNone},
		{in: "none", want: ClientCertNone},
		{in: "Wanted", want: ClientCertWanted},
		{in: " REQUIRED ", want: ClientCertRequired},
		{in: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseClientCertMode(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClientCertModeMapping(t *testing.T) {
	assert.Equal(t, tls.NoClientCert, ClientCertNone.TLSClientAuth())
	assert.Equal(t, tls.VerifyClientCertIfGiven, ClientCertWanted.TLSClientAuth())
	assert.Equal(t, tls.RequireAndVerifyClientCert, ClientCertRequired.TLSClientAuth())
}

func TestParseTLSVersion(t *testing.T) {
	v, err := ParseTLSVersion("")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), v)

	v, err = ParseTLSVersion("1.0")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS10), v)

	_, err = ParseTLSVersion("1.4")
	require.Error(t, err)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgebind.yaml")
	content := `
server:
  https:
    enabled: true
    port: 0
    keystore:
      path: certs/server.p12
      password: file-secret
    included-cipher-suites: "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("EDGEBIND_KEYSTORE_PASSWORD", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Server.HTTPS.Enabled)
	assert.Equal(t, 0, cfg.Server.HTTPS.Port)
	assert.Equal(t, "env-secret", cfg.Server.HTTPS.Keystore.Password, "environment overrides the file")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "defaults fill unset fields")
}

func TestLoadJSONDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgebind.json")
	content := `{"server":{"https":{"enabled":true,"port":8443,"keystore":{"path":"s.p12"}}}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.HTTPS.Port)
}

func TestLoadFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})

	t.Run("unparseable content", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("invalid listener section", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  https:\n    enabled: true\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keystore.path")
	})
}

func TestConfigValidateAmbientSections(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.SampleRate = 2
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Level = "loud"
	require.Error(t, cfg.Validate())
}
