package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeListenerConfig(t *testing.T, path string, port int) {
	t.Helper()
	content := fmt.Sprintf(`
server:
  https:
    enabled: true
    port: %d
    keystore:
      path: server.p12
      password: secret
`, port)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestProviderWatchesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeListenerConfig(t, path, 1111)

	p, err := NewProvider(path, slog.Default())
	require.NoError(t, err)
	defer p.Close()

	sub := p.Subscribe()
	first := <-sub
	assert.Equal(t, 1111, first.Server.HTTPS.Port)

	writeListenerConfig(t, path, 2222)

	select {
	case cfg := <-sub:
		assert.Equal(t, 2222, cfg.Server.HTTPS.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("no config update received")
	}
	assert.Equal(t, 2222, p.Current().Server.HTTPS.Port)
}

func TestProviderKeepsOldConfigOnInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeListenerConfig(t, path, 1111)

	p, err := NewProvider(path, slog.Default())
	require.NoError(t, err)
	defer p.Close()

	// Enabled listener without a keystore path fails validation.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  https:\n    enabled: true\n"), 0o600))

	time.Sleep(5 * reloadDebounce)
	assert.Equal(t, 1111, p.Current().Server.HTTPS.Port)
}

func TestProviderInitialLoadMustSucceed(t *testing.T) {
	_, err := NewProvider(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestProviderIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeListenerConfig(t, path, 1111)

	p, err := NewProvider(path, slog.Default())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("server: {}"), 0o600))

	time.Sleep(5 * reloadDebounce)
	assert.Equal(t, 1111, p.Current().Server.HTTPS.Port)
}
