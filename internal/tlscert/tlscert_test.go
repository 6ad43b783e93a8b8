package tlscert

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfig_AutoGeneratesAndReuses(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Mode: ModeAuto, AutoDir: dir}

	tlsCfg, desc, err := ServerConfig(cfg, nil)
	require.NoError(t, err)
	assert.Contains(t, desc, "self-signed")
	assert.Equal(t, uint16(tls.VersionTLS13), tlsCfg.MinVersion)

	cert, err := tlsCfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	before, err := os.ReadFile(filepath.Join(dir, "server.crt"))
	require.NoError(t, err)
	_, _, err = ServerConfig(cfg, nil)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, "server.crt"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "a valid pair is reused")
}

func TestServerConfig_AutoRegeneratesForNewHosts(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	require.NoError(t, generate(certPath, keyPath, []string{"localhost"}, time.Now()))

	assert.True(t, reusable(certPath, keyPath, []string{"localhost"}, time.Now()))
	assert.False(t, reusable(certPath, keyPath, []string{"localhost", "pm.internal"}, time.Now()))
	assert.False(t, reusable(certPath, keyPath, []string{"localhost"}, time.Now().Add(400*24*time.Hour)))
}

func TestServerConfig_FileMode(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	require.NoError(t, generate(certPath, keyPath, defaultHosts, time.Now()))

	tlsCfg, desc, err := ServerConfig(Config{Mode: ModeFile, CertFile: certPath, KeyFile: keyPath}, nil)
	require.NoError(t, err)
	assert.Contains(t, desc, certPath)
	_, err = tlsCfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)

	require.NoError(t, os.Chmod(keyPath, 0o644))
	_, _, err = ServerConfig(Config{Mode: ModeFile, CertFile: certPath, KeyFile: keyPath}, nil)
	assert.ErrorContains(t, err, "permissions")
}

func TestServerConfig_RejectsUnknownMode(t *testing.T) {
	_, _, err := ServerConfig(Config{Mode: "acme"}, nil)
	assert.Error(t, err)
}
