package tls

import (
	cryptotls "crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "certs", "server.crt")
	keyPath := filepath.Join(dir, "certs", "server.key")

	generated, err := EnsureCertificate(certPath, keyPath, []string{"workflow.local", "127.0.0.1"})
	require.NoError(t, err)
	assert.True(t, generated)

	pair, err := cryptotls.LoadX509KeyPair(certPath, keyPath)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"workflow.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
	assert.WithinDuration(t, time.Now().Add(validity), cert.NotAfter, time.Hour)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	generated, err = EnsureCertificate(certPath, keyPath, nil)
	require.NoError(t, err)
	assert.False(t, generated)
}

func TestEnsureCertificateNeedsHosts(t *testing.T) {
	dir := t.TempDir()
	_, err := EnsureCertificate(filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key"), nil)
	assert.Error(t, err)
}
