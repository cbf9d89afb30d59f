package mitm

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCAGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	ca, err := LoadCA(dir)
	require.NoError(t, err)
	require.NotNil(t, ca)

	_, err = os.Stat(filepath.Join(dir, "rootCA.pem"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "rootCA-key.pem"))
	assert.NoError(t, err)

	// A second load reuses the persisted root.
	again, err := LoadCA(dir)
	require.NoError(t, err)
	assert.Equal(t, ca.caCert.SerialNumber, again.caCert.SerialNumber)
}

func TestLeafSignedByRoot(t *testing.T) {
	ca, err := LoadCA(t.TempDir())
	require.NoError(t, err)

	leaf, err := ca.Leaf("cdn.oaistatic.com")
	require.NoError(t, err)
	require.Len(t, leaf.Certificate, 2)

	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca.caCert)
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:   pool,
		DNSName: "cdn.oaistatic.com",
	})
	assert.NoError(t, err)

	// Wildcard coverage for subdomains.
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:   pool,
		DNSName: "x.cdn.oaistatic.com",
	})
	assert.NoError(t, err)
}

func TestLeafIsCached(t *testing.T) {
	ca, err := LoadCA(t.TempDir())
	require.NoError(t, err)

	first, err := ca.Leaf("example.com")
	require.NoError(t, err)
	second, err := ca.Leaf("example.com")
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := ca.Leaf("other.com")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestCertPEM(t *testing.T) {
	ca, err := LoadCA(t.TempDir())
	require.NoError(t, err)

	pemBytes := ca.CertPEM()
	assert.Contains(t, string(pemBytes), "BEGIN CERTIFICATE")
}
