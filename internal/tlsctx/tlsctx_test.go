package tlsctx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSignedPair generates a throwaway ECDSA cert/key pair on disk,
// used as both the leaf certificate and its own CA for these tests.
func writeSelfSignedPair(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+"-cert.pem")
	keyPath = filepath.Join(dir, name+"-key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestBuildRequiresCertificateAndKey(t *testing.T) {
	_, err := Build(Config{Name: "x"})
	assert.Error(t, err)
}

func TestBuildRequiresCAMaterial(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedPair(t, dir, "leaf")

	_, err := Build(Config{
		Name:               "x",
		CertificateFile:    certPath,
		CertificateKeyFile: keyPath,
	})
	assert.Error(t, err)
}

func TestBuildLoadsCertificateAndCAFile(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedPair(t, dir, "leaf")

	ctx, err := Build(Config{
		Name:               "mytls",
		CertificateFile:    certPath,
		CertificateKeyFile: keyPath,
		CACertificateFile:  certPath,
	})
	require.NoError(t, err)
	assert.Equal(t, "mytls", ctx.Name)

	clientCfg := ctx.ClientTLSConfig("upstream.example")
	assert.Equal(t, "upstream.example", clientCfg.ServerName)
	require.Len(t, clientCfg.Certificates, 1)
	assert.NotNil(t, clientCfg.RootCAs)

	serverCfg := ctx.ServerTLSConfig()
	require.Len(t, serverCfg.Certificates, 1)
	assert.NotNil(t, serverCfg.ClientCAs)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)
}

func TestBuildLoadsCAFromDirectory(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedPair(t, dir, "leaf")
	caDir := t.TempDir()
	writeSelfSignedPair(t, caDir, "ca1")

	ctx, err := Build(Config{
		Name:               "mytls",
		CertificateFile:    certPath,
		CertificateKeyFile: keyPath,
		CACertificatePath:  caDir,
	})
	require.NoError(t, err)
	assert.NotNil(t, ctx)
}

func TestResolverFallsBackToDefaultClientThenDefault(t *testing.T) {
	r := NewResolver()
	r.Add(&Context{Name: "defaultclient"})
	_, ok := r.ResolveClient("nonexistent")
	assert.True(t, ok)

	r2 := NewResolver()
	r2.Add(&Context{Name: "default"})
	_, ok = r2.ResolveClient("nonexistent")
	assert.True(t, ok)

	r3 := NewResolver()
	_, ok = r3.ResolveClient("nonexistent")
	assert.False(t, ok)
}

func TestResolverPrefersExplicitNameOverDefaults(t *testing.T) {
	r := NewResolver()
	specific := &Context{Name: "mytls"}
	r.Add(specific)
	r.Add(&Context{Name: "defaultserver"})

	got, ok := r.ResolveServer("mytls")
	require.True(t, ok)
	assert.Same(t, specific, got)
}
