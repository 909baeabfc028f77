package tls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed CA-capable certificate for 127.0.0.1
// and returns the cert and key paths.
func writeSelfSigned(t *testing.T, dir, name string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, name+".crt")
	keyPath := filepath.Join(dir, name+".key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func serveTLS(t *testing.T, cfg *tls.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = cfg
	srv.StartTLS()
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, cfg *tls.Config) error {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}, Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
	return nil
}

func TestServerAndClient(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "server")

	serverCfg, err := BuildServer(Config{CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), serverCfg.MinVersion)
	srv := serveTLS(t, serverCfg)

	clientCfg, err := BuildClient(Config{RootCAFile: certPath})
	require.NoError(t, err)
	require.NoError(t, get(t, srv.URL, clientCfg))

	untrusting, err := BuildClient(Config{})
	require.NoError(t, err)
	assert.Error(t, get(t, srv.URL, untrusting))
}

func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "server")
	clientCert, clientKey := writeSelfSigned(t, dir, "client")

	serverCfg, err := BuildServer(Config{CertFile: certPath, KeyFile: keyPath, ClientCAFile: clientCert})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverCfg.ClientAuth)
	srv := serveTLS(t, serverCfg)

	anonymous, err := BuildClient(Config{RootCAFile: certPath})
	require.NoError(t, err)
	assert.Error(t, get(t, srv.URL, anonymous))

	authenticated, err := BuildClient(Config{RootCAFile: certPath, CertFile: clientCert, KeyFile: clientKey})
	require.NoError(t, err)
	require.NoError(t, get(t, srv.URL, authenticated))
}

func TestConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certPath, _ := writeSelfSigned(t, dir, "server")

	_, err := BuildServer(Config{CertFile: certPath})
	assert.Error(t, err)
	_, err = BuildServer(Config{CertFile: certPath, KeyFile: filepath.Join(dir, "missing.key")})
	assert.ErrorContains(t, err, "load server certificate")

	_, err = BuildClient(Config{InsecureSkipVerify: true})
	assert.ErrorContains(t, err, "not permitted")
	_, err = BuildClient(Config{CertFile: certPath})
	assert.ErrorContains(t, err, "both CertFile and KeyFile")

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing here"), 0o600))
	_, err = BuildClient(Config{RootCAFile: empty})
	assert.ErrorContains(t, err, "no certificates found")

	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{CertFile: "x"}.Enabled())
}

func waitReload(t *testing.T, r *CertReloader, until func(error) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-r.reloaded:
			if until(err) {
				return
			}
		case <-deadline:
			t.Fatalf("certificate was not reloaded")
		}
	}
}

func currentDER(t *testing.T, r *CertReloader) []byte {
	t.Helper()
	cert, err := r.GetCertificate(nil)
	require.NoError(t, err)
	require.NotNil(t, cert)
	return cert.Certificate[0]
}

func TestCertReloaderFollowsFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir, "server")

	r, err := NewCertReloader(certPath, keyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	r.delay = 20 * time.Millisecond
	require.NoError(t, r.Watch())
	defer r.Close()

	serverCfg, err := BuildReloadingServer(Config{}, r)
	require.NoError(t, err)
	require.NotNil(t, serverCfg.GetCertificate)

	before := currentDER(t, r)

	// Rotate: write a fresh pair over the old files.
	scratch := t.TempDir()
	newCert, newKey := writeSelfSigned(t, scratch, "server")
	certPEM, err := os.ReadFile(newCert)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(newKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))

	waitReload(t, r, func(err error) bool {
		return err == nil && !bytes.Equal(currentDER(t, r), before)
	})

	rotated := currentDER(t, r)
	require.NoError(t, os.WriteFile(certPath, []byte("garbage"), 0o600))
	waitReload(t, r, func(err error) bool { return err != nil })
	assert.Equal(t, rotated, currentDER(t, r), "a broken pair keeps the previous certificate")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestCertReloaderRequiresPair(t *testing.T) {
	_, err := NewCertReloader("", "", nil)
	assert.Error(t, err)
	_, err = NewCertReloader("/nope.crt", "/nope.key", nil)
	assert.Error(t, err)
}
