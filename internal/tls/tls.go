// Package tls builds the TLS configuration of the HTTP API and its clients,
// with optional hot reload of the serving certificate.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Config contains shared TLS settings for both client and server contexts.
type Config struct {
	CertFile string
	KeyFile  string
	// ClientCAFile enables mutual TLS on a server: clients must present a
	// certificate signed by one of these CAs.
	ClientCAFile string
	// RootCAFile replaces the system roots on a client.
	RootCAFile         string
	ServerName         string
	InsecureSkipVerify bool
}

// Enabled reports whether a serving certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// BuildServer constructs a TLS configuration for the API listener with a
// fixed certificate.
func BuildServer(cfg Config) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("both cert_file and key_file are required")
	}
	certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	serverConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if err := requireClientCerts(serverConfig, cfg.ClientCAFile); err != nil {
		return nil, err
	}
	return serverConfig, nil
}

// BuildReloadingServer is BuildServer with the certificate served by r, so
// rotated files take effect without a restart.
func BuildReloadingServer(cfg Config, r *CertReloader) (*tls.Config, error) {
	serverConfig := &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
	if err := requireClientCerts(serverConfig, cfg.ClientCAFile); err != nil {
		return nil, err
	}
	return serverConfig, nil
}

// BuildClient constructs a TLS configuration for API clients.
func BuildClient(cfg Config) (*tls.Config, error) {
	if cfg.InsecureSkipVerify {
		return nil, errors.New("insecure skip verify is not permitted")
	}

	clientConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("both CertFile and KeyFile are required when supplying client certificates")
		}
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}

	if cfg.RootCAFile != "" {
		caPool, err := loadCertPool(cfg.RootCAFile)
		if err != nil {
			return nil, err
		}
		clientConfig.RootCAs = caPool
	}
	return clientConfig, nil
}

func requireClientCerts(serverConfig *tls.Config, caFile string) error {
	if caFile == "" {
		return nil
	}
	caPool, err := loadCertPool(caFile)
	if err != nil {
		return err
	}
	serverConfig.ClientCAs = caPool
	serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("resolve CA bundle %q: %w", path, err)
	}
	//nolint:gosec // CA bundle path is operator configuration
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
