// Package tlsutil builds crypto/tls configurations from the framework
// security records.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/security"
)

// LoadClientTLSConfig creates a tls.Config for outbound connections.
// Returns nil when TLS is disabled.
func LoadClientTLSConfig(cfg security.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{MinVersion: parseTLSVersion(cfg.MinVersion)}

	switch cfg.VerifyMode {
	case security.VerifySkip:
		// Intentional via config; operators know the implications.
		tlsConfig.InsecureSkipVerify = true

	case security.VerifyCustomCA:
		pool, err := loadCAPool(cfg.CACertFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool

	case security.VerifyMutual:
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "tlsutil", "LoadClientTLSConfig",
				"load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		if cfg.CACertFile != "" {
			pool, err := loadCAPool(cfg.CACertFile)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}

	default:
		// system-ca: crypto/tls uses the system pool when RootCAs is nil.
	}

	return tlsConfig, nil
}

// LoadServerTLSConfig creates a tls.Config for listening sockets.
// Returns nil when TLS is disabled.
func LoadServerTLSConfig(cfg security.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New(errors.KindConfig, "tlsutil", "LoadServerTLSConfig",
			"server TLS requires certFile and keyFile")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "tlsutil", "LoadServerTLSConfig",
			"load server certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	// mutual-tls on a server means requiring verified client certs.
	if cfg.VerifyMode == security.VerifyMutual {
		if cfg.CACertFile == "" {
			return nil, errors.New(errors.KindConfig, "tlsutil", "LoadServerTLSConfig",
				"mutual-tls server requires caCertFile for client verification")
		}
		pool, err := loadCAPool(cfg.CACertFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "tlsutil", "loadCAPool",
			fmt.Sprintf("read CA file %s", caFile))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New(errors.KindConfig, "tlsutil", "loadCAPool",
			fmt.Sprintf("no valid PEM certificates in %s", caFile))
	}
	return pool, nil
}

// parseTLSVersion converts a version string to the crypto/tls constant,
// defaulting to TLS 1.2.
func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2", "":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
