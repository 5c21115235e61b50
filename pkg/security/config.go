// Package security defines the TLS configuration records shared by the
// REST, WebSocket and gRPC adapters and the NATS client.
package security

import (
	"fmt"
	"os"
	"strconv"

	"github.com/jocax/qollective/errors"
)

// VerifyMode selects how a client validates the peer certificate.
type VerifyMode string

// Supported verification modes.
const (
	VerifySystemCA VerifyMode = "system-ca"
	VerifyCustomCA VerifyMode = "custom-ca"
	VerifySkip     VerifyMode = "skip"
	VerifyMutual   VerifyMode = "mutual-tls"
)

// Environment variables overriding TLS fields at load time.
const (
	EnvTLSEnabled    = "QOLLECTIVE_TLS_ENABLED"
	EnvTLSCertPath   = "QOLLECTIVE_TLS_CERT_PATH"
	EnvTLSKeyPath    = "QOLLECTIVE_TLS_KEY_PATH"
	EnvTLSCACertPath = "QOLLECTIVE_TLS_CA_CERT_PATH"
	EnvTLSVerifyMode = "QOLLECTIVE_TLS_VERIFY_MODE"
)

// TLSConfig configures one side of a TLS connection. CertFile/KeyFile
// identify this process; CACertFile is the trust anchor for custom-ca
// and mutual-tls modes.
type TLSConfig struct {
	Enabled    bool       `json:"enabled" yaml:"enabled"`
	VerifyMode VerifyMode `json:"verifyMode,omitempty" yaml:"verifyMode,omitempty"`
	CertFile   string     `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile    string     `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	CACertFile string     `json:"caCertFile,omitempty" yaml:"caCertFile,omitempty"`
	MinVersion string     `json:"minVersion,omitempty" yaml:"minVersion,omitempty"`
}

// Validate checks mode-specific requirements.
func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.VerifyMode {
	case "", VerifySystemCA, VerifySkip:
	case VerifyCustomCA:
		if c.CACertFile == "" {
			return errors.New(errors.KindConfig, "security", "Validate",
				"custom-ca mode requires caCertFile")
		}
	case VerifyMutual:
		if c.CertFile == "" || c.KeyFile == "" {
			return errors.New(errors.KindConfig, "security", "Validate",
				"mutual-tls mode requires certFile and keyFile")
		}
	default:
		return errors.New(errors.KindConfig, "security", "Validate",
			fmt.Sprintf("unknown verify mode %q", c.VerifyMode))
	}
	return nil
}

// ApplyEnvOverrides overrides fields from QOLLECTIVE_TLS_* environment
// variables when set.
func (c *TLSConfig) ApplyEnvOverrides() error {
	if v := os.Getenv(EnvTLSEnabled); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, errors.KindConfig, "security", "ApplyEnvOverrides",
				EnvTLSEnabled+" must be a boolean")
		}
		c.Enabled = enabled
	}
	if v := os.Getenv(EnvTLSCertPath); v != "" {
		c.CertFile = v
	}
	if v := os.Getenv(EnvTLSKeyPath); v != "" {
		c.KeyFile = v
	}
	if v := os.Getenv(EnvTLSCACertPath); v != "" {
		c.CACertFile = v
	}
	if v := os.Getenv(EnvTLSVerifyMode); v != "" {
		c.VerifyMode = VerifyMode(v)
	}
	return c.Validate()
}
