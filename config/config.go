// Package config loads and validates the platform configuration from
// JSON or YAML files, with environment overrides for the TLS settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/retry"
	"github.com/jocax/qollective/pkg/security"
)

// Config is the complete platform configuration.
type Config struct {
	Platform  PlatformConfig  `json:"platform" yaml:"platform"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	TLS       TLSSettings     `json:"tls,omitempty" yaml:"tls,omitempty"`
	REST      RESTConfig      `json:"rest,omitempty" yaml:"rest,omitempty"`
	WS        WSConfig        `json:"ws,omitempty" yaml:"ws,omitempty"`
	GRPC      GRPCConfig      `json:"grpc,omitempty" yaml:"grpc,omitempty"`
	A2A       A2AConfig       `json:"a2a,omitempty" yaml:"a2a,omitempty"`
	Discovery DiscoveryConfig `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	Hybrid    HybridConfig    `json:"hybrid,omitempty" yaml:"hybrid,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// PlatformConfig identifies this deployment.
type PlatformConfig struct {
	ID          string `json:"id" yaml:"id"`
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Region      string `json:"region,omitempty" yaml:"region,omitempty"`
}

// NATSConfig defines the broker connection.
type NATSConfig struct {
	URLs             []string `json:"urls" yaml:"urls"`
	Name             string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects    int      `json:"maxReconnects,omitempty" yaml:"maxReconnects,omitempty"`
	ReconnectWaitMS  int      `json:"reconnectWaitMs,omitempty" yaml:"reconnectWaitMs,omitempty"`
	RequestTimeoutMS int      `json:"requestTimeoutMs,omitempty" yaml:"requestTimeoutMs,omitempty"`
	Username         string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password         string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token            string   `json:"token,omitempty" yaml:"token,omitempty"`
	JetStream        bool     `json:"jetstream,omitempty" yaml:"jetstream,omitempty"`
}

// URL joins the configured broker URLs for the client.
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// TLSSettings carries separate client and server TLS material.
type TLSSettings struct {
	Client security.TLSConfig `json:"client,omitempty" yaml:"client,omitempty"`
	Server security.TLSConfig `json:"server,omitempty" yaml:"server,omitempty"`
}

// RESTConfig configures the REST server adapter.
type RESTConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Port           int      `json:"port,omitempty" yaml:"port,omitempty"`
	MaxBodyBytes   int64    `json:"maxBodyBytes,omitempty" yaml:"maxBodyBytes,omitempty"`
	MaxConnections int      `json:"maxConnections,omitempty" yaml:"maxConnections,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
	ReadTimeoutMS  int      `json:"readTimeoutMs,omitempty" yaml:"readTimeoutMs,omitempty"`
	WriteTimeoutMS int      `json:"writeTimeoutMs,omitempty" yaml:"writeTimeoutMs,omitempty"`
}

// WSConfig configures the WebSocket server adapter.
type WSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Port           int      `json:"port,omitempty" yaml:"port,omitempty"`
	Path           string   `json:"path,omitempty" yaml:"path,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

// GRPCConfig configures the gRPC server adapter.
type GRPCConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port,omitempty" yaml:"port,omitempty"`
}

// A2AConfig configures agent-to-agent routing.
type A2AConfig struct {
	Mode      string `json:"mode,omitempty" yaml:"mode,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	TimeoutMS int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// DiscoveryConfig tunes the catalog cache and health probes.
type DiscoveryConfig struct {
	CacheTTLSeconds int `json:"cacheTtlSeconds,omitempty" yaml:"cacheTtlSeconds,omitempty"`
	HealthTimeoutMS int `json:"healthTimeoutMs,omitempty" yaml:"healthTimeoutMs,omitempty"`
}

// HybridConfig tunes capability detection and fallback retries.
type HybridConfig struct {
	DetectionTimeoutMS  int         `json:"detectionTimeoutMs,omitempty" yaml:"detectionTimeoutMs,omitempty"`
	MaxDetectionRetries int         `json:"maxDetectionRetries,omitempty" yaml:"maxDetectionRetries,omitempty"`
	Retry               RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryConfig is the serializable form of a retry policy.
type RetryConfig struct {
	MaxAttempts    int     `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	InitialDelayMS int     `json:"initialDelayMs,omitempty" yaml:"initialDelayMs,omitempty"`
	MaxDelayMS     int     `json:"maxDelayMs,omitempty" yaml:"maxDelayMs,omitempty"`
	Multiplier     float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter         bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Policy converts the serialized form into a retry policy, filling
// defaults for zero fields.
func (c RetryConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelayMS > 0 {
		policy.InitialDelay = time.Duration(c.InitialDelayMS) * time.Millisecond
	}
	if c.MaxDelayMS > 0 {
		policy.MaxDelay = time.Duration(c.MaxDelayMS) * time.Millisecond
	}
	if c.Multiplier > 0 {
		policy.Multiplier = c.Multiplier
	}
	policy.AddJitter = c.Jitter
	return policy
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Default returns a configuration with working local defaults.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{ID: "qollective-local", Environment: "dev"},
		NATS: NATSConfig{
			URLs:             []string{"nats://localhost:4222"},
			MaxReconnects:    10,
			ReconnectWaitMS:  2000,
			RequestTimeoutMS: 30000,
		},
		REST:      RESTConfig{Enabled: true, Port: 8080},
		WS:        WSConfig{Enabled: true, Port: 8081, Path: "/ws"},
		GRPC:      GRPCConfig{Port: 9090},
		Discovery: DiscoveryConfig{CacheTTLSeconds: 300, HealthTimeoutMS: 2000},
		Hybrid: HybridConfig{
			DetectionTimeoutMS:  5000,
			MaxDetectionRetries: 1,
			Retry:               RetryConfig{MaxAttempts: 3, InitialDelayMS: 100, MaxDelayMS: 5000, Multiplier: 2, Jitter: true},
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9100, Path: "/metrics"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a config file, decoding by extension (.json, .yaml, .yml),
// applies the TLS environment overrides and validates the result.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "config", "Load",
			fmt.Sprintf("read %s", path))
	}

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "config", "Load",
				fmt.Sprintf("parse %s as JSON", path))
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.KindConfig, "config", "Load",
				fmt.Sprintf("parse %s as YAML", path))
		}
	default:
		return nil, errors.New(errors.KindConfig, "config", "Load",
			fmt.Sprintf("unsupported config extension %q, want .json, .yaml or .yml", ext))
	}

	if err := cfg.TLS.Client.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return errors.New(errors.KindConfig, "config", "Validate", "platform.id is required")
	}
	if !isValidIdentifier(c.Platform.ID) {
		return errors.New(errors.KindConfig, "config", "Validate",
			fmt.Sprintf("platform.id %q must be alphanumeric with dots, dashes or underscores", c.Platform.ID))
	}
	if len(c.NATS.URLs) == 0 {
		return errors.New(errors.KindConfig, "config", "Validate", "nats.urls must not be empty")
	}
	for _, url := range c.NATS.URLs {
		if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			return errors.New(errors.KindConfig, "config", "Validate",
				fmt.Sprintf("nats url %q must use the nats:// or tls:// scheme", url))
		}
	}

	for _, port := range []struct {
		name  string
		value int
	}{
		{"rest.port", c.REST.Port},
		{"ws.port", c.WS.Port},
		{"grpc.port", c.GRPC.Port},
		{"metrics.port", c.Metrics.Port},
	} {
		if port.value < 0 || port.value > 65535 {
			return errors.New(errors.KindConfig, "config", "Validate",
				fmt.Sprintf("%s %d is out of range", port.name, port.value))
		}
	}

	if c.A2A.Mode != "" && c.A2A.Mode != "http" && c.A2A.Mode != "nats" {
		return errors.New(errors.KindConfig, "config", "Validate",
			fmt.Sprintf("a2a.mode %q must be http or nats", c.A2A.Mode))
	}
	if c.A2A.Mode == "http" && c.A2A.BaseURL == "" {
		return errors.New(errors.KindConfig, "config", "Validate",
			"a2a.baseUrl is required in http mode")
	}

	if c.Discovery.CacheTTLSeconds < 0 {
		return errors.New(errors.KindConfig, "config", "Validate",
			"discovery.cacheTtlSeconds must not be negative")
	}
	if c.Hybrid.MaxDetectionRetries < 0 {
		return errors.New(errors.KindConfig, "config", "Validate",
			"hybrid.maxDetectionRetries must not be negative")
	}

	if err := c.TLS.Client.Validate(); err != nil {
		return err
	}
	if err := c.TLS.Server.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New(errors.KindConfig, "config", "Validate",
			fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return errors.New(errors.KindConfig, "config", "Validate",
			fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}

	return nil
}

// Clone deep-copies the configuration through its JSON form.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
