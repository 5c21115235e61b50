// Package a2a provides agent-to-agent messaging in two runtime modes:
// http POSTs envelopes to external agent endpoints through the REST
// client, nats coordinates local agents through the subject
// convention. The mode is fixed by configuration, not negotiated.
package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/pkg/security"
	"github.com/jocax/qollective/pkg/tlsutil"
	"github.com/jocax/qollective/transport"
	"github.com/jocax/qollective/transport/rest"
	transportnats "github.com/jocax/qollective/transport/nats"
)

// Mode selects the A2A routing path.
type Mode string

// Supported modes.
const (
	ModeHTTP Mode = "http"
	ModeNATS Mode = "nats"
)

// AgentCardPath is the well-known location of an agent's self
// description in http mode.
const AgentCardPath = "/.well-known/agent.json"

// AgentCard is the self-description an HTTP agent publishes.
type AgentCard struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	URL          string   `json:"url"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Skills       []Skill  `json:"skills,omitempty"`
}

// Skill is one advertised agent capability.
type Skill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Config configures the A2A transport.
type Config struct {
	Mode    Mode               `json:"mode" yaml:"mode"`
	BaseURL string             `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`
	Timeout time.Duration      `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	TLS     security.TLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Validate checks mode-specific requirements.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeHTTP:
		if c.BaseURL == "" {
			return errors.New(errors.KindConfig, "a2a", "Validate", "http mode requires baseUrl")
		}
	case ModeNATS:
	default:
		return errors.New(errors.KindConfig, "a2a", "Validate",
			fmt.Sprintf("unknown mode %q", c.Mode))
	}
	return nil
}

// Transport is the A2A adapter. It implements transport.Sender in both
// modes, with mode-dependent envelope support.
type Transport struct {
	mode   Mode
	logger *slog.Logger

	// http mode
	restClient *rest.Client
	httpClient *http.Client
	baseURL    string

	// nats mode
	natsTransport *transportnats.Transport
}

// New creates an A2A transport. In nats mode a NATS transport must be
// supplied; in http mode it is ignored.
func New(cfg Config, natsTransport *transportnats.Transport, logger *slog.Logger) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{mode: cfg.Mode, logger: logger}

	switch cfg.Mode {
	case ModeHTTP:
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		restClient, err := rest.NewClient(cfg.BaseURL,
			rest.WithClientTLS(cfg.TLS),
			rest.WithClientTimeout(timeout),
			rest.WithClientLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		t.restClient = restClient
		t.baseURL = strings.TrimRight(cfg.BaseURL, "/")

		httpClient := &http.Client{Timeout: timeout}
		if cfg.TLS.Enabled {
			tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
			if err != nil {
				return nil, err
			}
			httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
		t.httpClient = httpClient

	case ModeNATS:
		if natsTransport == nil {
			return nil, errors.New(errors.KindConfig, "a2a", "New",
				"nats mode requires a NATS transport")
		}
		t.natsTransport = natsTransport
	}

	return t, nil
}

// Mode returns the configured routing mode.
func (t *Transport) Mode() Mode { return t.mode }

// Protocol reports the underlying wire protocol of the active mode.
func (t *Transport) Protocol() transport.Protocol {
	if t.mode == ModeNATS {
		return transport.ProtocolNATS
	}
	return transport.ProtocolREST
}

// Send routes a payload to another agent. Both modes support
// payload-level sends.
func (t *Transport) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	if t.mode == ModeNATS {
		return t.natsTransport.Send(ctx, endpoint, payload)
	}
	return t.restClient.Send(ctx, endpoint, payload)
}

// SendEnvelope forwards a whole envelope to an external agent. Only
// http mode carries caller-built envelopes; in nats mode agent routing
// goes through the NATS adapter directly.
func (t *Transport) SendEnvelope(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	if t.mode == ModeNATS {
		return nil, errors.New(errors.KindFeatureNotEnabled, "a2a", "SendEnvelope",
			"envelope forwarding is not enabled in nats mode")
	}
	return t.restClient.SendEnvelope(ctx, endpoint, env)
}

// FetchAgentCard retrieves the peer's self-description. Only available
// in http mode.
func (t *Transport) FetchAgentCard(ctx context.Context) (*AgentCard, error) {
	if t.mode != ModeHTTP {
		return nil, errors.New(errors.KindFeatureNotEnabled, "a2a", "FetchAgentCard",
			"agent cards are only published by http agents")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+AgentCardPath, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "a2a", "FetchAgentCard", "build request")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConnection, "a2a", "FetchAgentCard",
			fmt.Sprintf("fetch %s", AgentCardPath))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.KindFromHTTPStatus(resp.StatusCode), "a2a", "FetchAgentCard",
			fmt.Sprintf("agent card request returned %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransport, "a2a", "FetchAgentCard", "read body")
	}

	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "a2a", "FetchAgentCard",
			"agent card is not valid JSON")
	}
	return &card, nil
}
