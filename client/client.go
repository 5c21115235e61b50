// Package client is the multiplexing front-end client. One instance
// speaks any configured subset of rest, ws and mcp, fills in missing
// request metadata, and translates framework errors into friendly
// records a browser or CLI can act on. The wasm build exposes it
// through syscall/js.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/mcp"
	"github.com/jocax/qollective/subject"
	"github.com/jocax/qollective/transport"
	"github.com/jocax/qollective/transport/rest"
	"github.com/jocax/qollective/transport/ws"
)

// RESTOptions enables the REST protocol.
type RESTOptions struct {
	BaseURL   string `json:"baseUrl"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// WSOptions enables the WebSocket protocol. The connection is dialed on
// first use.
type WSOptions struct {
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeoutMs,omitempty"`
}

// MCPOptions enables the MCP protocol over one of the other transports.
type MCPOptions struct {
	Transport string `json:"transport"` // "rest" or "ws"
	Endpoint  string `json:"endpoint"`
	Name      string `json:"name,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Config selects and configures the enabled protocols.
type Config struct {
	Tenant string       `json:"tenant,omitempty"`
	REST   *RESTOptions `json:"rest,omitempty"`
	WS     *WSOptions   `json:"ws,omitempty"`
	MCP    *MCPOptions  `json:"mcp,omitempty"`
}

// ParseConfig decodes a JSON config as passed from JS.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.KindConfig, "client", "ParseConfig",
			"config is not valid JSON")
	}
	return cfg, cfg.Validate()
}

// Validate checks that at least one protocol is enabled and each
// enabled protocol is complete.
func (c Config) Validate() error {
	if c.REST == nil && c.WS == nil && c.MCP == nil {
		return errors.New(errors.KindConfig, "client", "Validate",
			"at least one of rest, ws, mcp must be enabled")
	}
	if c.REST != nil && c.REST.BaseURL == "" {
		return errors.New(errors.KindConfig, "client", "Validate", "rest.baseUrl is required")
	}
	if c.WS != nil && c.WS.URL == "" {
		return errors.New(errors.KindConfig, "client", "Validate", "ws.url is required")
	}
	if c.MCP != nil {
		switch c.MCP.Transport {
		case "rest":
			if c.REST == nil {
				return errors.New(errors.KindConfig, "client", "Validate",
					"mcp over rest requires the rest protocol")
			}
		case "ws":
			if c.WS == nil {
				return errors.New(errors.KindConfig, "client", "Validate",
					"mcp over ws requires the ws protocol")
			}
		default:
			return errors.New(errors.KindConfig, "client", "Validate",
				fmt.Sprintf("mcp.transport %q must be rest or ws", c.MCP.Transport))
		}
		if c.MCP.Endpoint == "" {
			return errors.New(errors.KindConfig, "client", "Validate", "mcp.endpoint is required")
		}
	}
	return nil
}

// FriendlyError is the user-facing error shape. RetryPolicy tells the
// consumer whether and how to retry.
type FriendlyError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RetryPolicy string `json:"retryPolicy"`
}

func (e *FriendlyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Friendly translates any framework error into its user-facing form.
func Friendly(err error) *FriendlyError {
	if err == nil {
		return nil
	}
	kind := errors.KindOf(err)
	return &FriendlyError{
		Code:        kind.Code(),
		Message:     err.Error(),
		RetryPolicy: string(errors.PolicyFor(kind)),
	}
}

// Client multiplexes requests over the enabled protocols.
type Client struct {
	cfg Config

	rest *rest.Client

	wsMu sync.Mutex
	ws   *ws.Client

	mcpMu sync.Mutex
	mcp   *mcp.Client
}

// New builds a client from a validated config. REST is constructed
// eagerly; WS and MCP connect on first use.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg}
	if cfg.REST != nil {
		opts := []rest.ClientOption{}
		if cfg.REST.TimeoutMS > 0 {
			opts = append(opts, rest.WithClientTimeout(time.Duration(cfg.REST.TimeoutMS)*time.Millisecond))
		}
		restClient, err := rest.NewClient(cfg.REST.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		c.rest = restClient
	}
	return c, nil
}

// Protocols lists what this client can speak.
func (c *Client) Protocols() []transport.Protocol {
	var out []transport.Protocol
	if c.cfg.REST != nil {
		out = append(out, transport.ProtocolREST)
	}
	if c.cfg.WS != nil {
		out = append(out, transport.ProtocolWS)
	}
	if c.cfg.MCP != nil {
		out = append(out, transport.ProtocolMCP)
	}
	return out
}

// Send wraps a payload in a fresh envelope and sends it over the named
// protocol.
func (c *Client) Send(ctx context.Context, protocol transport.Protocol, endpoint string, payload json.RawMessage) (json.RawMessage, *FriendlyError) {
	sender, err := c.senderFor(ctx, protocol)
	if err != nil {
		return nil, Friendly(err)
	}
	reply, err := sender.Send(ctx, endpoint, payload)
	if err != nil {
		return nil, Friendly(err)
	}
	return reply, nil
}

// SendEnvelope sends a caller-built envelope, filling in any missing
// request metadata first.
func (c *Client) SendEnvelope(ctx context.Context, protocol transport.Protocol, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, *FriendlyError) {
	sender, err := c.senderFor(ctx, protocol)
	if err != nil {
		return nil, Friendly(err)
	}
	c.fillMeta(env)
	reply, err := sender.SendEnvelope(ctx, endpoint, env)
	if err != nil {
		return nil, Friendly(err)
	}
	return reply, nil
}

// ListTools lists the MCP tools of the configured server.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, *FriendlyError) {
	mcpClient, err := c.ensureMCP(ctx)
	if err != nil {
		return nil, Friendly(err)
	}
	tools, err := mcpClient.ListTools(ctx)
	if err != nil {
		return nil, Friendly(err)
	}
	return tools, nil
}

// CallTool invokes an MCP tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, *FriendlyError) {
	mcpClient, err := c.ensureMCP(ctx)
	if err != nil {
		return nil, Friendly(err)
	}
	result, err := mcpClient.CallTool(ctx, name, args)
	if err != nil {
		return nil, Friendly(err)
	}
	return result, nil
}

// TestConnectivity checks whether the named protocol can reach its
// endpoint. Any answer from the far side counts as reachable; only
// connection-class failures do not.
func (c *Client) TestConnectivity(ctx context.Context, protocol transport.Protocol) *FriendlyError {
	sender, err := c.senderFor(ctx, protocol)
	if err != nil {
		return Friendly(err)
	}

	probe := subject.MustNew(subject.DiscoveryService, "capabilities", "v1").String()
	_, err = sender.SendEnvelope(ctx, probe, envelope.NewRequest(json.RawMessage(`{}`)))
	if err == nil {
		return nil
	}
	switch errors.KindOf(err) {
	case errors.KindConnection, errors.KindTimeout, errors.KindTransport:
		return Friendly(err)
	default:
		// The server answered, even if with an application error.
		return nil
	}
}

// Close tears down any open connections.
func (c *Client) Close() error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		err := c.ws.Close()
		c.ws = nil
		return err
	}
	return nil
}

// fillMeta completes request metadata in place: missing requestId,
// timestamp and version come from a fresh request meta; the configured
// tenant applies when the envelope names none.
func (c *Client) fillMeta(env *envelope.AnyEnvelope) {
	if env.Meta == nil {
		env.Meta = envelope.NewMetaForRequest()
	}
	core := env.Meta.EnsureCore()
	fresh := envelope.NewMetaForRequest().Core
	if core.RequestID == "" {
		core.RequestID = fresh.RequestID
	}
	if core.Timestamp == nil {
		core.Timestamp = fresh.Timestamp
	}
	if core.Version == "" {
		core.Version = fresh.Version
	}
	if core.Tenant == "" && c.cfg.Tenant != "" {
		core.Tenant = c.cfg.Tenant
	}
}

func (c *Client) senderFor(ctx context.Context, protocol transport.Protocol) (transport.Sender, error) {
	switch protocol {
	case transport.ProtocolREST:
		if c.rest == nil {
			return nil, errors.New(errors.KindFeatureNotEnabled, "client", "senderFor",
				"rest protocol is not enabled")
		}
		return c.rest, nil
	case transport.ProtocolWS:
		return c.ensureWS(ctx)
	default:
		return nil, errors.New(errors.KindFeatureNotEnabled, "client", "senderFor",
			fmt.Sprintf("protocol %s is not supported by this client", protocol))
	}
}

func (c *Client) ensureWS(ctx context.Context) (*ws.Client, error) {
	if c.cfg.WS == nil {
		return nil, errors.New(errors.KindFeatureNotEnabled, "client", "ensureWS",
			"ws protocol is not enabled")
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws, nil
	}

	opts := []ws.ClientOption{}
	if c.cfg.WS.TimeoutMS > 0 {
		opts = append(opts, ws.WithClientTimeout(time.Duration(c.cfg.WS.TimeoutMS)*time.Millisecond))
	}
	wsClient, err := ws.Dial(ctx, c.cfg.WS.URL, opts...)
	if err != nil {
		return nil, err
	}
	c.ws = wsClient
	return wsClient, nil
}

func (c *Client) ensureMCP(ctx context.Context) (*mcp.Client, error) {
	if c.cfg.MCP == nil {
		return nil, errors.New(errors.KindFeatureNotEnabled, "client", "ensureMCP",
			"mcp protocol is not enabled")
	}

	c.mcpMu.Lock()
	defer c.mcpMu.Unlock()
	if c.mcp != nil {
		return c.mcp, nil
	}

	var sender transport.Sender
	var err error
	if c.cfg.MCP.Transport == "ws" {
		sender, err = c.ensureWS(ctx)
	} else {
		sender, err = c.senderFor(ctx, transport.ProtocolREST)
	}
	if err != nil {
		return nil, err
	}

	mcpClient, err := mcp.NewClient(sender, c.cfg.MCP.Endpoint)
	if err != nil {
		return nil, err
	}

	name := c.cfg.MCP.Name
	if name == "" {
		name = "qollective-client"
	}
	version := c.cfg.MCP.Version
	if version == "" {
		version = "1.0.0"
	}
	if _, err := mcpClient.Initialize(ctx, mcp.Implementation{Name: name, Version: version}); err != nil {
		return nil, err
	}
	c.mcp = mcpClient
	return mcpClient, nil
}
