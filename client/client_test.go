package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/mcp"
	"github.com/jocax/qollective/transport"
	"github.com/jocax/qollective/transport/rest"
	"github.com/jocax/qollective/transport/ws"
)

func newRESTBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := rest.NewServer(rest.ServerConfig{Port: 8080}, nil)
	require.NoError(t, err)
	require.NoError(t, srv.ReceiveEnvelopeAt("/v1/echo/say",
		func(_ context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			return payload, nil
		}))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"rest only", Config{REST: &RESTOptions{BaseURL: "https://api.example.com"}}, false},
		{"ws only", Config{WS: &WSOptions{URL: "wss://api.example.com/ws"}}, false},
		{"nothing enabled", Config{}, true},
		{"rest without base url", Config{REST: &RESTOptions{}}, true},
		{"ws without url", Config{WS: &WSOptions{}}, true},
		{"mcp over missing rest", Config{MCP: &MCPOptions{Transport: "rest", Endpoint: "/v1/mcp/rpc"}}, true},
		{"mcp bad transport", Config{
			REST: &RESTOptions{BaseURL: "https://api.example.com"},
			MCP:  &MCPOptions{Transport: "grpc", Endpoint: "/v1/mcp/rpc"},
		}, true},
		{"mcp without endpoint", Config{
			REST: &RESTOptions{BaseURL: "https://api.example.com"},
			MCP:  &MCPOptions{Transport: "rest"},
		}, true},
		{"mcp over rest", Config{
			REST: &RESTOptions{BaseURL: "https://api.example.com"},
			MCP:  &MCPOptions{Transport: "rest", Endpoint: "/v1/mcp/rpc"},
		}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.wantErr {
				assert.True(t, errors.IsKind(err, errors.KindConfig))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"tenant":"acme","rest":{"baseUrl":"https://api.example.com","timeoutMs":5000}}`))
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, 5000, cfg.REST.TimeoutMS)

	_, err = ParseConfig([]byte(`{notjson`))
	assert.True(t, errors.IsKind(err, errors.KindConfig))
}

func TestFriendly(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantPolicy string
	}{
		{"connection", errors.New(errors.KindConnection, "t", "op", "refused"), "CONNECTION_FAILED", "exponential_backoff"},
		{"timeout", errors.New(errors.KindTimeout, "t", "op", "slow"), "TIMEOUT", "linear_backoff"},
		{"transport", errors.New(errors.KindTransport, "t", "op", "broken"), "TRANSPORT_FAILED", "immediate_retry"},
		{"validation", errors.New(errors.KindValidation, "t", "op", "bad"), "VALIDATION_FAILED", "none"},
		{"plain error", assert.AnError, "INTERNAL", "none"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ferr := Friendly(test.err)
			require.NotNil(t, ferr)
			assert.Equal(t, test.wantCode, ferr.Code)
			assert.Equal(t, test.wantPolicy, ferr.RetryPolicy)
		})
	}

	assert.Nil(t, Friendly(nil))
}

func TestSendEnvelopeFillsMeta(t *testing.T) {
	ts := newRESTBackend(t)
	c, err := New(Config{Tenant: "acme", REST: &RESTOptions{BaseURL: ts.URL}})
	require.NoError(t, err)

	env := &envelope.AnyEnvelope{Payload: json.RawMessage(`{"msg":"hi"}`)}
	reply, ferr := c.SendEnvelope(context.Background(), transport.ProtocolREST,
		"qollective.echo.say.v1", env)
	require.Nil(t, ferr)

	// Missing meta was filled before sending and echoed back.
	assert.NotEmpty(t, env.Meta.RequestID())
	assert.Equal(t, "acme", env.Meta.Tenant())
	assert.Equal(t, env.Meta.RequestID(), reply.Meta.RequestID())
	assert.JSONEq(t, `{"msg":"hi"}`, string(reply.Payload))
}

func TestFillMetaKeepsExistingValues(t *testing.T) {
	c, err := New(Config{Tenant: "acme", REST: &RESTOptions{BaseURL: "https://api.example.com"}})
	require.NoError(t, err)

	env := envelope.NewRequest(json.RawMessage(`{}`))
	env.Meta.EnsureCore().Tenant = "other"
	before := env.Meta.RequestID()

	c.fillMeta(env)
	assert.Equal(t, before, env.Meta.RequestID())
	assert.Equal(t, "other", env.Meta.Tenant())
}

func TestSendOverREST(t *testing.T) {
	ts := newRESTBackend(t)
	c, err := New(Config{REST: &RESTOptions{BaseURL: ts.URL}})
	require.NoError(t, err)

	reply, ferr := c.Send(context.Background(), transport.ProtocolREST,
		"qollective.echo.say.v1", json.RawMessage(`{"n":1}`))
	require.Nil(t, ferr)
	assert.JSONEq(t, `{"n":1}`, string(reply))
}

func TestSendOverWS(t *testing.T) {
	wsSrv := ws.NewServer(nil, nil)
	require.NoError(t, wsSrv.ReceiveEnvelope(
		func(_ context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
			return payload, nil
		}))
	ts := httptest.NewServer(wsSrv)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	c, err := New(Config{WS: &WSOptions{URL: url}})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	reply, ferr := c.Send(context.Background(), transport.ProtocolWS,
		"qollective.echo.say.v1", json.RawMessage(`{"n":2}`))
	require.Nil(t, ferr)
	assert.JSONEq(t, `{"n":2}`, string(reply))
}

func TestMCPOverREST(t *testing.T) {
	mcpSrv := mcp.NewServer("backend", "1.0.0", nil)
	require.NoError(t, mcpSrv.RegisterTool(mcp.Tool{
		Name:        "ping",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(_ context.Context, _ json.RawMessage) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent("pong")}}, nil
	}))

	restSrv, err := rest.NewServer(rest.ServerConfig{Port: 8080}, nil)
	require.NoError(t, err)
	require.NoError(t, restSrv.ReceiveEnvelopeAt("/v1/mcp/rpc", mcpSrv.TransportHandler()))
	ts := httptest.NewServer(restSrv.Router())
	defer ts.Close()

	c, err := New(Config{
		REST: &RESTOptions{BaseURL: ts.URL},
		MCP:  &MCPOptions{Transport: "rest", Endpoint: "/v1/mcp/rpc"},
	})
	require.NoError(t, err)

	tools, ferr := c.ListTools(context.Background())
	require.Nil(t, ferr)
	require.Len(t, tools, 1)
	assert.Equal(t, "ping", tools[0].Name)

	result, ferr := c.CallTool(context.Background(), "ping", json.RawMessage(`{}`))
	require.Nil(t, ferr)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "pong", result.Content[0].Text)
}

func TestProtocolNotEnabled(t *testing.T) {
	c, err := New(Config{REST: &RESTOptions{BaseURL: "https://api.example.com"}})
	require.NoError(t, err)

	_, ferr := c.Send(context.Background(), transport.ProtocolWS, "qollective.echo.say.v1", nil)
	require.NotNil(t, ferr)
	assert.Equal(t, "FEATURE_NOT_ENABLED", ferr.Code)

	assert.Equal(t, []transport.Protocol{transport.ProtocolREST}, c.Protocols())
}

func TestConnectivityREST(t *testing.T) {
	ts := newRESTBackend(t)
	c, err := New(Config{REST: &RESTOptions{BaseURL: ts.URL}})
	require.NoError(t, err)

	// The backend has no capabilities route, but it answered: reachable.
	assert.Nil(t, c.TestConnectivity(context.Background(), transport.ProtocolREST))

	ts.Close()
	ferr := c.TestConnectivity(context.Background(), transport.ProtocolREST)
	require.NotNil(t, ferr)
	assert.Equal(t, "CONNECTION_FAILED", ferr.Code)
}
