package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/transport"
)

// loopSender drives a server handler in-process, exercising the same
// dispatch path the real adapters use.
type loopSender struct {
	handler transport.Handler
}

func (s *loopSender) Protocol() transport.Protocol { return transport.ProtocolMCP }

func (s *loopSender) SendEnvelope(ctx context.Context, _ string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error) {
	return transport.Dispatch(ctx, env, s.handler), nil
}

func (s *loopSender) Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error) {
	reply, err := s.SendEnvelope(ctx, endpoint, envelope.NewRequest(payload))
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, reply.Error.AsFrameworkError("test", "Send")
	}
	return reply.Payload, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("test-server", "1.0.0", nil)

	require.NoError(t, s.RegisterTool(Tool{
		Name:        "get_weather",
		Description: "Current weather for a city",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"city": {"type": "string"}},
			"required": ["city"]
		}`),
	}, func(_ context.Context, args json.RawMessage) (*CallToolResult, error) {
		var in struct {
			City string `json:"city"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		return &CallToolResult{Content: []Content{TextContent("sunny in " + in.City)}}, nil
	}))

	require.NoError(t, s.RegisterTool(Tool{Name: "broken"},
		func(context.Context, json.RawMessage) (*CallToolResult, error) {
			return nil, stderrors.New("backend unreachable")
		}))

	require.NoError(t, s.RegisterResource(Resource{
		URI: "doc://readme", Name: "readme", MimeType: "text/plain", Text: "hello",
	}))

	require.NoError(t, s.RegisterPrompt(Prompt{
		Name:      "summarize",
		Arguments: []PromptArgument{{Name: "topic", Required: true}},
	}, func(_ context.Context, args map[string]string) (*GetPromptResult, error) {
		return &GetPromptResult{Messages: []PromptMessage{
			{Role: "user", Content: TextContent("summarize " + args["topic"])},
		}}, nil
	}))

	return s
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	s := newTestServer(t)
	client, err := NewClient(&loopSender{handler: s.TransportHandler()}, "qollective.mcp.rpc.v1")
	require.NoError(t, err)
	return client
}

func TestInitializeNegotiatesEnvelopes(t *testing.T) {
	client := newTestClient(t)
	assert.False(t, client.Enveloped())

	result, err := client.Initialize(context.Background(), Implementation{Name: "test", Version: "0.1"})
	require.NoError(t, err)

	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "test-server", result.ServerInfo.Name)
	assert.True(t, result.Capabilities.SupportsEnvelopes)
	assert.True(t, client.Enveloped(), "client must switch to envelope mode")
}

func TestListAndCallTool(t *testing.T) {
	client := newTestClient(t)
	_, err := client.Initialize(context.Background(), Implementation{Name: "test", Version: "0.1"})
	require.NoError(t, err)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"get_weather", "broken"}, names)

	result, err := client.CallTool(context.Background(), "get_weather",
		json.RawMessage(`{"city":"Berlin"}`))
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.Equal(t, "sunny in Berlin", result.Content[0].Text)
}

func TestCallToolSchemaValidation(t *testing.T) {
	client := newTestClient(t)

	_, err := client.CallTool(context.Background(), "get_weather", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestCallToolUnknown(t *testing.T) {
	client := newTestClient(t)

	_, err := client.CallTool(context.Background(), "no_such_tool", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindToolNotFound))
}

func TestToolFailureIsResultNotProtocolError(t *testing.T) {
	client := newTestClient(t)

	result, err := client.CallTool(context.Background(), "broken", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "backend unreachable")
}

func TestResources(t *testing.T) {
	client := newTestClient(t)

	resources, err := client.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "doc://readme", resources[0].URI)

	read, err := client.ReadResource(context.Background(), "doc://readme")
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "hello", read.Contents[0].Text)

	_, err = client.ReadResource(context.Background(), "doc://missing")
	assert.True(t, errors.IsKind(err, errors.KindToolNotFound))
}

func TestPrompts(t *testing.T) {
	client := newTestClient(t)

	prompts, err := client.ListPrompts(context.Background())
	require.NoError(t, err)
	require.Len(t, prompts, 1)

	result, err := client.GetPrompt(context.Background(), "summarize",
		map[string]string{"topic": "oceans"})
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "summarize oceans", result.Messages[0].Content.Text)
}

func TestUnknownMethod(t *testing.T) {
	s := newTestServer(t)
	resp := s.HandleRequest(context.Background(), NewRequest(1, "tools/invent", nil))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDecodeRequestValidation(t *testing.T) {
	_, err := DecodeRequest([]byte("not json"))
	assert.True(t, errors.IsKind(err, errors.KindDeserialization))

	_, err = DecodeRequest([]byte(`{"jsonrpc":"1.0","method":"x"}`))
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = DecodeRequest([]byte(`{"jsonrpc":"2.0"}`))
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	req, err := DecodeRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), *req.ID)
}

func TestIdempotentMethods(t *testing.T) {
	assert.True(t, IdempotentMethods[MethodListTools])
	assert.False(t, IdempotentMethods[MethodCallTool], "tool calls may have side effects")
}

func TestRegisterToolInvalidSchema(t *testing.T) {
	s := NewServer("x", "1", nil)
	err := s.RegisterTool(Tool{
		Name:        "bad",
		InputSchema: json.RawMessage(`{"type": 12}`),
	}, func(context.Context, json.RawMessage) (*CallToolResult, error) { return nil, nil })
	assert.Error(t, err)
}
