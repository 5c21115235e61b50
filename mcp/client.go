package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/transport"
)

// Client speaks MCP over any envelope transport. In enveloped mode the
// JSON-RPC frames travel as envelope payloads so tenant and tracing
// metadata survive; in native mode the peer sees bare frames.
type Client struct {
	sender    transport.Sender
	endpoint  string
	enveloped bool
	nextID    atomic.Int64

	serverInfo   *Implementation
	capabilities *ServerCapabilities
}

// NewClient creates an MCP client over a sender. The endpoint is the
// address the sender understands (a subject for NATS, ignored for a
// dialed WebSocket).
func NewClient(sender transport.Sender, endpoint string) (*Client, error) {
	if sender == nil {
		return nil, errors.New(errors.KindConfig, "mcp", "NewClient", "nil sender")
	}
	return &Client{sender: sender, endpoint: endpoint}, nil
}

// Enveloped reports whether frames are currently wrapped in envelopes.
func (c *Client) Enveloped() bool { return c.enveloped }

// ServerInfo returns the peer identity learned during Initialize.
func (c *Client) ServerInfo() *Implementation { return c.serverInfo }

// Initialize performs the MCP handshake and locks in envelope mode when
// the server advertises supportsEnvelopes.
func (c *Client) Initialize(ctx context.Context, clientInfo Implementation) (*InitializeResult, error) {
	params, err := json.Marshal(InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "mcp", "Initialize", "marshal params")
	}

	raw, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "Initialize", "unmarshal result")
	}

	c.serverInfo = &result.ServerInfo
	c.capabilities = &result.Capabilities
	// Once the server advertises envelope support, bare frames would be
	// a protocol downgrade.
	c.enveloped = result.Capabilities.SupportsEnvelopes
	return &result, nil
}

// ListTools fetches the tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.call(ctx, MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "ListTools", "unmarshal result")
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	params, err := json.Marshal(CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "mcp", "CallTool", "marshal params")
	}

	raw, err := c.call(ctx, MethodCallTool, params)
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "CallTool", "unmarshal result")
	}
	return &result, nil
}

// ListResources fetches the resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.call(ctx, MethodListResources, nil)
	if err != nil {
		return nil, err
	}
	var result ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "ListResources", "unmarshal result")
	}
	return result.Resources, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	params, err := json.Marshal(ReadResourceParams{URI: uri})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "mcp", "ReadResource", "marshal params")
	}

	raw, err := c.call(ctx, MethodReadResource, params)
	if err != nil {
		return nil, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "ReadResource", "unmarshal result")
	}
	return &result, nil
}

// ListPrompts fetches the prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.call(ctx, MethodListPrompts, nil)
	if err != nil {
		return nil, err
	}
	var result ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "ListPrompts", "unmarshal result")
	}
	return result.Prompts, nil
}

// GetPrompt renders one prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*GetPromptResult, error) {
	params, err := json.Marshal(GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "mcp", "GetPrompt", "marshal params")
	}

	raw, err := c.call(ctx, MethodGetPrompt, params)
	if err != nil {
		return nil, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "GetPrompt", "unmarshal result")
	}
	return &result, nil
}

// call performs one JSON-RPC exchange and returns the result bytes.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := NewRequest(c.nextID.Add(1), method, params)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "mcp", "call", "marshal request")
	}

	var replyPayload json.RawMessage
	if c.enveloped {
		env := envelope.NewRequest(json.RawMessage(data))
		reply, err := c.sender.SendEnvelope(ctx, c.endpoint, env)
		if err != nil {
			return nil, err
		}
		if reply.Error != nil {
			return nil, reply.Error.AsFrameworkError("mcp", "call")
		}
		replyPayload = reply.Payload
	} else {
		replyPayload, err = c.sender.Send(ctx, c.endpoint, data)
		if err != nil {
			return nil, err
		}
	}

	var resp Response
	if err := json.Unmarshal(replyPayload, &resp); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "call",
			"reply is not a JSON-RPC response")
	}
	if resp.Error != nil {
		return nil, errors.New(KindFromRPCError(resp.Error), "mcp", "call",
			fmt.Sprintf("%s: %s", method, resp.Error.Message))
	}
	if resp.ID == nil || req.ID == nil || *resp.ID != *req.ID {
		return nil, errors.New(errors.KindValidation, "mcp", "call",
			"response id does not match request")
	}
	return resp.Result, nil
}
