package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
	"github.com/jocax/qollective/transport"
)

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*CallToolResult, error)

// PromptHandler renders one prompt.
type PromptHandler func(ctx context.Context, args map[string]string) (*GetPromptResult, error)

// Server holds the tool, resource and prompt catalog and dispatches
// JSON-RPC requests against it.
type Server struct {
	info   Implementation
	logger *slog.Logger

	mu        sync.RWMutex
	tools     map[string]registeredTool
	resources map[string]Resource
	prompts   map[string]registeredPrompt
}

type registeredTool struct {
	tool    Tool
	handler ToolHandler
	schema  *gojsonschema.Schema
}

type registeredPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

// NewServer creates an MCP server.
func NewServer(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		info:      Implementation{Name: name, Version: version},
		logger:    logger,
		tools:     make(map[string]registeredTool),
		resources: make(map[string]Resource),
		prompts:   make(map[string]registeredPrompt),
	}
}

// RegisterTool adds a tool to the catalog. A tool with an input schema
// gets its arguments validated before the handler runs.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return errors.New(errors.KindValidation, "mcp", "RegisterTool", "tool name is required")
	}
	if handler == nil {
		return errors.New(errors.KindValidation, "mcp", "RegisterTool", "nil handler")
	}

	var schema *gojsonschema.Schema
	if len(tool.InputSchema) > 0 {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
		if err != nil {
			return errors.Wrap(err, errors.KindValidation, "mcp", "RegisterTool",
				fmt.Sprintf("invalid input schema for tool %s", tool.Name))
		}
		schema = compiled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; exists {
		return errors.New(errors.KindValidation, "mcp", "RegisterTool",
			fmt.Sprintf("tool %s already registered", tool.Name))
	}
	s.tools[tool.Name] = registeredTool{tool: tool, handler: handler, schema: schema}
	return nil
}

// RegisterResource adds a readable resource.
func (s *Server) RegisterResource(res Resource) error {
	if res.URI == "" {
		return errors.New(errors.KindValidation, "mcp", "RegisterResource", "resource URI is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[res.URI] = res
	return nil
}

// RegisterPrompt adds a prompt template.
func (s *Server) RegisterPrompt(prompt Prompt, handler PromptHandler) error {
	if prompt.Name == "" {
		return errors.New(errors.KindValidation, "mcp", "RegisterPrompt", "prompt name is required")
	}
	if handler == nil {
		return errors.New(errors.KindValidation, "mcp", "RegisterPrompt", "nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[prompt.Name] = registeredPrompt{prompt: prompt, handler: handler}
	return nil
}

// Tools returns the current tool catalog.
func (s *Server) Tools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tools := make([]Tool, 0, len(s.tools))
	for _, rt := range s.tools {
		tools = append(tools, rt.tool)
	}
	return tools
}

// HandleRequest dispatches one JSON-RPC request. It never returns nil
// for a request with an ID.
func (s *Server) HandleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req)
	case MethodListTools:
		return s.respond(req.ID, ListToolsResult{Tools: s.Tools()})
	case MethodCallTool:
		return s.handleCallTool(ctx, req)
	case MethodListResources:
		return s.handleListResources(req)
	case MethodReadResource:
		return s.handleReadResource(req)
	case MethodListPrompts:
		return s.handleListPrompts(req)
	case MethodGetPrompt:
		return s.handleGetPrompt(ctx, req)
	default:
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, "invalid initialize params")
		}
	}

	s.logger.Info("mcp client initialized",
		"client", params.ClientInfo.Name, "protocol", params.ProtocolVersion)

	present := &struct{}{}
	return s.respond(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapabilities{
			Tools:             present,
			Resources:         present,
			Prompts:           present,
			SupportsEnvelopes: true,
		},
		ServerInfo: s.info,
	})
}

func (s *Server) handleCallTool(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid tools/call params")
	}

	s.mu.RLock()
	rt, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("tool %q not found", params.Name))
	}

	if rt.schema != nil {
		args := params.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		result, err := rt.schema.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return NewErrorResponse(req.ID, CodeInvalidParams, "arguments are not valid JSON")
		}
		if !result.Valid() {
			return NewErrorResponse(req.ID, CodeInvalidParams,
				fmt.Sprintf("arguments failed schema validation: %v", result.Errors()))
		}
	}

	result, err := rt.handler(ctx, params.Arguments)
	if err != nil {
		// Tool-level failures stay inside the result so the caller can
		// distinguish them from protocol breakage.
		return s.respond(req.ID, CallToolResult{
			Content: []Content{TextContent(err.Error())},
			IsError: true,
		})
	}
	return s.respond(req.ID, result)
}

func (s *Server) handleListResources(req *Request) *Response {
	s.mu.RLock()
	resources := make([]Resource, 0, len(s.resources))
	for _, res := range s.resources {
		resources = append(resources, res)
	}
	s.mu.RUnlock()
	return s.respond(req.ID, ListResourcesResult{Resources: resources})
}

func (s *Server) handleReadResource(req *Request) *Response {
	var params ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid resources/read params")
	}

	s.mu.RLock()
	res, ok := s.resources[params.URI]
	s.mu.RUnlock()
	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("resource %q not found", params.URI))
	}
	return s.respond(req.ID, ReadResourceResult{Contents: []Resource{res}})
}

func (s *Server) handleListPrompts(req *Request) *Response {
	s.mu.RLock()
	prompts := make([]Prompt, 0, len(s.prompts))
	for _, rp := range s.prompts {
		prompts = append(prompts, rp.prompt)
	}
	s.mu.RUnlock()
	return s.respond(req.ID, ListPromptsResult{Prompts: prompts})
}

func (s *Server) handleGetPrompt(ctx context.Context, req *Request) *Response {
	var params GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid prompts/get params")
	}

	s.mu.RLock()
	rp, ok := s.prompts[params.Name]
	s.mu.RUnlock()
	if !ok {
		return NewErrorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("prompt %q not found", params.Name))
	}

	result, err := rp.handler(ctx, params.Arguments)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}
	return s.respond(req.ID, result)
}

func (s *Server) respond(id *int64, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(id, CodeInternalError, "result could not be encoded")
	}
	return NewResponse(id, data)
}

// TransportHandler adapts the server to the envelope transports: the
// envelope payload is a JSON-RPC frame, the reply payload its response.
func (s *Server) TransportHandler() transport.Handler {
	return func(ctx context.Context, _ *transport.MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error) {
		req, err := DecodeRequest(payload)
		if err != nil {
			resp := NewErrorResponse(nil, CodeParseError, "payload is not a JSON-RPC request")
			data, _ := json.Marshal(resp)
			return data, nil
		}

		resp := s.HandleRequest(ctx, req)
		data, err := json.Marshal(resp)
		if err != nil {
			return nil, envelope.ErrorFromKind(errors.KindSerialization, "response could not be encoded")
		}
		return data, nil
	}
}
