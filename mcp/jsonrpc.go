// Package mcp implements the Model Context Protocol surface: JSON-RPC
// 2.0 framing, the tool/resource/prompt catalog types, and client and
// server bindings that run over the WebSocket and NATS adapters. The
// JSON-RPC frames ride inside envelopes when the peer supports them
// and bare otherwise.
package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/jocax/qollective/errors"
)

// JSONRPCVersion is the fixed version marker of every frame.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Result and Error are mutually
// exclusive.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error record.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a request frame.
func NewRequest(id int64, method string, params json.RawMessage) *Request {
	return &Request{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: params}
}

// NewResponse creates a success response for a request.
func NewResponse(id *int64, result json.RawMessage) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: result}
}

// NewErrorResponse creates an error response for a request.
func NewErrorResponse(id *int64, code int, message string) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// DecodeRequest parses and validates a request frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "mcp", "DecodeRequest",
			"unmarshal JSON-RPC request")
	}
	if req.JSONRPC != JSONRPCVersion {
		return nil, errors.New(errors.KindValidation, "mcp", "DecodeRequest",
			fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}
	if req.Method == "" {
		return nil, errors.New(errors.KindValidation, "mcp", "DecodeRequest", "missing method")
	}
	return &req, nil
}

// KindFromRPCError maps a JSON-RPC error to the framework taxonomy.
func KindFromRPCError(e *RPCError) errors.Kind {
	switch e.Code {
	case CodeParseError:
		return errors.KindDeserialization
	case CodeInvalidRequest, CodeInvalidParams:
		return errors.KindValidation
	case CodeMethodNotFound:
		return errors.KindToolNotFound
	default:
		return errors.KindRemote
	}
}
