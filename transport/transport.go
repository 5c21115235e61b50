// Package transport defines the Sender and Receiver capabilities every
// wire adapter implements, and the shared server-side dispatch that
// keeps metadata preservation identical across protocols.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
)

// Protocol identifies a wire protocol.
type Protocol string

// Supported protocols.
const (
	ProtocolNATS Protocol = "nats"
	ProtocolREST Protocol = "rest"
	ProtocolWS   Protocol = "ws"
	ProtocolGRPC Protocol = "grpc"
	ProtocolMCP  Protocol = "mcp"
)

// Sender sends payloads or whole envelopes to a named endpoint and
// returns the typed reply. Implementations are cheaply cloneable handles
// over a shared connection.
type Sender interface {
	// Send wraps payload in a fresh request envelope and returns the
	// reply payload.
	Send(ctx context.Context, endpoint string, payload json.RawMessage) (json.RawMessage, error)

	// SendEnvelope sends a caller-built envelope and returns the reply
	// envelope. Remote error envelopes come back as the reply, not as a
	// Go error.
	SendEnvelope(ctx context.Context, endpoint string, env *envelope.AnyEnvelope) (*envelope.AnyEnvelope, error)

	// Protocol identifies the wire protocol of this sender.
	Protocol() Protocol
}

// Receiver binds handlers to routes and dispatches incoming envelopes.
type Receiver interface {
	// ReceiveEnvelope binds the default handler for all routes.
	ReceiveEnvelope(handler Handler) error

	// ReceiveEnvelopeAt binds a handler for one route or subject.
	ReceiveEnvelopeAt(route string, handler Handler) error
}

// Handler consumes a request payload with its message context and
// returns the reply payload or a structured error. The context carries
// caller cancellation; handlers that ignore it may finish but their
// result is discarded.
type Handler func(ctx context.Context, mc *MessageContext, payload json.RawMessage) (json.RawMessage, *envelope.Error)

// MessageContext is the server-side view of request metadata.
type MessageContext struct {
	RequestID string
	Tenant    string
	TraceID   string
	Meta      *envelope.Meta
}

// NewMessageContext derives a message context from request meta.
func NewMessageContext(meta *envelope.Meta) *MessageContext {
	return &MessageContext{
		RequestID: meta.RequestID(),
		Tenant:    meta.Tenant(),
		TraceID:   meta.TraceID(),
		Meta:      meta,
	}
}

// Dispatch runs a handler against a request envelope and wraps the
// result into the response envelope, preserving requestId, tenant and
// traceId and recording the handler duration. Every server adapter
// funnels through here so the preservation rules hold uniformly.
func Dispatch(ctx context.Context, req *envelope.AnyEnvelope, handler Handler) *envelope.AnyEnvelope {
	mc := NewMessageContext(req.Meta)
	start := time.Now()

	result, envErr := handler(ctx, mc, req.Payload)

	// A caller that went away gets nothing; the result is discarded.
	if ctx.Err() != nil {
		envErr = envelope.ErrorFromKind(errors.KindTimeout, "caller cancelled before completion")
	}

	var resp *envelope.AnyEnvelope
	if envErr != nil {
		resp = envelope.NewErrorResponse[json.RawMessage](req.Meta, envErr)
	} else {
		resp = envelope.NewResponse(req.Meta, result)
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	resp.Meta.EnsureCore().DurationMS = &elapsed
	return resp
}

// Call sends a typed payload through any Sender and decodes the typed
// reply.
func Call[T, R any](ctx context.Context, s Sender, endpoint string, payload T) (R, error) {
	var zero R
	raw, err := json.Marshal(payload)
	if err != nil {
		return zero, errors.Wrap(err, errors.KindSerialization, "transport", "Call", "marshal payload")
	}
	reply, err := s.Send(ctx, endpoint, raw)
	if err != nil {
		return zero, err
	}
	var result R
	if err := json.Unmarshal(reply, &result); err != nil {
		return zero, errors.Wrap(err, errors.KindDeserialization, "transport", "Call", "unmarshal reply")
	}
	return result, nil
}

// CallEnvelope sends a typed envelope through any Sender and decodes
// the typed reply envelope.
func CallEnvelope[T, R any](ctx context.Context, s Sender, endpoint string, env *envelope.Envelope[T]) (*envelope.Envelope[R], error) {
	anyEnv, err := envelope.ToAny(env)
	if err != nil {
		return nil, err
	}
	reply, err := s.SendEnvelope(ctx, endpoint, anyEnv)
	if err != nil {
		return nil, err
	}
	return envelope.FromAny[R](reply)
}
