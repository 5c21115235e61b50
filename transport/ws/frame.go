// Package ws adapts the envelope protocol to WebSocket connections.
// Envelopes travel inside typed frames; concurrent requests on one
// connection are correlated by meta.core.requestId.
package ws

import (
	"encoding/json"

	"github.com/jocax/qollective/envelope"
	"github.com/jocax/qollective/errors"
)

// Frame types.
const (
	FrameEnvelope = "envelope"
	FramePing     = "ping"
	FramePong     = "pong"
)

// Frame is the wire unit. Payload is only present for envelope frames.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame wraps an envelope in an envelope frame.
func EncodeFrame(env *envelope.AnyEnvelope) ([]byte, error) {
	payload, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(Frame{Type: FrameEnvelope, Payload: payload})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "ws", "EncodeFrame", "marshal frame")
	}
	return data, nil
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "ws", "DecodeFrame", "unmarshal frame")
	}
	if f.Type == "" {
		return nil, errors.New(errors.KindDeserialization, "ws", "DecodeFrame", "frame missing type")
	}
	return &f, nil
}

// DecodeEnvelopeFrame parses an envelope frame and its envelope.
func DecodeEnvelopeFrame(data []byte) (*envelope.AnyEnvelope, error) {
	f, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if f.Type != FrameEnvelope {
		return nil, errors.New(errors.KindDeserialization, "ws", "DecodeEnvelopeFrame",
			"frame is not an envelope frame")
	}
	return envelope.Decode[json.RawMessage](f.Payload)
}
