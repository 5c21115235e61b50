// Package grpc adapts the envelope protocol to gRPC unary calls. No
// protobuf definitions exist: a passthrough codec carries the JSON
// envelope bytes verbatim, and service descriptors are built at
// registration time from the subject convention.
package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype of the passthrough codec. Calls use
// content-type application/grpc+qollective-json.
const CodecName = "qollective-json"

// EnvelopeMessage is the single message type on the wire: raw envelope
// JSON.
type EnvelopeMessage struct {
	Data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*EnvelopeMessage)
	if !ok {
		return nil, fmt.Errorf("qollective-json codec: unexpected message type %T", v)
	}
	return msg.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*EnvelopeMessage)
	if !ok {
		return fmt.Errorf("qollective-json codec: unexpected message type %T", v)
	}
	msg.Data = data
	return nil
}

func (rawCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(rawCodec{})
}
