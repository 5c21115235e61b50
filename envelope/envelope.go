// Package envelope defines the strongly-typed message container carried
// by every transport: a layered meta section, an application payload of
// type T, and an optional structured error. The wire form is JSON with
// camelCase keys and null omission; every adapter uses the same codec.
package envelope

import (
	"encoding/json"

	"github.com/jocax/qollective/errors"
)

// Envelope carries one request or response payload plus metadata. An
// envelope is "success" when Error is nil and "error" when it is set;
// readers must branch on that and never treat an error envelope as
// payload-bearing.
type Envelope[T any] struct {
	Meta    *Meta  `json:"meta,omitempty"`
	Payload T      `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// AnyEnvelope is the type-erased form used by adapters and inspection
// tooling; the payload stays raw JSON.
type AnyEnvelope = Envelope[json.RawMessage]

// IsSuccess reports whether the envelope carries a successful payload.
func (e *Envelope[T]) IsSuccess() bool { return e.Error == nil }

// HasError reports whether the envelope carries an error. Always the
// exact negation of IsSuccess.
func (e *Envelope[T]) HasError() bool { return e.Error != nil }

// GetMeta returns the meta section, which may be nil on a bare envelope.
func (e *Envelope[T]) GetMeta() *Meta { return e.Meta }

// GetPayload returns the payload and an error when the envelope is an
// error envelope, so misuse surfaces as a typed error instead of a
// silently zero payload.
func (e *Envelope[T]) GetPayload() (T, error) {
	if e.Error != nil {
		var zero T
		return zero, e.Error.AsFrameworkError("envelope", "GetPayload")
	}
	return e.Payload, nil
}

// GetError returns the error slot, nil for success envelopes.
func (e *Envelope[T]) GetError() *Error { return e.Error }

// Extract splits a success envelope into its meta and payload.
func (e *Envelope[T]) Extract() (*Meta, T, error) {
	payload, err := e.GetPayload()
	if err != nil {
		return e.Meta, payload, err
	}
	return e.Meta, payload, nil
}

// Encode serializes an envelope to its wire form.
func Encode[T any](env *Envelope[T]) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "envelope", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode deserializes an envelope from its wire form.
func Decode[T any](data []byte) (*Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, errors.KindDeserialization, "envelope", "Decode", "unmarshal envelope")
	}
	return &env, nil
}

// ToAny converts a typed envelope into its type-erased form.
func ToAny[T any](env *Envelope[T]) (*AnyEnvelope, error) {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "envelope", "ToAny", "marshal payload")
	}
	return &AnyEnvelope{Meta: env.Meta, Payload: raw, Error: env.Error}, nil
}

// FromAny converts a type-erased envelope into a typed one. Error
// envelopes convert without touching the payload.
func FromAny[T any](any *AnyEnvelope) (*Envelope[T], error) {
	env := &Envelope[T]{Meta: any.Meta, Error: any.Error}
	if any.Error != nil {
		return env, nil
	}
	if len(any.Payload) > 0 {
		if err := json.Unmarshal(any.Payload, &env.Payload); err != nil {
			return nil, errors.Wrap(err, errors.KindDeserialization, "envelope", "FromAny", "unmarshal payload")
		}
	}
	return env, nil
}
