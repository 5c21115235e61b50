package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jocax/qollective/errors"
)

// Builder assembles envelopes fluently. Builders are value-based: each
// With* call mutates only the builder it was called on, and Build copies
// nothing shared. Construction validates structural invariants only and
// performs no I/O.
type Builder[T any] struct {
	meta    *Meta
	payload T
	err     *Error
}

// NewBuilder creates a builder with an empty meta section.
func NewBuilder[T any]() *Builder[T] {
	return &Builder[T]{meta: &Meta{}}
}

// WithPayload sets the payload.
func (b *Builder[T]) WithPayload(payload T) *Builder[T] {
	b.payload = payload
	return b
}

// WithMeta replaces the entire meta section.
func (b *Builder[T]) WithMeta(meta *Meta) *Builder[T] {
	if meta != nil {
		b.meta = meta
	}
	return b
}

// WithTenant sets core.tenant.
func (b *Builder[T]) WithTenant(tenant string) *Builder[T] {
	b.meta.EnsureCore().Tenant = tenant
	return b
}

// WithVersion sets core.version.
func (b *Builder[T]) WithVersion(version string) *Builder[T] {
	b.meta.EnsureCore().Version = version
	return b
}

// WithTimestamp stamps core.timestamp with the current UTC instant at
// millisecond precision.
func (b *Builder[T]) WithTimestamp() *Builder[T] {
	now := time.Now().UTC().Truncate(time.Millisecond)
	b.meta.EnsureCore().Timestamp = &now
	return b
}

// WithRequestID sets core.requestId.
func (b *Builder[T]) WithRequestID(id uuid.UUID) *Builder[T] {
	b.meta.EnsureCore().RequestID = id.String()
	return b
}

// WithNewRequestID sets a fresh random core.requestId.
func (b *Builder[T]) WithNewRequestID() *Builder[T] {
	b.meta.EnsureCore().RequestID = uuid.NewString()
	return b
}

// WithTracing sets the trace and span identity.
func (b *Builder[T]) WithTracing(traceID, spanID string) *Builder[T] {
	tr := b.meta.EnsureTracing()
	tr.TraceID = traceID
	tr.SpanID = spanID
	return b
}

// WithTracingMeta replaces the tracing sub-record.
func (b *Builder[T]) WithTracingMeta(tracing *TracingMeta) *Builder[T] {
	b.meta.Tracing = tracing
	return b
}

// WithSecurity replaces the security sub-record.
func (b *Builder[T]) WithSecurity(security *SecurityMeta) *Builder[T] {
	b.meta.Security = security
	return b
}

// WithPerformance replaces the performance sub-record.
func (b *Builder[T]) WithPerformance(perf *PerformanceMeta) *Builder[T] {
	b.meta.Performance = perf
	return b
}

// WithMonitoring replaces the monitoring sub-record.
func (b *Builder[T]) WithMonitoring(mon *MonitoringMeta) *Builder[T] {
	b.meta.Monitoring = mon
	return b
}

// WithDebug replaces the debug sub-record.
func (b *Builder[T]) WithDebug(debug *DebugMeta) *Builder[T] {
	b.meta.Debug = debug
	return b
}

// WithExtension attaches a namespaced extension value.
func (b *Builder[T]) WithExtension(namespace string, value json.RawMessage) *Builder[T] {
	if b.meta.Extensions == nil {
		b.meta.Extensions = make(map[string]json.RawMessage, 1)
	}
	b.meta.Extensions[namespace] = value
	return b
}

// WithError attaches the error slot for an error envelope.
func (b *Builder[T]) WithError(err *Error) *Builder[T] {
	b.err = err
	return b
}

// Build produces a success envelope. It fails when an error slot has
// been attached: success and error are mutually exclusive.
func (b *Builder[T]) Build() (*Envelope[T], error) {
	if b.err != nil {
		return nil, errors.New(errors.KindValidation, "envelope", "Build",
			"success envelope must not carry an error; use BuildError")
	}
	return &Envelope[T]{Meta: b.meta, Payload: b.payload}, nil
}

// BuildError produces an error envelope. It fails when no error has
// been attached.
func (b *Builder[T]) BuildError() (*Envelope[T], error) {
	if b.err == nil {
		return nil, errors.New(errors.KindValidation, "envelope", "BuildError",
			"error envelope requires an error; use WithError")
	}
	return &Envelope[T]{Meta: b.meta, Error: b.err}, nil
}

// NewRequest is the common shorthand: a success envelope with payload
// and auto-filled request meta.
func NewRequest[T any](payload T) *Envelope[T] {
	return &Envelope[T]{Meta: NewMetaForRequest(), Payload: payload}
}

// NewResponse wraps a handler result in a response envelope, preserving
// requestId, tenant and tracing from the request meta.
func NewResponse[T any](requestMeta *Meta, payload T) *Envelope[T] {
	return &Envelope[T]{Meta: requestMeta.ResponseMeta(), Payload: payload}
}

// NewErrorResponse wraps a handler failure in an error envelope,
// preserving request meta the same way NewResponse does.
func NewErrorResponse[T any](requestMeta *Meta, err *Error) *Envelope[T] {
	return &Envelope[T]{Meta: requestMeta.ResponseMeta(), Error: err}
}
