// Package errors provides the standardized error taxonomy shared by every
// transport adapter. Adapters translate transport-native failures into a
// Kind exactly once at the boundary; callers branch on Kind, never on
// error strings.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error with a stable, machine-readable code.
type Kind int

// Error kinds. The string codes are part of the wire contract and must
// not change between releases.
const (
	KindValidation Kind = iota
	KindConfig
	KindSerialization
	KindDeserialization
	KindTransport
	KindConnection
	KindTimeout
	KindRemote
	KindDiscovery
	KindServerNotFound
	KindToolNotFound
	KindFeatureNotEnabled
	KindInternal
)

// Code returns the stable wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "VALIDATION_FAILED"
	case KindConfig:
		return "CONFIG_INVALID"
	case KindSerialization:
		return "SERIALIZATION_FAILED"
	case KindDeserialization:
		return "DESERIALIZATION_FAILED"
	case KindTransport:
		return "TRANSPORT_FAILED"
	case KindConnection:
		return "CONNECTION_FAILED"
	case KindTimeout:
		return "TIMEOUT"
	case KindRemote:
		return "REMOTE_ERROR"
	case KindDiscovery:
		return "DISCOVERY_FAILED"
	case KindServerNotFound:
		return "SERVER_NOT_FOUND"
	case KindToolNotFound:
		return "TOOL_NOT_FOUND"
	case KindFeatureNotEnabled:
		return "FEATURE_NOT_ENABLED"
	case KindInternal:
		return "INTERNAL"
	default:
		return "INTERNAL"
	}
}

// String returns the wire code.
func (k Kind) String() string { return k.Code() }

// KindFromCode resolves a wire code back to its Kind. Unknown codes map
// to KindRemote so a reply carrying an unrecognized code is still
// surfaced verbatim rather than misclassified as a local failure.
func KindFromCode(code string) Kind {
	switch code {
	case "VALIDATION_FAILED":
		return KindValidation
	case "CONFIG_INVALID":
		return KindConfig
	case "SERIALIZATION_FAILED":
		return KindSerialization
	case "DESERIALIZATION_FAILED":
		return KindDeserialization
	case "TRANSPORT_FAILED":
		return KindTransport
	case "CONNECTION_FAILED":
		return KindConnection
	case "TIMEOUT":
		return KindTimeout
	case "REMOTE_ERROR":
		return KindRemote
	case "DISCOVERY_FAILED":
		return KindDiscovery
	case "SERVER_NOT_FOUND":
		return KindServerNotFound
	case "TOOL_NOT_FOUND":
		return KindToolNotFound
	case "FEATURE_NOT_ENABLED":
		return KindFeatureNotEnabled
	case "INTERNAL":
		return KindInternal
	default:
		return KindRemote
	}
}

// Error is the framework error type. Component and Op identify where the
// error was classified; Details carries optional structured context that
// survives serialization into an envelope error.
type Error struct {
	Kind      Kind
	Message   string
	Component string
	Op        string
	Details   json.RawMessage
	Err       error
}

// Error implements the error interface in the
// "component.op: message: cause" format.
func (e *Error) Error() string {
	switch {
	case e.Component != "" && e.Err != nil:
		return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Op, e.Message, e.Err)
	case e.Component != "":
		return fmt.Sprintf("%s.%s: %s", e.Component, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, component, op, message string) *Error {
	return &Error{Kind: kind, Message: message, Component: component, Op: op}
}

// Wrap classifies an existing error. Returns nil for a nil cause so call
// sites can wrap unconditionally. An already classified error passes
// through unchanged: one wrapping layer at the boundary.
func Wrap(err error, kind Kind, component, op, message string) error {
	if err == nil {
		return nil
	}
	var inner *Error
	if stderrors.As(err, &inner) {
		return err
	}
	return &Error{Kind: kind, Message: message, Component: component, Op: op, Err: err}
}

// WithDetails attaches structured context to the error.
func (e *Error) WithDetails(details json.RawMessage) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a failed operation may be attempted again.
// Timeouts are only retryable when the operation is known idempotent;
// the caller supplies that knowledge.
func IsRetryable(err error, idempotent bool) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConnection:
		return true
	case KindTimeout:
		return idempotent
	default:
		return false
	}
}

// RetryPolicy is the user-facing retry hint derived from an error kind.
type RetryPolicy string

// Retry-policy hints surfaced to WASM and CLI consumers.
const (
	RetryNone        RetryPolicy = "none"
	RetryImmediate   RetryPolicy = "immediate_retry"
	RetryLinear      RetryPolicy = "linear_backoff"
	RetryExponential RetryPolicy = "exponential_backoff"
)

// PolicyFor maps an error kind to the retry hint shown to user-facing
// consumers.
func PolicyFor(kind Kind) RetryPolicy {
	switch kind {
	case KindConnection:
		return RetryExponential
	case KindTimeout:
		return RetryLinear
	case KindTransport, KindDiscovery:
		return RetryImmediate
	default:
		return RetryNone
	}
}

// HTTPStatus maps a kind to the HTTP status an adapter serializes it as.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindSerialization, KindDeserialization:
		return http.StatusUnprocessableEntity
	case KindTransport, KindRemote:
		return http.StatusBadGateway
	case KindConnection, KindDiscovery:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindServerNotFound, KindToolNotFound:
		return http.StatusNotFound
	case KindFeatureNotEnabled:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// KindFromHTTPStatus performs the inverse mapping when deserializing a
// transport-level failure.
func KindFromHTTPStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return KindValidation
	case http.StatusNotFound:
		return KindServerNotFound
	case http.StatusUnprocessableEntity:
		return KindDeserialization
	case http.StatusBadGateway:
		return KindTransport
	case http.StatusServiceUnavailable:
		return KindConnection
	case http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusNotImplemented:
		return KindFeatureNotEnabled
	default:
		return KindRemote
	}
}

// GRPCCode maps a kind to the gRPC status code an adapter serializes
// it as.
func GRPCCode(kind Kind) codes.Code {
	switch kind {
	case KindValidation:
		return codes.InvalidArgument
	case KindConfig:
		return codes.FailedPrecondition
	case KindTransport, KindConnection, KindDiscovery:
		return codes.Unavailable
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindRemote:
		return codes.Unknown
	case KindServerNotFound, KindToolNotFound:
		return codes.NotFound
	case KindFeatureNotEnabled:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// KindFromGRPCCode performs the inverse mapping.
func KindFromGRPCCode(code codes.Code) Kind {
	switch code {
	case codes.InvalidArgument:
		return KindValidation
	case codes.FailedPrecondition:
		return KindConfig
	case codes.Unavailable:
		return KindConnection
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.NotFound:
		return KindServerNotFound
	case codes.Unimplemented:
		return KindFeatureNotEnabled
	default:
		return KindRemote
	}
}
