package envelope

import (
	"encoding/json"
	stderrors "errors"

	"github.com/jocax/qollective/errors"
)

// Error is the structured error slot of an envelope. Code is a stable
// machine-readable identifier; Message is for humans. Adapters translate
// Code/HTTPStatusCode into transport-native statuses when serializing.
type Error struct {
	Code           string          `json:"code"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details,omitempty"`
	Trace          string          `json:"trace,omitempty"`
	HTTPStatusCode uint16          `json:"httpStatusCode,omitempty"`
}

// NewError creates an envelope error with a code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorFromKind creates an envelope error from a framework error kind.
func ErrorFromKind(kind errors.Kind, message string) *Error {
	return &Error{
		Code:           kind.Code(),
		Message:        message,
		HTTPStatusCode: uint16(errors.HTTPStatus(kind)),
	}
}

// FromFrameworkError converts a framework error into the wire error
// record, carrying any structured details along.
func FromFrameworkError(err error) *Error {
	if err == nil {
		return nil
	}
	kind := errors.KindOf(err)
	e := &Error{
		Code:           kind.Code(),
		Message:        err.Error(),
		HTTPStatusCode: uint16(errors.HTTPStatus(kind)),
	}
	var fe *errors.Error
	if stderrors.As(err, &fe) && fe.Details != nil {
		e.Details = fe.Details
	}
	return e
}

// Kind resolves the framework kind this wire error maps to.
func (e *Error) Kind() errors.Kind {
	return errors.KindFromCode(e.Code)
}

// AsFrameworkError converts a remote error slot back into a framework
// error so callers see a uniform taxonomy. The remote code is preserved
// in the details.
func (e *Error) AsFrameworkError(component, op string) error {
	if e == nil {
		return nil
	}
	fe := errors.New(errors.KindRemote, component, op, e.Message)
	if details, err := json.Marshal(e); err == nil {
		fe = fe.WithDetails(details)
	}
	return fe
}
