package term

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a terminology failure. Each kind maps onto a FHIR
// OperationOutcome issue.code and an HTTP status at the wire layer.
type ErrorKind string

const (
	KindInvalid      ErrorKind = "invalid"
	KindNotFound     ErrorKind = "not-found"
	KindNotSupported ErrorKind = "not-supported"
	KindCircular     ErrorKind = "circular"
	KindTooCostly    ErrorKind = "too-costly"
	KindConflict     ErrorKind = "conflict"
	KindTransport    ErrorKind = "transport"
)

// OpError is the expected-failure type for the terminology core. Unknown
// codes, unsupported filters, budget expiry, and version conflicts are all
// OpErrors; panics are reserved for corrupted caches and invariant breaks.
type OpError struct {
	Kind        ErrorKind
	Message     string
	Diagnostics []string
}

func (e *OpError) Error() string { return e.Message }

// IssueCode returns the FHIR OperationOutcome issue.code for this error.
func (e *OpError) IssueCode() string {
	switch e.Kind {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not-found"
	case KindNotSupported:
		return "not-supported"
	case KindCircular:
		return "processing"
	case KindTooCostly:
		return "too-costly"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "exception"
	}
	return "processing"
}

// HTTPStatus returns the wire status for this error.
func (e *OpError) HTTPStatus() int {
	switch e.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNotSupported:
		return http.StatusBadRequest
	case KindCircular:
		return http.StatusBadRequest
	case KindTooCostly:
		return http.StatusUnprocessableEntity
	case KindConflict:
		return http.StatusConflict
	case KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// NewError builds an OpError with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Invalid reports a malformed input.
func Invalid(format string, args ...interface{}) *OpError {
	return NewError(KindInvalid, format, args...)
}

// NotFound reports an unknown code or resource.
func NotFound(format string, args ...interface{}) *OpError {
	return NewError(KindNotFound, format, args...)
}

// NotSupported reports an operation the target provider cannot perform.
func NotSupported(format string, args ...interface{}) *OpError {
	return NewError(KindNotSupported, format, args...)
}

// TooCostly reports a blown time budget or expansion limit. Diagnostics carry
// the operation log trail.
func TooCostly(message string, diagnostics []string) *OpError {
	return &OpError{Kind: KindTooCostly, Message: message, Diagnostics: diagnostics}
}

// Circular reports a ValueSet import cycle; stack lists the entered URLs.
func Circular(stack []string) *OpError {
	return &OpError{
		Kind:        KindCircular,
		Message:     fmt.Sprintf("Circular reference detected: %v", stack),
		Diagnostics: stack,
	}
}

// AsOpError unwraps err to an *OpError when possible.
func AsOpError(err error) (*OpError, bool) {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

// KindOf returns the ErrorKind of err, or empty for non-OpErrors.
func KindOf(err error) ErrorKind {
	if oe, ok := AsOpError(err); ok {
		return oe.Kind
	}
	return ""
}
