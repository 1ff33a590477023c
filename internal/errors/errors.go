package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a failure that maps to an HTTP status and can be rendered
// as an error report.
type StatusError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *StatusError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *StatusError) Unwrap() error {
	return e.underlying
}

// Body returns the JSON report for the error.
// Base errors (no details/requestID) use pre-serialized bytes.
func (e *StatusError) Body() []byte {
	if pre, ok := preSerialized[e]; ok {
		return pre
	}
	b, _ := json.Marshal(e)
	return append(b, '\n')
}

// WriteJSON writes the error as JSON to the response.
func (e *StatusError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	w.Write(e.Body())
}

// Common errors
var (
	ErrBadRequest = &StatusError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInvalidURI = &StatusError{
		Code:    http.StatusBadRequest,
		Message: "Invalid URI",
	}

	ErrInvalidURIEncoding = &StatusError{
		Code:    http.StatusBadRequest,
		Message: "Invalid URI character encoding",
	}

	ErrForbidden = &StatusError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNotFound = &StatusError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &StatusError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrTraceNotAllowed = &StatusError{
		Code:    http.StatusMethodNotAllowed,
		Message: "TRACE method is not allowed",
	}

	ErrTooManyRequests = &StatusError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternalServer = &StatusError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrServiceUnavailable = &StatusError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*StatusError][]byte

func init() {
	bases := []*StatusError{
		ErrBadRequest, ErrInvalidURI, ErrInvalidURIEncoding, ErrForbidden,
		ErrNotFound, ErrMethodNotAllowed, ErrTraceNotAllowed,
		ErrTooManyRequests, ErrInternalServer, ErrServiceUnavailable,
	}
	preSerialized = make(map[*StatusError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new StatusError
func New(code int, message string) *StatusError {
	return &StatusError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a status and message
func Wrap(err error, code int, message string) *StatusError {
	return &StatusError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// ForStatus returns the base error for code, or a new one using the standard
// status text.
func ForStatus(code int) *StatusError {
	for e := range preSerialized {
		if e.Code == code && e.Message == http.StatusText(code) {
			return e
		}
	}
	return New(code, http.StatusText(code))
}

// WithDetails adds details to the error
func (e *StatusError) WithDetails(details string) *StatusError {
	return &StatusError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *StatusError) WithRequestID(requestID string) *StatusError {
	return &StatusError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsStatusError finds a StatusError in err's chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
