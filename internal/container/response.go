package container

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/wudi/admission/internal/wire"
)

// ErrCommitted is returned when a response operation needs uncommitted
// headers.
var ErrCommitted = errors.New("response already committed")

const (
	errorNone int32 = iota
	errorReportRequired
	errorReported
)

// Response is the container's view of the outgoing response.
type Response struct {
	wire    *wire.Response
	request *Request

	errorState atomic.Int32
	err        error
	suspended  bool
}

// NewResponse wraps w.
func NewResponse(w *wire.Response) *Response {
	return &Response{wire: w}
}

// Wire returns the transport response.
func (r *Response) Wire() *wire.Response { return r.wire }

// Request returns the paired request.
func (r *Response) Request() *Request { return r.request }

// SetRequest pairs the response with req.
func (r *Response) SetRequest(req *Request) { r.request = req }

// Status returns the response status code.
func (r *Response) Status() int { return r.wire.Status }

// SetStatus sets the status code. It has no effect once committed.
func (r *Response) SetStatus(code int) {
	if r.wire.Committed() {
		return
	}
	r.wire.Status = code
}

// Message returns the status message.
func (r *Response) Message() string { return r.wire.Message }

// Header returns the pending headers.
func (r *Response) Header() http.Header { return r.wire.Header() }

// IsCommitted reports whether the status line was sent.
func (r *Response) IsCommitted() bool { return r.wire.Committed() }

// ContentWritten returns the number of body bytes sent.
func (r *Response) ContentWritten() int64 { return r.wire.ContentWritten() }

// Write sends body bytes. Writes to a suspended response are discarded.
func (r *Response) Write(p []byte) (int, error) {
	if r.suspended {
		return len(p), nil
	}
	return r.wire.Write(p)
}

// IsSuspended reports whether further body writes are discarded.
func (r *Response) IsSuspended() bool { return r.suspended }

// SetSuspended toggles discarding of body writes.
func (r *Response) SetSuspended(v bool) { r.suspended = v }

// SendError sets an error status and marks the response as needing an
// error report. The body is left to the error-report stage.
func (r *Response) SendError(code int, msg string) error {
	if r.wire.Committed() {
		return ErrCommitted
	}
	r.errorState.CompareAndSwap(errorNone, errorReportRequired)
	r.wire.Status = code
	r.wire.Message = msg
	r.suspended = true
	return nil
}

// SendRedirect answers with a temporary redirect to location.
func (r *Response) SendRedirect(location string) error {
	if r.wire.Committed() {
		return ErrCommitted
	}
	r.wire.Header().Set("Location", location)
	r.wire.Status = http.StatusFound
	r.suspended = true
	return nil
}

// SetError records an application failure. The first failure wins.
func (r *Response) SetError(err error) {
	if r.errorState.CompareAndSwap(errorNone, errorReportRequired) {
		r.err = err
	}
}

// Error returns the recorded application failure, if any.
func (r *Response) Error() error { return r.err }

// IsError reports whether an error status or failure was recorded.
func (r *Response) IsError() bool { return r.errorState.Load() != errorNone }

// IsErrorReportRequired reports whether an error still needs a body.
func (r *Response) IsErrorReportRequired() bool {
	return r.errorState.Load() == errorReportRequired
}

// SetErrorReported claims the error report. Only the first caller gets true.
func (r *Response) SetErrorReported() bool {
	return r.errorState.CompareAndSwap(errorReportRequired, errorReported)
}

// WriteReport writes an error body even though the response is suspended.
func (r *Response) WriteReport(contentType string, body []byte) error {
	if r.wire.Committed() {
		return ErrCommitted
	}
	r.wire.Header().Set("Content-Type", contentType)
	_, err := r.wire.Write(body)
	return err
}

// FinishResponse commits the response and flushes buffered output.
func (r *Response) FinishResponse() {
	r.wire.Flush()
}

// Recycle clears all per-exchange state.
func (r *Response) Recycle() {
	r.errorState.Store(errorNone)
	r.err = nil
	r.suspended = false
}
