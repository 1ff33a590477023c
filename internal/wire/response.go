package wire

import (
	"net/http"
	"sync/atomic"
)

// WriteListener receives non-blocking write notifications for a suspended
// exchange.
type WriteListener interface {
	OnWritePossible() error
	OnError(err error)
}

// Sink is the transport's output. http.ResponseWriter satisfies it.
type Sink interface {
	Header() http.Header
	WriteHeader(status int)
	Write(p []byte) (int, error)
}

// Response is the transport-level response paired with a Request.
type Response struct {
	Status  int
	Message string

	sink          Sink
	header        http.Header
	committed     bool
	written       int64
	note          any
	writeListener WriteListener
	errored       atomic.Bool
}

// NewResponse returns a response writing to sink.
func NewResponse(sink Sink) *Response {
	r := &Response{header: make(http.Header), Status: http.StatusOK}
	r.Reset(sink)
	return r
}

// Reset points the response at a new sink.
func (r *Response) Reset(sink Sink) {
	r.sink = sink
}

// Header returns the pending response headers.
func (r *Response) Header() http.Header { return r.header }

// Committed reports whether the status line and headers were sent.
func (r *Response) Committed() bool { return r.committed }

// ContentWritten returns the number of body bytes written.
func (r *Response) ContentWritten() int64 { return r.written }

// Commit sends the status and headers if that has not happened yet.
func (r *Response) Commit() {
	if r.committed || r.sink == nil {
		return
	}
	r.committed = true
	h := r.sink.Header()
	for k, v := range r.header {
		h[k] = v
	}
	r.sink.WriteHeader(r.Status)
}

// Write sends body bytes, committing first.
func (r *Response) Write(p []byte) (int, error) {
	r.Commit()
	if r.sink == nil {
		return 0, http.ErrBodyNotAllowed
	}
	n, err := r.sink.Write(p)
	r.written += int64(n)
	return n, err
}

// Flush commits the response and flushes the sink when it supports it.
func (r *Response) Flush() {
	r.Commit()
	if f, ok := r.sink.(http.Flusher); ok {
		f.Flush()
	}
}

// Note returns the object the adapter attached to this response.
func (r *Response) Note() any { return r.note }

// SetNote attaches an adapter object to this response.
func (r *Response) SetNote(n any) { r.note = n }

// WriteListener returns the registered write listener, if any.
func (r *Response) WriteListener() WriteListener { return r.writeListener }

// SetWriteListener registers a non-blocking write listener.
func (r *Response) SetWriteListener(l WriteListener) { r.writeListener = l }

// IsError reports whether the exchange is in an error state.
func (r *Response) IsError() bool { return r.errored.Load() }

// SetError puts the exchange into an error state. The connection is closed
// once the exchange completes.
func (r *Response) SetError() { r.errored.Store(true) }

// Recycle clears per-exchange state. The note survives.
func (r *Response) Recycle() {
	r.Status = http.StatusOK
	r.Message = ""
	r.sink = nil
	clear(r.header)
	r.committed = false
	r.written = 0
	r.writeListener = nil
	r.errored.Store(false)
}
