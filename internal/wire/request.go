package wire

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ReadListener receives non-blocking read notifications for a suspended
// exchange.
type ReadListener interface {
	OnDataAvailable() error
	OnAllDataRead() error
	OnError(err error)
}

// AsyncNotifier is installed by the transport so the container can ask for
// the exchange to be dispatched again after a Complete or Dispatch call.
type AsyncNotifier func(ev SocketEvent)

// Request is the transport-level request. It is created and owned by the
// transport and reused across exchanges after Recycle.
type Request struct {
	Method      string
	Scheme      string
	Protocol    string
	ServerName  string
	ServerPort  int
	LocalName   string
	RemoteAddr  string
	QueryString string
	Header      http.Header
	Body        io.Reader

	// RequestURI holds the raw, undecoded request path without the query.
	RequestURI []byte

	// URIDecoded marks in-memory exchanges whose DecodedURI was supplied
	// already decoded and normalized.
	URIDecoded bool

	RemoteUser                   string
	RemoteUserNeedsAuthorization bool
	AuthType                     string
	SSLSessionID                 string

	StartTime time.Time

	decoded    []byte
	attributes map[string]any
	note       any
	worker     string

	readListener ReadListener
	finished     atomic.Bool
	allDataRead  atomic.Bool
	suspended    atomic.Bool
	notifier     AsyncNotifier
}

// NewRequest returns an empty request ready for population.
func NewRequest() *Request {
	return &Request{Header: make(http.Header)}
}

// SetDecodedURI copies b into the request-owned decode buffer. One spare
// byte is reserved so normalization can append a trailing slash in place.
func (r *Request) SetDecodedURI(b []byte) {
	if cap(r.decoded) < len(b)+1 {
		r.decoded = make([]byte, len(b), len(b)+1)
	} else {
		r.decoded = r.decoded[:len(b)]
	}
	copy(r.decoded, b)
}

// DecodedURI returns the decode buffer.
func (r *Request) DecodedURI() []byte {
	return r.decoded
}

// ReplaceDecodedURI swaps in a buffer produced by an in-place transformation
// of DecodedURI.
func (r *Request) ReplaceDecodedURI(b []byte) {
	r.decoded = b
}

// Attribute returns a transport attribute.
func (r *Request) Attribute(name string) (any, bool) {
	v, ok := r.attributes[name]
	return v, ok
}

// SetAttribute stores a transport attribute.
func (r *Request) SetAttribute(name string, v any) {
	if r.attributes == nil {
		r.attributes = make(map[string]any)
	}
	r.attributes[name] = v
}

// Note returns the object the adapter attached to this request.
func (r *Request) Note() any { return r.note }

// SetNote attaches an adapter object to this request.
func (r *Request) SetNote(n any) { r.note = n }

// WorkerName returns the label of the worker processing the request.
func (r *Request) WorkerName() string { return r.worker }

// SetWorkerName labels the worker processing the request.
func (r *Request) SetWorkerName(name string) { r.worker = name }

// ReadListener returns the registered read listener, if any.
func (r *Request) ReadListener() ReadListener { return r.readListener }

// SetReadListener registers a non-blocking read listener.
func (r *Request) SetReadListener(l ReadListener) { r.readListener = l }

// Finished reports whether the request body has been fully consumed.
func (r *Request) Finished() bool { return r.finished.Load() }

// SetFinished marks the request body as fully consumed.
func (r *Request) SetFinished(v bool) { r.finished.Store(v) }

// SendAllDataReadEvent reports true exactly once per exchange. Callers that
// get true own delivery of the all-data-read notification.
func (r *Request) SendAllDataReadEvent() bool {
	return r.allDataRead.CompareAndSwap(false, true)
}

// Suspended reports whether the last adapter exit left the exchange in
// asynchronous mode.
func (r *Request) Suspended() bool { return r.suspended.Load() }

// SetSuspended is written by the adapter at every exit point.
func (r *Request) SetSuspended(v bool) { r.suspended.Store(v) }

// SetAsyncNotifier installs the transport callback used to request a new
// dispatch of a suspended exchange.
func (r *Request) SetAsyncNotifier(n AsyncNotifier) { r.notifier = n }

// Notify forwards ev to the transport. It is a no-op when no notifier is
// installed.
func (r *Request) Notify(ev SocketEvent) {
	if r.notifier != nil {
		r.notifier(ev)
	}
}

// Recycle clears per-exchange state. The note survives so adapter wrappers
// can be reused with the next exchange.
func (r *Request) Recycle() {
	r.Method = ""
	r.Scheme = ""
	r.Protocol = ""
	r.ServerName = ""
	r.ServerPort = 0
	r.LocalName = ""
	r.RemoteAddr = ""
	r.QueryString = ""
	for k := range r.Header {
		delete(r.Header, k)
	}
	r.Body = nil
	r.RequestURI = r.RequestURI[:0]
	r.URIDecoded = false
	r.RemoteUser = ""
	r.RemoteUserNeedsAuthorization = false
	r.AuthType = ""
	r.SSLSessionID = ""
	r.StartTime = time.Time{}
	r.decoded = r.decoded[:0]
	clear(r.attributes)
	r.worker = ""
	r.readListener = nil
	r.finished.Store(false)
	r.allDataRead.Store(false)
	r.suspended.Store(false)
	r.notifier = nil
}

type workerKey struct{}

// WithWorker returns a context carrying the label of the worker that owns the
// exchange.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerKey{}, name)
}

// WorkerFrom returns the worker label stored in ctx.
func WorkerFrom(ctx context.Context) string {
	name, _ := ctx.Value(workerKey{}).(string)
	return name
}
