package container

import (
	"sync/atomic"
	"time"
)

// Servlet is the application code a wrapper executes.
type Servlet interface {
	Service(req *Request, resp *Response) error
}

// ServletFunc adapts a function to Servlet.
type ServletFunc func(req *Request, resp *Response) error

// Service calls f.
func (f ServletFunc) Service(req *Request, resp *Response) error { return f(req, resp) }

// DefaultServletMethods is what a servlet that declares no methods answers.
var DefaultServletMethods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS", "TRACE"}

// Wrapper binds a servlet inside a context.
type Wrapper struct {
	base
	ctx     *Context
	servlet Servlet
	methods []string

	asyncSupported atomic.Bool
	unavailable    atomic.Bool

	requestCount   atomic.Int64
	errorCount     atomic.Int64
	processingTime atomic.Int64
	maxTime        atomic.Int64
}

// Context returns the owning context.
func (w *Wrapper) Context() *Context { return w.ctx }

// Servlet returns the wrapped servlet.
func (w *Wrapper) Servlet() Servlet { return w.servlet }

// SetMethods declares the HTTP methods the servlet implements.
func (w *Wrapper) SetMethods(methods []string) { w.methods = methods }

// ServletMethods returns the declared methods or the defaults.
func (w *Wrapper) ServletMethods() []string {
	if len(w.methods) > 0 {
		return w.methods
	}
	return DefaultServletMethods
}

// AsyncSupported reports whether the servlet may suspend requests.
func (w *Wrapper) AsyncSupported() bool { return w.asyncSupported.Load() }

// SetAsyncSupported declares async capability of the servlet.
func (w *Wrapper) SetAsyncSupported(v bool) { w.asyncSupported.Store(v) }

// Unavailable reports whether the servlet is out of service.
func (w *Wrapper) Unavailable() bool { return w.unavailable.Load() }

// SetUnavailable takes the servlet in or out of service.
func (w *Wrapper) SetUnavailable(v bool) { w.unavailable.Store(v) }

// Stats is a snapshot of wrapper counters.
type Stats struct {
	Requests       int64         `json:"requests"`
	Errors         int64         `json:"errors"`
	ProcessingTime time.Duration `json:"processing_time"`
	MaxTime        time.Duration `json:"max_time"`
}

// Stats returns the wrapper counters.
func (w *Wrapper) Stats() Stats {
	return Stats{
		Requests:       w.requestCount.Load(),
		Errors:         w.errorCount.Load(),
		ProcessingTime: time.Duration(w.processingTime.Load()),
		MaxTime:        time.Duration(w.maxTime.Load()),
	}
}

func (w *Wrapper) record(d time.Duration) {
	w.processingTime.Add(int64(d))
	for {
		cur := w.maxTime.Load()
		if int64(d) <= cur || w.maxTime.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}
