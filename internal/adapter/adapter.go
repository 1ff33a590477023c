// Package adapter bridges transport exchanges into the container hierarchy.
//
// Service runs one exchange: it normalizes the request URI, maps it to a
// host, context and wrapper, resolves the requested session and invokes the
// engine pipeline. Exchanges that suspend in async mode are resumed through
// AsyncDispatch. Every exit path logs access once and recycles the
// container wrappers, except an exchange that is still cleanly suspended.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/logging"
	"github.com/wudi/admission/internal/metrics"
	"github.com/wudi/admission/internal/tracing"
	"github.com/wudi/admission/internal/uri"
	"github.com/wudi/admission/internal/wire"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultPoweredBy is the X-Powered-By value when none is configured.
var DefaultPoweredBy = "admission go/" + runtime.Version()

// ErrNoExchange is returned by AsyncDispatch for an exchange that never went
// through Service.
var ErrNoExchange = errors.New("dispatch may only happen on an existing request")

var errAsyncIO = errors.New("async I/O error")

const spanAttribute = "admission.span"

// Mapper resolves a server name and decoded path into md.
type Mapper interface {
	Map(serverName, uri, version string, md *container.MappingData)
}

// Config holds the connector settings applied before mapping, and the
// collaborators the adapter reports to. Nil collaborators are allowed.
type Config struct {
	Scheme            string
	Secure            bool
	ProxyName         string
	ProxyPort         int
	AllowTrace        bool
	AllowBackslash    bool
	AllowEncodedSlash bool
	URIEncoding       string
	UseIPVHosts       bool
	XPoweredBy        bool
	PoweredBy         string

	// PausedRetryInterval caps each wait for a paused context.
	PausedRetryInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Collector
	Tracer  *tracing.Tracer
}

// ConfigFrom builds an adapter Config from the daemon configuration.
func ConfigFrom(c config.ConnectorConfig, e config.EngineConfig) Config {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return Config{
		Scheme:              scheme,
		Secure:              c.Secure,
		ProxyName:           c.ProxyName,
		ProxyPort:           c.ProxyPort,
		AllowTrace:          c.AllowTrace,
		AllowBackslash:      c.AllowBackslash,
		AllowEncodedSlash:   c.AllowEncodedSlash,
		URIEncoding:         c.URIEncoding,
		UseIPVHosts:         c.UseIPVHosts,
		XPoweredBy:          c.XPoweredBy,
		PausedRetryInterval: e.PausedRetryInterval,
	}
}

// Adapter services exchanges for one connector.
type Adapter struct {
	cfg       Config
	engine    *container.Engine
	mapper    Mapper
	converter *uri.Converter
	logger    *zap.Logger
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	stopping  atomic.Bool
}

// New returns an adapter dispatching into engine using m for mapping.
func New(cfg Config, engine *container.Engine, m Mapper) (*Adapter, error) {
	if engine == nil || m == nil {
		return nil, errors.New("adapter: engine and mapper are required")
	}
	conv, err := uri.NewConverter(cfg.URIEncoding)
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.PausedRetryInterval <= 0 {
		cfg.PausedRetryInterval = time.Second
	}
	if cfg.PoweredBy == "" {
		cfg.PoweredBy = DefaultPoweredBy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Global()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &Adapter{
		cfg:       cfg,
		engine:    engine,
		mapper:    m,
		converter: conv,
		logger:    logger.Named("adapter"),
		metrics:   cfg.Metrics,
		tracer:    tracer,
	}, nil
}

// Engine returns the engine the adapter dispatches into.
func (a *Adapter) Engine() *container.Engine { return a.engine }

// Stopping marks the connector as shutting down. Unrecycled exchanges found
// afterwards are expected and logged at debug level only.
func (a *Adapter) Stopping() { a.stopping.Store(true) }

// wrappers returns the container wrappers attached to the wire exchange,
// creating and attaching them on first use.
func (a *Adapter) wrappers(wreq *wire.Request, wresp *wire.Response) (*container.Request, *container.Response) {
	req, _ := wreq.Note().(*container.Request)
	resp, _ := wresp.Note().(*container.Response)
	if req != nil && resp != nil {
		return req, resp
	}
	req = container.NewRequest(wreq)
	resp = container.NewResponse(wresp)
	req.SetResponse(resp)
	resp.SetRequest(req)
	wreq.SetNote(req)
	wresp.SetNote(resp)
	return req, resp
}

// Service processes one exchange from the transport. When it returns with
// the wire request suspended the exchange continues through AsyncDispatch.
func (a *Adapter) Service(ctx context.Context, wreq *wire.Request, wresp *wire.Response) {
	req, resp := a.wrappers(wreq, wresp)

	if a.cfg.XPoweredBy {
		wresp.Header().Add("X-Powered-By", a.cfg.PoweredBy)
	}

	ctx, span := a.tracer.StartExchange(ctx, wreq.Method, wreq.ServerName, string(wreq.RequestURI), wreq.Header)
	if span.IsRecording() {
		req.SetAttribute(spanAttribute, span)
		if id := tracing.TraceID(ctx); id != "" {
			wresp.Header().Set(tracing.TraceIDHeader, id)
		}
	}
	req.SetContext(ctx)

	async := false
	postParseSuccess := false

	wreq.SetWorkerName(wire.WorkerFrom(ctx))
	defer func() {
		// A suspended exchange whose listener already failed ends here.
		ended := !async || wresp.IsError()
		if ended {
			elapsed := sinceStart(wreq)
			if postParseSuccess {
				// Rejections were logged where they were detected.
				req.MappedContext().LogAccess(req, resp, elapsed, false)
			}
			a.complete(req, resp, elapsed)
		}

		wreq.SetWorkerName("")
		wreq.SetSuspended(!ended)
		if ended {
			req.Recycle()
			resp.Recycle()
		}
	}()

	postParseSuccess = a.postParse(wreq, req, wresp, resp)
	if postParseSuccess {
		req.SetAsyncSupported(a.engine.Pipeline().AsyncSupported())
		if err := a.invoke(req, resp); err != nil {
			resp.SetError(err)
			resp.SetStatus(500)
		}
	}

	if req.IsAsync() {
		async = true
		cause := errAsyncIO
		rl := wreq.ReadListener()
		if rl != nil && req.IsFinished() && wreq.SendAllDataReadEvent() {
			// The body may have been consumed entirely during Service.
			if err := call(rl.OnAllDataRead); err != nil {
				rl.OnError(err)
				wresp.SetError()
				cause = err
			}
		}
		if !wresp.IsError() {
			return
		}
		if ac := req.AsyncContext(); ac != nil {
			ac.SetErrorState(cause, true)
		}
		req.MappedContext().FireRequestDestroyed(req)
		resp.SetSuspended(false)
	}

	req.FinishRequest()
	resp.FinishResponse()
}

// AsyncDispatch resumes a suspended exchange for ev. It reports false when
// the exchange failed and its connection should be closed.
func (a *Adapter) AsyncDispatch(ctx context.Context, wreq *wire.Request, wresp *wire.Response, ev wire.SocketEvent) (bool, error) {
	req, _ := wreq.Note().(*container.Request)
	resp, _ := wresp.Note().(*container.Response)
	if req == nil || resp == nil {
		return false, ErrNoExchange
	}

	success := true
	wreq.SetWorkerName(wire.WorkerFrom(ctx))

	defer func() {
		if !success {
			resp.SetStatus(500)
		}
		stillAsync := req.IsAsync()
		if !success || !stillAsync {
			elapsed := sinceStart(wreq)
			if c := req.MappedContext(); c != nil {
				c.LogAccess(req, resp, elapsed, false)
			} else {
				a.logLowest(req, resp, elapsed, false)
			}
			a.complete(req, resp, elapsed)
		}
		a.metrics.RecordAsyncDispatch(ev.String(), success)

		wreq.SetWorkerName("")
		wreq.SetSuspended(success && stillAsync)
		if !success || !stillAsync {
			req.Recycle()
			resp.Recycle()
		}
	}()

	if err := a.dispatch(wreq, req, wresp, resp, ev, &success); err != nil {
		success = false
		a.logger.Error("async dispatch failed",
			zap.String("event", ev.String()),
			zap.Stringer("request", req),
			zap.Error(err),
		)
	}
	return success, nil
}

// dispatch runs the body of AsyncDispatch. Panics are returned as errors.
func (a *Adapter) dispatch(wreq *wire.Request, req *container.Request, wresp *wire.Response, resp *container.Response, ev wire.SocketEvent, success *bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	ac := req.AsyncContext()

	if !req.IsAsync() {
		// Completed, or ended by an error or timeout: the request is over
		// for its listeners.
		if c := req.MappedContext(); c != nil {
			c.FireRequestDestroyed(req)
		}
		resp.SetSuspended(false)
	}

	switch ev {
	case wire.EventTimeout:
		if ac != nil && !ac.Timeout() {
			ac.SetErrorState(nil, false)
		}
	case wire.EventError:
		*success = false
		cause := errAsyncIO
		if v, ok := wreq.Attribute(wire.AttributeError); ok {
			if e, ok := v.(error); ok && e != nil {
				cause = e
			}
			wreq.SetAttribute(wire.AttributeError, nil)
		}
		if rl := wreq.ReadListener(); rl != nil {
			rl.OnError(cause)
		}
		if wl := wresp.WriteListener(); wl != nil {
			wl.OnError(cause)
		}
		if ac != nil {
			ac.SetErrorState(cause, true)
		}
	}

	if !req.IsAsyncDispatching() && req.IsAsync() {
		wl := wresp.WriteListener()
		rl := wreq.ReadListener()
		switch {
		case wl != nil && ev == wire.EventOpenWrite:
			err := call(wl.OnWritePossible)
			if err == nil && req.IsFinished() && rl != nil && wreq.SendAllDataReadEvent() {
				err = call(rl.OnAllDataRead)
			}
			if err != nil {
				wl.OnError(err)
				*success = false
			}
		case rl != nil && ev == wire.EventOpenRead:
			var err error
			if !req.IsFinished() {
				err = call(rl.OnDataAvailable)
			}
			if err == nil && req.IsFinished() && wreq.SendAllDataReadEvent() {
				err = call(rl.OnAllDataRead)
			}
			if err != nil {
				rl.OnError(err)
				*success = false
			}
		}
	}

	// An error surfaced while suspended and nothing handled it: run the
	// pipeline again so the error-report stage can answer.
	if !req.IsAsyncDispatching() && req.IsAsync() && resp.IsErrorReportRequired() {
		a.reportError(req, resp, ac)
	}

	if req.IsAsyncDispatching() {
		perr := a.invoke(req, resp)
		ac.DispatchDone()
		if perr != nil {
			ac.SetErrorState(perr, true)
			a.reportError(req, resp, ac)
		} else if !req.IsAsync() {
			if c := req.MappedContext(); c != nil {
				c.FireRequestDestroyed(req)
			}
		}
	}

	if !req.IsAsync() {
		req.FinishRequest()
		resp.FinishResponse()
	}

	if wresp.IsError() {
		*success = false
	}
	return nil
}

// reportError runs the pipeline once more for an errored async cycle and
// marks the cycle finished.
func (a *Adapter) reportError(req *container.Request, resp *container.Response, ac *container.AsyncContext) {
	if perr := a.invoke(req, resp); perr != nil {
		a.logger.Error("error report failed", zap.Stringer("request", req), zap.Error(perr))
	}
	if ac != nil {
		ac.ErrorReported()
	}
}

// Prepare runs only the post-parse and mapping stage and reports whether the
// exchange may enter the pipeline.
func (a *Adapter) Prepare(wreq *wire.Request, wresp *wire.Response) bool {
	req, resp := a.wrappers(wreq, wresp)
	return a.postParse(wreq, req, wresp, resp)
}

// Log records an exchange that never reached Service, for example one the
// transport rejected while parsing. It logs at the lowest container level
// that was resolved and recycles the wrappers.
func (a *Adapter) Log(wreq *wire.Request, wresp *wire.Response, elapsed time.Duration) {
	req, resp := a.wrappers(wreq, wresp)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("access logging failed", zap.Any("panic", r))
		}
		req.Recycle()
		resp.Recycle()
	}()
	a.logLowest(req, resp, elapsed, true)
	a.complete(req, resp, elapsed)
}

func (a *Adapter) logLowest(req *container.Request, resp *container.Response, elapsed time.Duration, mappingOnly bool) {
	md := req.MappingData()
	switch {
	case md.Context != nil:
		md.Context.LogAccess(req, resp, elapsed, mappingOnly)
	case md.Host != nil:
		md.Host.LogAccess(req, resp, elapsed, mappingOnly)
	default:
		a.engine.LogAccess(req, resp, elapsed, mappingOnly)
	}
}

// CheckRecycled logs and recycles wrappers that still carry state from a
// previous exchange.
func (a *Adapter) CheckRecycled(wreq *wire.Request, wresp *wire.Response) {
	req, _ := wreq.Note().(*container.Request)
	resp, _ := wresp.Note().(*container.Response)

	var msg string
	switch {
	case req != nil && !req.Recycled():
		msg = "request wrapper was not recycled"
	case resp != nil && resp.ContentWritten() != 0:
		msg = "response wrapper was not recycled"
	default:
		return
	}

	a.Log(wreq, wresp, 0)
	if a.stopping.Load() {
		a.logger.Debug(msg)
		return
	}
	a.logger.Warn(msg, zap.Stack("stack"))
}

// invoke runs the engine pipeline, converting a panic into an error.
func (a *Adapter) invoke(req *container.Request, resp *container.Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.RecordValvePanic()
			a.logger.Error("panic in pipeline",
				zap.Stringer("request", req),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("panic in pipeline: %v", r)
		}
	}()
	return a.engine.Pipeline().Invoke(req, resp)
}

// complete records metrics and ends the exchange span.
func (a *Adapter) complete(req *container.Request, resp *container.Response, elapsed time.Duration) {
	var hostName, contextName string
	if h := req.MappedHost(); h != nil {
		hostName = h.Name()
	}
	if c := req.MappedContext(); c != nil {
		contextName = c.Name()
	}
	a.metrics.RecordRequest(hostName, contextName, resp.Status(), elapsed)
	if v, ok := req.Attribute(spanAttribute); ok {
		if span, ok := v.(trace.Span); ok {
			tracing.EndExchange(span, resp.Status(), hostName, contextName)
		}
	}
}

// call runs a listener callback, turning a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn()
}

func sinceStart(wreq *wire.Request) time.Duration {
	if wreq.StartTime.IsZero() {
		return 0
	}
	return time.Since(wreq.StartTime)
}
