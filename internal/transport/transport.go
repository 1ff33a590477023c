// Package transport serves HTTP exchanges through the adapter.
//
// net/http owns the connection for the lifetime of ServeHTTP, so a
// suspended exchange keeps its handler goroutine parked in an event loop
// until the adapter reports it finished. Events come from the container
// (Complete and Dispatch), the async timeout, listener readiness and client
// disconnects.
package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/admission/internal/adapter"
	"github.com/wudi/admission/internal/logging"
	"github.com/wudi/admission/internal/metrics"
	"github.com/wudi/admission/internal/wire"
	"go.uber.org/zap"
)

// AuthTypeClientCert is recorded for users identified by a verified TLS
// client certificate.
const AuthTypeClientCert = "CLIENT_CERT"

// ErrShutdown is delivered to suspended exchanges when the handler closes.
var ErrShutdown = errors.New("transport shutting down")

// eventBuffer bounds the notifications queued for one suspended exchange.
const eventBuffer = 8

// Options configures a Handler.
type Options struct {
	// AsyncTimeout ends suspended exchanges that were neither completed nor
	// dispatched in time. Zero disables it.
	AsyncTimeout time.Duration
	Metrics      *metrics.Collector
	Logger       *zap.Logger
}

// Handler is the http.Handler of a connector.
type Handler struct {
	adapter      *adapter.Adapter
	asyncTimeout time.Duration
	metrics      *metrics.Collector
	logger       *zap.Logger

	pool     sync.Pool
	workers  atomic.Int64
	shutdown chan struct{}
	once     sync.Once
}

// exchange is one pooled wire pair. Its worker label stays with it across
// reuse.
type exchange struct {
	worker string
	req    *wire.Request
	resp   *wire.Response
}

// New creates a handler servicing exchanges through a.
func New(a *adapter.Adapter, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	h := &Handler{
		adapter:      a,
		asyncTimeout: opts.AsyncTimeout,
		metrics:      opts.Metrics,
		logger:       logger.Named("transport"),
		shutdown:     make(chan struct{}),
	}
	h.pool.New = func() any {
		return &exchange{
			worker: "http-worker-" + strconv.FormatInt(h.workers.Add(1), 10),
			req:    wire.NewRequest(),
			resp:   wire.NewResponse(nil),
		}
	}
	return h
}

// Close wakes every suspended exchange with an error event so that server
// shutdown does not wait for async timeouts.
func (h *Handler) Close() {
	h.once.Do(func() {
		h.adapter.Stopping()
		close(h.shutdown)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ex := h.pool.Get().(*exchange)
	defer h.pool.Put(ex)

	h.adapter.CheckRecycled(ex.req, ex.resp)
	ex.resp.Reset(w)

	body := &body{r: r.Body, req: ex.req}
	fill(ex.req, r, body)

	events := make(chan wire.SocketEvent, eventBuffer)
	ex.req.SetAsyncNotifier(func(ev wire.SocketEvent) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("dropping async event", zap.String("event", ev.String()), zap.String("worker", ex.worker))
		}
	})

	h.metrics.InFlight(1)
	defer h.metrics.InFlight(-1)

	ctx := wire.WithWorker(r.Context(), ex.worker)
	h.adapter.Service(ctx, ex.req, ex.resp)
	failed := ex.resp.IsError()
	if ex.req.Suspended() {
		failed = !h.loop(ctx, ex, body, events)
	}

	ex.req.Recycle()
	ex.resp.Recycle()
	if failed {
		// Drop the connection rather than keep it alive after a failure.
		panic(http.ErrAbortHandler)
	}
}

// loop dispatches events to a suspended exchange until it ends and reports
// whether it ended cleanly. Events that arrive afterwards are dropped with
// the channel.
func (h *Handler) loop(ctx context.Context, ex *exchange, b *body, events chan wire.SocketEvent) bool {
	var timeout <-chan time.Time
	if h.asyncTimeout > 0 {
		t := time.NewTimer(h.asyncTimeout)
		defer t.Stop()
		timeout = t.C
	}

	writeSignalled := false
	readProgress := int64(-1)
	for ex.req.Suspended() {
		// Listeners registered since the last dispatch get their first
		// readiness signal. A blocking body is readable whenever it has not
		// reached EOF, so reads are signalled again after each progress.
		if ex.resp.WriteListener() != nil && !writeSignalled {
			writeSignalled = true
			ex.req.Notify(wire.EventOpenWrite)
		}
		if ex.req.ReadListener() != nil && !ex.req.Finished() && b.read.Load() != readProgress {
			readProgress = b.read.Load()
			ex.req.Notify(wire.EventOpenRead)
		}

		var ev wire.SocketEvent
		select {
		case ev = <-events:
		case <-timeout:
			timeout = nil
			ev = wire.EventTimeout
		case <-ctx.Done():
			ex.req.SetAttribute(wire.AttributeError, fmt.Errorf("client gone: %w", context.Cause(ctx)))
			ev = wire.EventError
		case <-h.shutdown:
			ex.req.SetAttribute(wire.AttributeError, ErrShutdown)
			ev = wire.EventError
		}

		ok, err := h.adapter.AsyncDispatch(ctx, ex.req, ex.resp, ev)
		if err != nil {
			h.logger.Error("async dispatch rejected", zap.String("worker", ex.worker), zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// fill copies the parsed request head into the wire request.
func fill(wreq *wire.Request, r *http.Request, b *body) {
	wreq.StartTime = time.Now()
	wreq.Method = r.Method
	wreq.Protocol = r.Proto
	wreq.RemoteAddr = r.RemoteAddr
	wreq.QueryString = r.URL.RawQuery
	for k, v := range r.Header {
		wreq.Header[k] = v
	}
	wreq.Body = b

	raw := r.RequestURI
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw != "*" && !strings.HasPrefix(raw, "/") {
		// Absolute-form targets carry the authority; only the path maps.
		raw = r.URL.EscapedPath()
	}
	wreq.RequestURI = append(wreq.RequestURI[:0], raw...)

	host, port := splitHostPort(r.Host)
	wreq.ServerName = host
	wreq.ServerPort = port

	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if h, _, err := net.SplitHostPort(addr.String()); err == nil {
			wreq.LocalName = h
		}
		if wreq.ServerPort == 0 {
			if tcp, ok := addr.(*net.TCPAddr); ok {
				wreq.ServerPort = tcp.Port
			}
		}
	}

	if r.TLS != nil {
		wreq.Scheme = "https"
		if len(r.TLS.TLSUnique) > 0 {
			wreq.SSLSessionID = hex.EncodeToString(r.TLS.TLSUnique)
		}
		if len(r.TLS.VerifiedChains) > 0 {
			wreq.RemoteUser = r.TLS.VerifiedChains[0][0].Subject.CommonName
			wreq.RemoteUserNeedsAuthorization = true
			wreq.AuthType = AuthTypeClientCert
		}
	}
	if wreq.ServerPort == 0 {
		if r.TLS != nil {
			wreq.ServerPort = 443
		} else {
			wreq.ServerPort = 80
		}
	}
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// body marks the wire request finished once the client body hits EOF.
type body struct {
	r    io.ReadCloser
	req  *wire.Request
	read atomic.Int64
}

func (b *body) Read(p []byte) (int, error) {
	if b.r == nil {
		b.req.SetFinished(true)
		return 0, io.EOF
	}
	n, err := b.r.Read(p)
	b.read.Add(int64(n))
	if err == io.EOF {
		b.req.SetFinished(true)
	}
	return n, err
}
