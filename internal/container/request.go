package container

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/admission/internal/session"
	"github.com/wudi/admission/internal/wire"
)

// ErrAsyncNotSupported is returned by StartAsync when a stage of the
// applicable pipelines cannot handle suspended requests.
var ErrAsyncNotSupported = errors.New("async processing is not supported by the current pipeline")

// drainLimit bounds how much unread body is discarded to keep a connection
// reusable.
const drainLimit = 64 << 10

// Request is the container's view of an exchange. It wraps the transport
// request and is reused across exchanges through Recycle.
type Request struct {
	wire     *wire.Request
	response *Response
	ctx      context.Context

	mapping     MappingData
	decodedPath string
	pathParams  map[string]string

	sessionID     string
	sessionSource session.Source
	session       *session.Session

	cookies       []session.Cookie
	cookiesParsed bool

	secure         bool
	principal      Principal
	authType       string
	asyncSupported bool
	async          *AsyncContext
	attributes     map[string]any
}

// NewRequest wraps w.
func NewRequest(w *wire.Request) *Request {
	return &Request{wire: w, ctx: context.Background()}
}

// Wire returns the transport request.
func (r *Request) Wire() *wire.Request { return r.wire }

// Response returns the paired response.
func (r *Request) Response() *Response { return r.response }

// SetResponse pairs the request with resp.
func (r *Request) SetResponse(resp *Response) { r.response = resp }

// Context returns the exchange's context.Context.
func (r *Request) Context() context.Context { return r.ctx }

// SetContext replaces the exchange's context.Context.
func (r *Request) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx = ctx
}

// MappingData returns the mapping result for this request.
func (r *Request) MappingData() *MappingData { return &r.mapping }

// MappedHost returns the host selected by mapping.
func (r *Request) MappedHost() *Host { return r.mapping.Host }

// MappedContext returns the context selected by mapping.
func (r *Request) MappedContext() *Context { return r.mapping.Context }

// MappedWrapper returns the wrapper selected by mapping.
func (r *Request) MappedWrapper() *Wrapper { return r.mapping.Wrapper }

// Method returns the request method.
func (r *Request) Method() string { return r.wire.Method }

// Scheme returns the request scheme.
func (r *Request) Scheme() string { return r.wire.Scheme }

// IsSecure reports whether the exchange arrived over a secure channel.
func (r *Request) IsSecure() bool { return r.secure }

// SetSecure records the secure flag.
func (r *Request) SetSecure(v bool) { r.secure = v }

// ServerName returns the requested host name.
func (r *Request) ServerName() string { return r.wire.ServerName }

// Header returns the request headers.
func (r *Request) Header() http.Header { return r.wire.Header }

// QueryString returns the raw query string.
func (r *Request) QueryString() string { return r.wire.QueryString }

// RequestURI returns the raw request path.
func (r *Request) RequestURI() string { return string(r.wire.RequestURI) }

// DecodedPath returns the decoded, normalized and converted path.
func (r *Request) DecodedPath() string { return r.decodedPath }

// SetDecodedPath stores the converted path.
func (r *Request) SetDecodedPath(p string) { r.decodedPath = p }

// ContextPath returns the mapped context path.
func (r *Request) ContextPath() string { return r.mapping.ContextPath }

// ServletPath returns the part of the path that selected the wrapper.
func (r *Request) ServletPath() string { return r.mapping.WrapperPath }

// PathInfo returns the remainder after the servlet path.
func (r *Request) PathInfo() string { return r.mapping.PathInfo }

// StartTime returns when the transport started the exchange.
func (r *Request) StartTime() time.Time { return r.wire.StartTime }

// AddPathParameter records a parameter extracted from the path. A later
// parameter with the same name wins.
func (r *Request) AddPathParameter(name, value string) {
	if r.pathParams == nil {
		r.pathParams = make(map[string]string)
	}
	r.pathParams[name] = value
}

// PathParameter returns the extracted path parameter with name.
func (r *Request) PathParameter(name string) (string, bool) {
	v, ok := r.pathParams[name]
	return v, ok
}

// PathParameters returns a copy of every extracted path parameter.
func (r *Request) PathParameters() map[string]string {
	out := make(map[string]string, len(r.pathParams))
	for k, v := range r.pathParams {
		out[k] = v
	}
	return out
}

// Cookies returns the cookies sent by the client in header order.
func (r *Request) Cookies() []session.Cookie {
	if r.cookiesParsed {
		return r.cookies
	}
	r.cookiesParsed = true
	if len(r.wire.Header.Values("Cookie")) == 0 {
		return nil
	}
	parsed := (&http.Request{Header: r.wire.Header}).Cookies()
	r.cookies = make([]session.Cookie, 0, len(parsed))
	for _, c := range parsed {
		r.cookies = append(r.cookies, session.Cookie{Name: c.Name, Value: c.Value})
	}
	return r.cookies
}

// SetRequestedSession records the requested session id and where it came
// from.
func (r *Request) SetRequestedSession(res session.Result) {
	r.sessionID = res.ID
	r.sessionSource = res.Source
}

// RequestedSessionID returns the session id presented by the client.
func (r *Request) RequestedSessionID() string { return r.sessionID }

// RequestedSessionSource returns where the requested session id came from.
func (r *Request) RequestedSessionSource() session.Source { return r.sessionSource }

// IsRequestedSessionIDFromURL reports whether the id was a path parameter.
func (r *Request) IsRequestedSessionIDFromURL() bool { return r.sessionSource == session.SourceURL }

// IsRequestedSessionIDFromCookie reports whether the id was a cookie.
func (r *Request) IsRequestedSessionIDFromCookie() bool {
	return r.sessionSource == session.SourceCookie
}

// IsRequestedSessionIDValid reports whether the requested id names a live
// session of the mapped context.
func (r *Request) IsRequestedSessionIDValid() bool {
	ctx := r.mapping.Context
	if ctx == nil || r.sessionID == "" {
		return false
	}
	return ctx.FindSession(r.ctx, r.sessionID)
}

// Session returns the session of the mapped context identified by the
// requested id. When none exists and create is set, a new session is started
// and announced to the client with a cookie if cookie tracking is enabled.
func (r *Request) Session(create bool) (*session.Session, error) {
	if r.session != nil {
		return r.session, nil
	}
	ctx := r.mapping.Context
	if ctx == nil || ctx.Manager() == nil {
		return nil, nil
	}
	if r.sessionID != "" {
		s, err := ctx.Manager().FindSession(r.ctx, r.sessionID)
		if err != nil {
			return nil, err
		}
		if s != nil {
			r.session = s
			return s, nil
		}
	}
	if !create {
		return nil, nil
	}
	s, err := ctx.Manager().CreateSession(r.ctx)
	if err != nil {
		return nil, err
	}
	r.session = s
	cfg := ctx.SessionConfig()
	if cfg.Modes.Has(session.TrackingCookie) && r.response != nil {
		path := ctx.Path()
		if path == "" {
			path = "/"
		}
		c := &http.Cookie{
			Name:     cfg.CookieName,
			Value:    s.ID,
			Path:     path,
			HttpOnly: true,
			Secure:   r.secure,
		}
		r.response.Header().Add("Set-Cookie", c.String())
	}
	return s, nil
}

// UserPrincipal returns the authenticated user, if any.
func (r *Request) UserPrincipal() Principal { return r.principal }

// SetUserPrincipal records the authenticated user.
func (r *Request) SetUserPrincipal(p Principal) { r.principal = p }

// AuthType returns the authentication scheme.
func (r *Request) AuthType() string { return r.authType }

// SetAuthType records the authentication scheme.
func (r *Request) SetAuthType(t string) { r.authType = t }

// Attribute returns a request attribute.
func (r *Request) Attribute(name string) (any, bool) {
	v, ok := r.attributes[name]
	return v, ok
}

// SetAttribute stores a request attribute.
func (r *Request) SetAttribute(name string, v any) {
	if r.attributes == nil {
		r.attributes = make(map[string]any)
	}
	r.attributes[name] = v
}

// IsAsyncSupported reports whether every stage seen so far allows async.
func (r *Request) IsAsyncSupported() bool { return r.asyncSupported }

// SetAsyncSupported records async capability of the applicable pipelines.
func (r *Request) SetAsyncSupported(v bool) { r.asyncSupported = v }

// StartAsync suspends the exchange beyond the current pipeline invocation.
func (r *Request) StartAsync() (*AsyncContext, error) {
	if !r.asyncSupported {
		return nil, ErrAsyncNotSupported
	}
	if r.async == nil {
		r.async = &AsyncContext{req: r}
	}
	if err := r.async.start(); err != nil {
		return nil, err
	}
	return r.async, nil
}

// AsyncContext returns the async context, or nil if async never started.
func (r *Request) AsyncContext() *AsyncContext { return r.async }

// IsAsync reports whether the exchange is suspended.
func (r *Request) IsAsync() bool { return r.async != nil && r.async.IsAsync() }

// IsAsyncDispatching reports whether a dispatch back into the container is
// pending.
func (r *Request) IsAsyncDispatching() bool {
	return r.async != nil && r.async.IsDispatching()
}

// IsFinished reports whether the request body was fully read.
func (r *Request) IsFinished() bool { return r.wire.Finished() }

// FinishRequest discards a bounded amount of unread body.
func (r *Request) FinishRequest() {
	if body := r.wire.Body; body != nil && !r.wire.Finished() {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, drainLimit))
	}
	r.wire.SetFinished(true)
}

// RecycleSessionInfo forgets the requested session.
func (r *Request) RecycleSessionInfo() {
	r.sessionID = ""
	r.sessionSource = session.SourceNone
	r.session = nil
}

// RecycleCookieInfo forgets parsed cookies so they are parsed again.
func (r *Request) RecycleCookieInfo() {
	r.cookies = r.cookies[:0]
	r.cookiesParsed = false
}

// Recycle clears all per-exchange state.
func (r *Request) Recycle() {
	r.ctx = context.Background()
	r.mapping.Recycle()
	r.decodedPath = ""
	clear(r.pathParams)
	r.RecycleSessionInfo()
	r.RecycleCookieInfo()
	r.secure = false
	r.principal = nil
	r.authType = ""
	r.asyncSupported = false
	if r.async != nil {
		r.async.detach()
		r.async = nil
	}
	clear(r.attributes)
}

// Recycled reports whether the request holds no mapping state.
func (r *Request) Recycled() bool {
	return r.mapping.Host == nil && r.mapping.Context == nil
}

// String is used in log fields.
func (r *Request) String() string {
	var b strings.Builder
	b.WriteString(r.wire.Method)
	b.WriteByte(' ')
	b.Write(r.wire.RequestURI)
	if r.wire.QueryString != "" {
		b.WriteByte('?')
		b.WriteString(r.wire.QueryString)
	}
	return b.String()
}
