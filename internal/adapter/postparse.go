package adapter

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/metrics"
	"github.com/wudi/admission/internal/session"
	"github.com/wudi/admission/internal/uri"
	"github.com/wudi/admission/internal/wire"
	"go.uber.org/zap"
)

const pausedFirstCheck = 10 * time.Millisecond

// postParse prepares the exchange for the pipeline after the transport
// parsed the request head. It reports false when the exchange was answered
// here; the rejection is already logged in that case.
func (a *Adapter) postParse(wreq *wire.Request, req *container.Request, wresp *wire.Response, resp *container.Response) bool {
	// A transport-set scheme decides the secure flag, otherwise the
	// connector's settings apply.
	if wreq.Scheme == "" {
		wreq.Scheme = a.cfg.Scheme
		req.SetSecure(a.cfg.Secure)
	} else {
		req.SetSecure(wreq.Scheme == "https")
	}

	if a.cfg.ProxyPort != 0 {
		wreq.ServerPort = a.cfg.ProxyPort
	}
	if a.cfg.ProxyName != "" {
		wreq.ServerName = a.cfg.ProxyName
	}

	if string(wreq.RequestURI) == "*" {
		if strings.EqualFold(wreq.Method, http.MethodOptions) {
			wresp.Header().Set("Allow", a.pingAllow())
		} else {
			wresp.Status = http.StatusNotFound
			wresp.Message = "Not found"
		}
		a.metrics.RecordRejection(metrics.ReasonPing)
		a.engine.LogAccess(req, resp, 0, true)
		return false
	}

	if !a.decodeURI(wreq, req, wresp, resp) {
		return false
	}

	serverName := wreq.ServerName
	if a.cfg.UseIPVHosts {
		serverName = wreq.LocalName
	}
	if !a.mapRequest(serverName, wreq, req, wresp, resp) {
		return false
	}

	md := req.MappingData()
	if md.RedirectPath != "" {
		a.redirect(req, resp)
		return false
	}

	if !a.cfg.AllowTrace && strings.EqualFold(wreq.Method, http.MethodTrace) {
		if allow := traceAllow(md.Wrapper); allow != "" {
			wresp.Header().Add("Allow", allow)
		}
		wresp.Status = http.StatusMethodNotAllowed
		wresp.Message = "TRACE method is not allowed"
		a.metrics.RecordRejection(metrics.ReasonTrace)
		md.Context.LogAccess(req, resp, 0, true)
		return false
	}

	a.connectorAuthentication(wreq, req)
	return true
}

func (a *Adapter) pingAllow() string {
	if a.cfg.AllowTrace {
		return "GET, HEAD, POST, PUT, DELETE, TRACE, OPTIONS"
	}
	return "GET, HEAD, POST, PUT, DELETE, OPTIONS"
}

// decodeURI runs the byte pipeline over the raw URI: path parameters,
// percent-decoding, normalization and character conversion.
func (a *Adapter) decodeURI(wreq *wire.Request, req *container.Request, wresp *wire.Response, resp *container.Response) bool {
	if wreq.URIDecoded {
		// In-memory exchanges arrive decoded and normalized. Path
		// parameters are dropped, not parsed.
		req.SetDecodedPath(uri.StripPathParameters(string(wreq.DecodedURI())))
		return true
	}

	wreq.SetDecodedURI(wreq.RequestURI)
	b, params := uri.ParsePathParameters(wreq.DecodedURI(), a.converter.DecodeLenient)
	for _, p := range params {
		req.AddPathParameter(p.Name, p.Value)
	}

	b, err := uri.Decode(b, a.cfg.AllowEncodedSlash)
	if err != nil {
		a.reject(req, resp, wresp, "Invalid URI: "+err.Error(), metrics.ReasonInvalidURI, zap.Error(err))
		return false
	}

	b, ok := uri.Normalize(b, a.cfg.AllowBackslash)
	if !ok {
		a.reject(req, resp, wresp, "Invalid URI", metrics.ReasonInvalidURI)
		return false
	}
	wreq.ReplaceDecodedURI(b)

	path, err := a.converter.Convert(b)
	if err != nil || !uri.CheckNormalize(path) {
		a.reject(req, resp, wresp, "Invalid URI character encoding", metrics.ReasonInvalidEncoding)
		return false
	}
	req.SetDecodedPath(path)
	return true
}

// reject answers a malformed request with 400 and logs it at engine level.
func (a *Adapter) reject(req *container.Request, resp *container.Response, wresp *wire.Response, msg, reason string, fields ...zap.Field) {
	a.logger.Debug("rejecting request",
		append([]zap.Field{
			zap.String("uri", req.RequestURI()),
			zap.String("reason", msg),
		}, fields...)...,
	)
	wresp.Status = http.StatusBadRequest
	wresp.Message = msg
	a.metrics.RecordRejection(reason)
	a.engine.LogAccess(req, resp, 0, true)
}

// mapRequest maps the decoded path, resolves the requested session and
// re-maps until the selected context version is the one owning that
// session and is not paused.
func (a *Adapter) mapRequest(serverName string, wreq *wire.Request, req *container.Request, wresp *wire.Response, resp *container.Response) bool {
	ctx := req.Context()
	md := req.MappingData()

	var (
		version    string
		versionCtx *container.Context
		wait       backoff.BackOff
		iterations int
		remaps     int
	)
	defer func() { a.metrics.RecordMapIterations(iterations) }()

	for mapRequired := true; mapRequired; {
		iterations++
		a.mapper.Map(serverName, req.DecodedPath(), version, md)

		c := md.Context
		if c == nil {
			wresp.Status = http.StatusNotFound
			wresp.Message = "Not found"
			a.metrics.RecordRejection(metrics.ReasonNoContext)
			if md.Host != nil {
				md.Host.LogAccess(req, resp, 0, true)
			} else {
				a.engine.LogAccess(req, resp, 0, true)
			}
			return false
		}

		cfg := c.SessionConfig()
		res := session.Resolve(session.Input{
			Modes:         cfg.Modes,
			CookieName:    cfg.CookieName,
			URIParamName:  cfg.URIParamName,
			PathParameter: req.PathParameter,
			Cookies:       req.Cookies(),
			Secure:        req.IsSecure(),
			SSLSessionID:  wreq.SSLSessionID,
			Valid:         func(id string) bool { return c.FindSession(ctx, id) },
		})
		req.SetRequestedSession(res)

		mapRequired = false
		if versionCtx == nil || c != versionCtx {
			// No version pinned yet, or the pinned one is gone.
			version, versionCtx = "", nil
			if remaps < len(md.Contexts) {
				if target := sessionOwner(ctx, md, res.ID); target != nil && target != c {
					version, versionCtx = target.Version(), target
					remaps++
					md.Recycle()
					req.RecycleSessionInfo()
					req.RecycleCookieInfo()
					mapRequired = true
					continue
				}
			}
		}

		if c.Paused() {
			a.metrics.RecordPausedWait()
			if wait == nil {
				wait = a.pausedBackOff(ctx)
			}
			d := wait.NextBackOff()
			err := ctx.Err()
			if d != backoff.Stop {
				err = c.WaitResumed(ctx, d)
			}
			if err != nil {
				a.logger.Debug("gave up waiting for paused context",
					zap.String("context", c.Name()),
					zap.Error(err),
				)
				wresp.Status = http.StatusServiceUnavailable
				wresp.Message = "Service Unavailable"
				a.metrics.RecordRejection(metrics.ReasonCancelled)
				c.LogAccess(req, resp, 0, true)
				return false
			}
			md.Recycle()
			mapRequired = true
		}
	}
	return true
}

// pausedBackOff spaces the checks of a paused context. Waits grow from a
// short first check up to PausedRetryInterval and never give up on their
// own; only cancellation of ctx stops them.
func (a *Adapter) pausedBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(pausedFirstCheck, a.cfg.PausedRetryInterval)
	b.MaxInterval = a.cfg.PausedRetryInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// sessionOwner returns the newest deployed version of the mapped context
// that knows id, or nil.
func sessionOwner(ctx context.Context, md *container.MappingData, id string) *container.Context {
	if id == "" || len(md.Contexts) == 0 {
		return nil
	}
	for i := len(md.Contexts) - 1; i >= 0; i-- {
		if c := md.Contexts[i]; c.FindSession(ctx, id) {
			return c
		}
	}
	return nil
}

// redirect sends the client to the mapped redirect path, keeping a URL
// session id and the query string.
func (a *Adapter) redirect(req *container.Request, resp *container.Response) {
	md := req.MappingData()
	var b strings.Builder
	b.WriteString((&url.URL{Path: md.RedirectPath}).EscapedPath())
	if req.IsRequestedSessionIDFromURL() {
		b.WriteByte(';')
		b.WriteString(md.Context.SessionConfig().URIParamName)
		b.WriteByte('=')
		b.WriteString(req.RequestedSessionID())
	}
	if q := req.QueryString(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if err := resp.SendRedirect(b.String()); err != nil {
		a.logger.Warn("redirect failed", zap.Stringer("request", req), zap.Error(err))
	}
	a.metrics.RecordRejection(metrics.ReasonRedirect)
	md.Context.LogAccess(req, resp, 0, true)
}

// traceAllow lists the wrapper's methods without TRACE.
func traceAllow(w *container.Wrapper) string {
	if w == nil {
		return ""
	}
	methods := w.ServletMethods()
	allowed := make([]string, 0, len(methods))
	for _, m := range methods {
		if m != http.MethodTrace {
			allowed = append(allowed, m)
		}
	}
	return strings.Join(allowed, ", ")
}

// connectorAuthentication attaches the user the transport authenticated.
func (a *Adapter) connectorAuthentication(wreq *wire.Request, req *container.Request) {
	if user := wreq.RemoteUser; user != "" {
		a.logger.Debug("connector user", zap.String("user", user))
		if wreq.RemoteUserNeedsAuthorization {
			c := req.MappedContext()
			switch auth := c.Authenticator(); {
			case auth == nil:
				// No constraints configured: the user needs no roles.
				req.SetUserPrincipal(container.NewPrincipal(user))
			case !auth.HandlesConnectorUsers():
				var p container.Principal
				if realm := c.Realm(); realm != nil {
					p = realm.Authenticate(user)
				}
				req.SetUserPrincipal(p)
			}
		} else {
			req.SetUserPrincipal(container.NewPrincipal(user))
		}
	}
	if wreq.AuthType != "" {
		req.SetAuthType(wreq.AuthType)
	}
}
