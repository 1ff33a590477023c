package container

import (
	"net/http"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// engineValve hands the request to the mapped host.
type engineValve struct{}

func (engineValve) AsyncSupported() bool { return true }

func (engineValve) Invoke(req *Request, resp *Response, _ *Chain) error {
	host := req.MappedHost()
	if host == nil {
		if !resp.IsError() {
			_ = resp.SendError(http.StatusNotFound, "No matching host")
		}
		return nil
	}
	if req.IsAsyncSupported() {
		req.SetAsyncSupported(host.Pipeline().AsyncSupported())
	}
	return host.Pipeline().Invoke(req, resp)
}

// hostValve hands the request to the mapped context, firing the context's
// lifecycle listeners around it. Failures from the context pipeline put the
// response into the error state for the error-report stage.
type hostValve struct{}

func (hostValve) AsyncSupported() bool { return true }

func (hostValve) Invoke(req *Request, resp *Response, _ *Chain) error {
	ctx := req.MappedContext()
	if ctx == nil {
		return nil
	}
	if req.IsAsyncSupported() {
		req.SetAsyncSupported(ctx.Pipeline().AsyncSupported())
	}

	asyncAtStart := req.IsAsync()
	if !asyncAtStart {
		ctx.FireRequestInitialized(req)
	}

	if !resp.IsErrorReportRequired() {
		if err := ctx.Pipeline().Invoke(req, resp); err != nil {
			resp.SetError(err)
			resp.SetStatus(http.StatusInternalServerError)
		}
	}

	if !req.IsAsync() && !asyncAtStart {
		ctx.FireRequestDestroyed(req)
	}
	return nil
}

// contextValve refuses protected resources and hands the request to the
// mapped wrapper.
type contextValve struct{}

func (contextValve) AsyncSupported() bool { return true }

func (contextValve) Invoke(req *Request, resp *Response, _ *Chain) error {
	ctx := req.MappedContext()
	rel := req.ServletPath() + req.PathInfo()
	if isForbidden(ctx.Forbidden(), rel) {
		return resp.SendError(http.StatusNotFound, "Not Found")
	}

	w := req.MappedWrapper()
	if w == nil {
		return resp.SendError(http.StatusNotFound, "Not Found")
	}
	if req.IsAsyncSupported() {
		req.SetAsyncSupported(w.Pipeline().AsyncSupported() && w.AsyncSupported())
	}
	return w.Pipeline().Invoke(req, resp)
}

func isForbidden(patterns []string, path string) bool {
	upper := strings.ToUpper(path)
	for _, p := range patterns {
		if ok, _ := doublestar.Match(strings.ToUpper(p), upper); ok {
			return true
		}
	}
	return false
}

// wrapperValve runs the servlet and keeps the wrapper statistics.
type wrapperValve struct{}

func (wrapperValve) AsyncSupported() bool { return true }

func (wrapperValve) Invoke(req *Request, resp *Response, _ *Chain) error {
	w := req.MappedWrapper()
	w.requestCount.Add(1)
	if w.Unavailable() {
		resp.Header().Set("Retry-After", "0")
		return resp.SendError(http.StatusServiceUnavailable, "Servlet "+w.Name()+" is unavailable")
	}

	start := time.Now()
	err := w.servlet.Service(req, resp)
	w.record(time.Since(start))
	if err != nil {
		w.errorCount.Add(1)
	}
	return err
}
