package container

import (
	"errors"
	"net/http"
	"testing"
)

type countingListener struct{ inits, destroys int }

func (l *countingListener) RequestInitialized(*Request) { l.inits++ }
func (l *countingListener) RequestDestroyed(*Request)   { l.destroys++ }

// deployed builds engine/localhost//app with one wrapper mapped by hand.
func deployed(servlet Servlet) (*Engine, *Context, *Wrapper) {
	engine := NewEngine("admission")
	host := engine.AddHost("localhost")
	ctx := host.AddContext("/app", "")
	w := ctx.AddWrapper("main", servlet)
	return engine, ctx, w
}

func mapTo(req *Request, ctx *Context, w *Wrapper, servletPath string) {
	md := req.MappingData()
	md.Host = ctx.Host()
	md.Context = ctx
	md.Wrapper = w
	md.ContextPath = ctx.Path()
	md.WrapperPath = servletPath
}

func TestStandardValvesRunServlet(t *testing.T) {
	engine, ctx, w := deployed(ServletFunc(func(req *Request, resp *Response) error {
		resp.Write([]byte("hello"))
		return nil
	}))
	l := &countingListener{}
	ctx.AddRequestListener(l)

	req, resp, rec := newExchange("GET", "/app/x")
	mapTo(req, ctx, w, "/x")
	if err := engine.Pipeline().Invoke(req, resp); err != nil {
		t.Fatal(err)
	}
	resp.FinishResponse()

	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if l.inits != 1 || l.destroys != 1 {
		t.Errorf("listeners: inits=%d destroys=%d", l.inits, l.destroys)
	}
	if s := w.Stats(); s.Requests != 1 || s.Errors != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestStandardValvesServletError(t *testing.T) {
	boom := errors.New("boom")
	engine, ctx, w := deployed(ServletFunc(func(*Request, *Response) error { return boom }))

	req, resp, _ := newExchange("GET", "/app/x")
	mapTo(req, ctx, w, "/x")
	engine.Pipeline().Invoke(req, resp)

	if resp.Status() != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.Status())
	}
	if !errors.Is(resp.Error(), boom) || !resp.IsErrorReportRequired() {
		t.Error("servlet error should be recorded for reporting")
	}
	if w.Stats().Errors != 1 {
		t.Errorf("errors = %d, want 1", w.Stats().Errors)
	}
}

func TestContextValveForbidden(t *testing.T) {
	called := false
	engine, ctx, w := deployed(ServletFunc(func(*Request, *Response) error {
		called = true
		return nil
	}))

	for _, p := range []string{"/WEB-INF/web.xml", "/web-inf/web.xml", "/META-INF", "/META-INF/x/y"} {
		req, resp, _ := newExchange("GET", "/app"+p)
		mapTo(req, ctx, w, p)
		engine.Pipeline().Invoke(req, resp)
		if resp.Status() != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", p, resp.Status())
		}
	}
	if called {
		t.Error("servlet ran for a forbidden resource")
	}
}

func TestContextValveNoWrapper(t *testing.T) {
	engine, ctx, _ := deployed(ServletFunc(func(*Request, *Response) error { return nil }))
	req, resp, _ := newExchange("GET", "/app/missing")
	mapTo(req, ctx, nil, "")
	engine.Pipeline().Invoke(req, resp)
	if resp.Status() != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.Status())
	}
}

func TestWrapperValveUnavailable(t *testing.T) {
	engine, ctx, w := deployed(ServletFunc(func(*Request, *Response) error { return nil }))
	w.SetUnavailable(true)
	req, resp, _ := newExchange("GET", "/app/x")
	mapTo(req, ctx, w, "/x")
	engine.Pipeline().Invoke(req, resp)
	if resp.Status() != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.Status())
	}
}

func TestEngineValveNoHost(t *testing.T) {
	engine := NewEngine("admission")
	req, resp, _ := newExchange("GET", "/")
	engine.Pipeline().Invoke(req, resp)
	if resp.Status() != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.Status())
	}
}

func TestAsyncSupportNarrowsThroughHierarchy(t *testing.T) {
	var seen bool
	engine, ctx, w := deployed(ServletFunc(func(req *Request, _ *Response) error {
		seen = req.IsAsyncSupported()
		return nil
	}))

	req, resp, _ := newExchange("GET", "/app/x")
	mapTo(req, ctx, w, "/x")
	req.SetAsyncSupported(engine.Pipeline().AsyncSupported())
	engine.Pipeline().Invoke(req, resp)
	if seen {
		t.Error("async supported although the wrapper does not declare it")
	}

	w.SetAsyncSupported(true)
	req, resp, _ = newExchange("GET", "/app/x")
	mapTo(req, ctx, w, "/x")
	req.SetAsyncSupported(engine.Pipeline().AsyncSupported())
	engine.Pipeline().Invoke(req, resp)
	if !seen {
		t.Error("async unsupported although every stage allows it")
	}
}
