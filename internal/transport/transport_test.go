package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/admission/internal/adapter"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/mapper"
	"github.com/wudi/admission/internal/valves"
	"github.com/wudi/admission/internal/wire"
	"go.uber.org/zap"
)

type fixture struct {
	engine  *container.Engine
	handler *Handler
}

// newFixture deploys servlet at /app/* on localhost, the default host.
func newFixture(t *testing.T, opts Options, servlet container.Servlet) *fixture {
	t.Helper()
	engine := container.NewEngine("test")
	host := engine.AddHost("localhost")
	m := mapper.New()
	m.AddHost("localhost", nil, host)
	m.SetDefaultHost("localhost")

	c := host.AddContext("/app", "")
	w := c.AddWrapper("servlet", servlet)
	w.SetAsyncSupported(true)
	if err := m.AddContextVersion("localhost", "/app", "", c, []mapper.WrapperMapping{{Pattern: "/*", Wrapper: w}}); err != nil {
		t.Fatal(err)
	}

	a, err := adapter.New(adapter.Config{Logger: zap.NewNop()}, engine, m)
	if err != nil {
		t.Fatal(err)
	}
	opts.Logger = zap.NewNop()
	h := New(a, opts)
	t.Cleanup(h.Close)
	return &fixture{engine: engine, handler: h}
}

// serve runs one exchange and reports whether the handler aborted it.
func (f *fixture) serve(r *http.Request) (rec *httptest.ResponseRecorder, aborted bool) {
	rec = httptest.NewRecorder()
	defer func() {
		if v := recover(); v != nil {
			if v != http.ErrAbortHandler {
				panic(v)
			}
			aborted = true
		}
	}()
	f.handler.ServeHTTP(rec, r)
	return rec, false
}

func TestServeSync(t *testing.T) {
	var worker string
	f := newFixture(t, Options{}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		worker = req.Wire().WorkerName()
		_, err := resp.Write([]byte(req.DecodedPath()))
		return err
	}))

	rec, aborted := f.serve(httptest.NewRequest("GET", "/app//a/../b", nil))
	if aborted {
		t.Fatal("aborted")
	}
	if rec.Code != http.StatusOK || rec.Body.String() != "/app/b" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(worker, "http-worker-") {
		t.Errorf("worker = %q", worker)
	}
}

func TestFillRequest(t *testing.T) {
	type seen struct {
		serverName, query, uri, scheme, protocol string
		port                                     int
		params                                   map[string]string
	}
	var got seen
	f := newFixture(t, Options{}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		w := req.Wire()
		got = seen{
			serverName: w.ServerName,
			query:      w.QueryString,
			uri:        string(w.RequestURI),
			scheme:     w.Scheme,
			protocol:   w.Protocol,
			port:       w.ServerPort,
			params:     req.PathParameters(),
		}
		return nil
	}))

	f.serve(httptest.NewRequest("GET", "http://Example.com:8080/app/x;p=1?a=b", nil))
	want := seen{serverName: "Example.com", query: "a=b", uri: "/app/x;p=1", scheme: "http", protocol: "HTTP/1.1", port: 8080}
	if got.serverName != want.serverName || got.query != want.query || got.uri != want.uri ||
		got.scheme != want.scheme || got.protocol != want.protocol || got.port != want.port {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.params["p"] != "1" {
		t.Errorf("path parameters = %v", got.params)
	}
}

func TestSplitHostPort(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
	}{
		{"example.com:8080", "example.com", 8080},
		{"example.com", "example.com", 0},
		{"[::1]:443", "::1", 443},
		{"[::1]", "::1", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		host, port := splitHostPort(tt.in)
		if host != tt.host || port != tt.port {
			t.Errorf("splitHostPort(%q) = %q, %d", tt.in, host, port)
		}
	}
}

func TestServeAsyncComplete(t *testing.T) {
	f := newFixture(t, Options{AsyncTimeout: time.Minute}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		ac, err := req.StartAsync()
		if err != nil {
			return err
		}
		go func() {
			time.Sleep(10 * time.Millisecond)
			resp.Write([]byte("async"))
			ac.Complete()
		}()
		return nil
	}))

	rec, aborted := f.serve(httptest.NewRequest("GET", "/app/x", nil))
	if aborted {
		t.Fatal("aborted")
	}
	if rec.Body.String() != "async" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestServeAsyncTimeout(t *testing.T) {
	f := newFixture(t, Options{AsyncTimeout: 20 * time.Millisecond}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		_, err := req.StartAsync()
		return err
	}))
	f.engine.Pipeline().AddValve(valves.NewErrorReport())

	start := time.Now()
	rec, aborted := f.serve(httptest.NewRequest("GET", "/app/x", nil))
	if aborted {
		t.Fatal("aborted")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "json") {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout took too long")
	}
}

func TestServeClientGone(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, Options{}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		_, err := req.StartAsync()
		close(started)
		return err
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, aborted := f.serve(httptest.NewRequest("GET", "/app/x", nil).WithContext(ctx))
	if !aborted {
		t.Error("a disconnected async exchange should abort the connection")
	}
}

func TestCloseWakesSuspended(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, Options{}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		_, err := req.StartAsync()
		close(started)
		return err
	}))

	done := make(chan bool, 1)
	go func() {
		_, aborted := f.serve(httptest.NewRequest("GET", "/app/x", nil))
		done <- aborted
	}()
	<-started
	f.handler.Close()

	select {
	case aborted := <-done:
		if !aborted {
			t.Error("exchange woken by Close should abort")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the suspended exchange")
	}
}

type bodyListener struct {
	req  *container.Request
	resp *container.Response
	ac   *container.AsyncContext
	data []byte
}

func (l *bodyListener) OnDataAvailable() error {
	b, err := io.ReadAll(l.req.Wire().Body)
	l.data = append(l.data, b...)
	return err
}

func (l *bodyListener) OnAllDataRead() error {
	if _, err := l.resp.Write(l.data); err != nil {
		return err
	}
	return l.ac.Complete()
}

func (l *bodyListener) OnError(error) {}

func TestServeReadListener(t *testing.T) {
	f := newFixture(t, Options{AsyncTimeout: time.Minute}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		ac, err := req.StartAsync()
		if err != nil {
			return err
		}
		req.Wire().SetReadListener(&bodyListener{req: req, resp: resp, ac: ac})
		return nil
	}))

	rec, aborted := f.serve(httptest.NewRequest("POST", "/app/upload", strings.NewReader("payload")))
	if aborted {
		t.Fatal("aborted")
	}
	if rec.Body.String() != "payload" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

type writeListener struct {
	resp *container.Response
	ac   *container.AsyncContext
}

func (l *writeListener) OnWritePossible() error {
	if _, err := l.resp.Write([]byte("written")); err != nil {
		return err
	}
	return l.ac.Complete()
}

func (l *writeListener) OnError(error) {}

func TestServeWriteListener(t *testing.T) {
	f := newFixture(t, Options{AsyncTimeout: time.Minute}, container.ServletFunc(func(req *container.Request, resp *container.Response) error {
		ac, err := req.StartAsync()
		if err != nil {
			return err
		}
		resp.Wire().SetWriteListener(&writeListener{resp: resp, ac: ac})
		return nil
	}))

	rec, _ := f.serve(httptest.NewRequest("GET", "/app/x", nil))
	if rec.Body.String() != "written" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestBodyMarksFinished(t *testing.T) {
	wreq := wire.NewRequest()
	b := &body{r: io.NopCloser(strings.NewReader("abc")), req: wreq}
	if _, err := io.ReadAll(b); err != nil {
		t.Fatal(err)
	}
	if !wreq.Finished() || b.read.Load() != 3 {
		t.Errorf("finished = %v, read = %d", wreq.Finished(), b.read.Load())
	}

	empty := &body{req: wire.NewRequest()}
	if n, err := empty.Read(make([]byte, 1)); n != 0 || err != io.EOF || !empty.req.Finished() {
		t.Errorf("nil body read = %d, %v", n, err)
	}
}
