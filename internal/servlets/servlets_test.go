package servlets

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/session"
	"github.com/wudi/admission/internal/wire"
)

func newExchange(method string) (*container.Request, *container.Response, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	wreq := wire.NewRequest()
	wreq.Method = method
	wreq.RequestURI = []byte("/app/x;v=1")
	wreq.QueryString = "q=1"
	wresp := wire.NewResponse(rec)
	req := container.NewRequest(wreq)
	resp := container.NewResponse(wresp)
	req.SetResponse(resp)
	resp.SetRequest(req)
	return req, resp, rec
}

func TestBuild(t *testing.T) {
	tests := []struct {
		cfg     config.ServletConfig
		wantErr bool
	}{
		{config.ServletConfig{Name: "a", Kind: "text"}, false},
		{config.ServletConfig{Name: "b"}, false},
		{config.ServletConfig{Name: "c", Kind: "echo"}, false},
		{config.ServletConfig{Name: "d", Kind: "session"}, false},
		{config.ServletConfig{Name: "e", Kind: "async"}, false},
		{config.ServletConfig{Name: "f", Kind: "status", Status: 503}, false},
		{config.ServletConfig{Name: "g", Kind: "status", Status: 200}, true},
		{config.ServletConfig{Name: "h", Kind: "cgi"}, true},
	}
	for _, tt := range tests {
		s, err := Build(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("Build(%s) err = %v, wantErr %v", tt.cfg.Name, err, tt.wantErr)
		}
		if err == nil && s == nil {
			t.Errorf("Build(%s) returned nil servlet", tt.cfg.Name)
		}
	}
}

func TestText(t *testing.T) {
	s := NewText(config.ServletConfig{
		Body:    "hello",
		Status:  http.StatusCreated,
		Headers: map[string]string{"Cache-Control": "no-store"},
	})

	req, resp, rec := newExchange("GET")
	if err := s.Service(req, resp); err != nil {
		t.Fatal(err)
	}
	resp.FinishResponse()

	if rec.Code != http.StatusCreated || rec.Body.String() != "hello" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != defaultContentType || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("headers = %v", rec.Header())
	}

	req, resp, rec = newExchange("HEAD")
	s.Service(req, resp)
	resp.FinishResponse()
	if rec.Body.Len() != 0 {
		t.Error("HEAD must not write a body")
	}
}

func TestEcho(t *testing.T) {
	c := container.NewEngine("e").AddHost("example.com").AddContext("/app", "2")
	req, resp, rec := newExchange("GET")
	md := req.MappingData()
	md.Host = c.Host()
	md.Context = c
	md.ContextPath = "/app"
	md.WrapperPath = "/x"
	md.MatchType = container.MatchExact
	req.SetDecodedPath("/app/x")
	req.AddPathParameter("v", "1")
	req.SetRequestedSession(session.Result{ID: "S1", Source: session.SourceCookie})

	if err := (Echo{}).Service(req, resp); err != nil {
		t.Fatal(err)
	}
	resp.FinishResponse()

	var got EchoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	want := EchoResponse{
		Method:         "GET",
		URI:            "/app/x;v=1",
		Query:          "q=1",
		DecodedPath:    "/app/x",
		Host:           "example.com",
		Context:        c.Name(),
		Version:        "2",
		ContextPath:    "/app",
		ServletPath:    "/x",
		MatchType:      container.MatchExact.String(),
		PathParameters: map[string]string{"v": "1"},
		SessionID:      "S1",
		SessionSource:  session.SourceCookie.String(),
	}
	if got.Method != want.Method || got.URI != want.URI || got.Query != want.Query ||
		got.DecodedPath != want.DecodedPath || got.Host != want.Host || got.Context != want.Context ||
		got.Version != want.Version || got.ContextPath != want.ContextPath || got.ServletPath != want.ServletPath ||
		got.MatchType != want.MatchType || got.PathParameters["v"] != "1" ||
		got.SessionID != want.SessionID || got.SessionSource != want.SessionSource {
		t.Errorf("echo =\n%+v\nwant\n%+v", got, want)
	}
}

func TestSession(t *testing.T) {
	c := container.NewEngine("e").AddHost("h").AddContext("/app", "")
	c.SetManager(session.NewMemoryManager(c.Name(), 10, time.Minute))

	req, resp, rec := newExchange("GET")
	req.MappingData().Context = c
	if err := (Session{}).Service(req, resp); err != nil {
		t.Fatal(err)
	}
	resp.FinishResponse()

	var first SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if !first.New || first.ID == "" {
		t.Errorf("first = %+v", first)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), first.ID) {
		t.Errorf("Set-Cookie = %q", rec.Header().Get("Set-Cookie"))
	}

	req, resp, rec = newExchange("GET")
	req.MappingData().Context = c
	req.SetRequestedSession(session.Result{ID: first.ID, Source: session.SourceCookie})
	(Session{}).Service(req, resp)
	resp.FinishResponse()

	var second SessionResponse
	json.Unmarshal(rec.Body.Bytes(), &second)
	if second.New || second.ID != first.ID {
		t.Errorf("second = %+v, want existing %s", second, first.ID)
	}
}

func TestSessionDisabled(t *testing.T) {
	req, resp, _ := newExchange("GET")
	req.MappingData().Context = container.NewEngine("e").AddHost("h").AddContext("/app", "")
	if err := (Session{}).Service(req, resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status() != http.StatusNotImplemented || !resp.IsErrorReportRequired() {
		t.Errorf("status = %d", resp.Status())
	}
}

func TestStatus(t *testing.T) {
	req, resp, _ := newExchange("GET")
	if err := NewStatus(http.StatusTeapot, "").Service(req, resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status() != http.StatusTeapot || resp.Message() != "I'm a teapot" {
		t.Errorf("got %d %q", resp.Status(), resp.Message())
	}
	if !resp.IsErrorReportRequired() {
		t.Error("status servlet must leave the body to the error report")
	}
}

func TestAsync(t *testing.T) {
	s := NewAsync(config.ServletConfig{Body: "later", Delay: 10 * time.Millisecond})

	t.Run("completes", func(t *testing.T) {
		req, resp, rec := newExchange("GET")
		notified := make(chan wire.SocketEvent, 1)
		req.Wire().SetAsyncNotifier(func(ev wire.SocketEvent) { notified <- ev })
		req.SetAsyncSupported(true)

		if err := s.Service(req, resp); err != nil {
			t.Fatal(err)
		}
		if !req.IsAsync() {
			t.Fatal("servlet did not suspend")
		}
		select {
		case ev := <-notified:
			if ev != wire.EventOpenRead {
				t.Errorf("event = %s", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("async servlet never completed")
		}
		if req.IsAsync() {
			t.Error("still async after completion")
		}
		if rec.Body.String() != "later" {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("abandoned after timeout", func(t *testing.T) {
		slow := NewAsync(config.ServletConfig{Body: "late", Delay: 50 * time.Millisecond})
		req, resp, rec := newExchange("GET")
		req.SetAsyncSupported(true)
		if err := slow.Service(req, resp); err != nil {
			t.Fatal(err)
		}
		req.AsyncContext().Timeout()
		time.Sleep(100 * time.Millisecond)
		if rec.Body.Len() != 0 {
			t.Errorf("abandoned exchange written: %q", rec.Body.String())
		}
	})

	t.Run("not supported", func(t *testing.T) {
		req, resp, _ := newExchange("GET")
		if err := s.Service(req, resp); err == nil {
			t.Error("expected error without async support")
		}
	})
}
