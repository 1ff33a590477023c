// Package servlets provides the built-in servlets a context can map. They
// stand in for application code at the end of the wrapper pipeline.
package servlets

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/logging"
	"go.uber.org/zap"
)

const defaultContentType = "text/plain; charset=utf-8"

// Build creates the servlet described by cfg.
func Build(cfg config.ServletConfig) (container.Servlet, error) {
	switch cfg.Kind {
	case "text", "":
		return NewText(cfg), nil
	case "echo":
		return Echo{}, nil
	case "session":
		return Session{}, nil
	case "async":
		return NewAsync(cfg), nil
	case "status":
		if cfg.Status < http.StatusBadRequest {
			return nil, fmt.Errorf("servlet %s: status servlets need an error status, got %d", cfg.Name, cfg.Status)
		}
		return NewStatus(cfg.Status, cfg.Body), nil
	default:
		return nil, fmt.Errorf("servlet %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// Text answers with a fixed body.
type Text struct {
	body        []byte
	contentType string
	status      int
	headers     map[string]string
}

// NewText creates a text servlet from cfg.
func NewText(cfg config.ServletConfig) *Text {
	t := &Text{
		body:        []byte(cfg.Body),
		contentType: cfg.ContentType,
		status:      cfg.Status,
		headers:     cfg.Headers,
	}
	if t.contentType == "" {
		t.contentType = defaultContentType
	}
	if t.status == 0 {
		t.status = http.StatusOK
	}
	return t
}

func (t *Text) Service(req *container.Request, resp *container.Response) error {
	h := resp.Header()
	for k, v := range t.headers {
		h.Set(k, v)
	}
	h.Set("Content-Type", t.contentType)
	resp.SetStatus(t.status)
	if req.Method() == http.MethodHead {
		return nil
	}
	_, err := resp.Write(t.body)
	return err
}

// Echo describes the mapped request as JSON.
type Echo struct{}

// EchoResponse is the body written by Echo.
type EchoResponse struct {
	Method         string            `json:"method"`
	URI            string            `json:"uri"`
	Query          string            `json:"query,omitempty"`
	DecodedPath    string            `json:"decoded_path"`
	Host           string            `json:"host"`
	Context        string            `json:"context"`
	Version        string            `json:"version,omitempty"`
	ContextPath    string            `json:"context_path"`
	ServletPath    string            `json:"servlet_path"`
	PathInfo       string            `json:"path_info,omitempty"`
	MatchType      string            `json:"match_type"`
	PathParameters map[string]string `json:"path_parameters,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	SessionSource  string            `json:"session_source,omitempty"`
	Secure         bool              `json:"secure"`
	User           string            `json:"user,omitempty"`
	AuthType       string            `json:"auth_type,omitempty"`
}

func (Echo) Service(req *container.Request, resp *container.Response) error {
	md := req.MappingData()
	out := EchoResponse{
		Method:         req.Method(),
		URI:            req.RequestURI(),
		Query:          req.QueryString(),
		DecodedPath:    req.DecodedPath(),
		ContextPath:    req.ContextPath(),
		ServletPath:    req.ServletPath(),
		PathInfo:       req.PathInfo(),
		MatchType:      md.MatchType.String(),
		PathParameters: req.PathParameters(),
		SessionID:      req.RequestedSessionID(),
		Secure:         req.IsSecure(),
		AuthType:       req.AuthType(),
	}
	if len(out.PathParameters) == 0 {
		out.PathParameters = nil
	}
	if out.SessionID != "" {
		out.SessionSource = req.RequestedSessionSource().String()
	}
	if h := req.MappedHost(); h != nil {
		out.Host = h.Name()
	}
	if c := req.MappedContext(); c != nil {
		out.Context = c.Name()
		out.Version = c.Version()
	}
	if p := req.UserPrincipal(); p != nil {
		out.User = p.Name()
	}
	return writeJSON(resp, http.StatusOK, out)
}

// Session returns the caller's session, starting one when needed.
type Session struct{}

// SessionResponse is the body written by Session.
type SessionResponse struct {
	ID        string    `json:"id"`
	Context   string    `json:"context"`
	New       bool      `json:"new"`
	CreatedAt time.Time `json:"created_at"`
}

func (Session) Service(req *container.Request, resp *container.Response) error {
	requested := req.RequestedSessionID()
	s, err := req.Session(true)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if s == nil {
		return resp.SendError(http.StatusNotImplemented, "Sessions are not enabled for this context")
	}
	return writeJSON(resp, http.StatusOK, SessionResponse{
		ID:        s.ID,
		Context:   s.Context,
		New:       s.ID != requested,
		CreatedAt: s.CreatedAt,
	})
}

// Status answers with an error status and leaves the body to the
// error-report stage.
type Status struct {
	code int
	msg  string
}

// NewStatus creates a status servlet. An empty message uses the standard
// status text.
func NewStatus(code int, msg string) *Status {
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &Status{code: code, msg: msg}
}

func (s *Status) Service(_ *container.Request, resp *container.Response) error {
	return resp.SendError(s.code, s.msg)
}

// Async suspends the exchange and completes it from another goroutine
// after a delay.
type Async struct {
	text  *Text
	delay time.Duration
}

// NewAsync creates an async servlet writing cfg's body after cfg.Delay.
func NewAsync(cfg config.ServletConfig) *Async {
	return &Async{text: NewText(cfg), delay: cfg.Delay}
}

func (a *Async) Service(req *container.Request, resp *container.Response) error {
	ac, err := req.StartAsync()
	if err != nil {
		return err
	}
	w := &asyncWrite{}
	ac.AddListener(w)
	time.AfterFunc(a.delay, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.abandoned {
			return
		}
		if err := a.text.Service(req, resp); err != nil {
			logging.Debug("async servlet write failed", zap.Error(err))
		}
		if err := ac.Complete(); err != nil {
			logging.Debug("async servlet complete failed", zap.Error(err))
		}
	})
	return nil
}

// asyncWrite stops a pending async write once the exchange timed out or
// failed, since the wrappers may already serve another exchange.
type asyncWrite struct {
	mu        sync.Mutex
	abandoned bool
}

func (w *asyncWrite) OnComplete(*container.AsyncContext) {}

func (w *asyncWrite) OnTimeout(*container.AsyncContext) { w.abandon() }

func (w *asyncWrite) OnError(*container.AsyncContext, error) { w.abandon() }

func (w *asyncWrite) abandon() {
	w.mu.Lock()
	w.abandoned = true
	w.mu.Unlock()
}

func writeJSON(resp *container.Response, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.SetStatus(status)
	_, err = resp.Write(append(body, '\n'))
	return err
}
