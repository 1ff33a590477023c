package container

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/admission/internal/session"
)

// DefaultForbidden are the resource patterns a context never serves.
var DefaultForbidden = []string{"/WEB-INF", "/WEB-INF/**", "/META-INF", "/META-INF/**"}

// RequestListener observes the request lifecycle of a context.
type RequestListener interface {
	RequestInitialized(req *Request)
	RequestDestroyed(req *Request)
}

// SessionConfig controls how a context tracks sessions.
type SessionConfig struct {
	Modes        session.Modes
	CookieName   string
	URIParamName string
}

// Context is one deployed version of a web application.
type Context struct {
	base
	host    *Host
	path    string
	version string

	pausedMu sync.Mutex
	paused   atomic.Bool
	resume   chan struct{}

	rootRedirect  atomic.Bool
	manager       session.Manager
	sessionConfig SessionConfig
	authenticator Authenticator
	realm         Realm
	forbidden     []string
	listeners     []RequestListener

	mu       sync.RWMutex
	wrappers map[string]*Wrapper
}

// ContextName is the registry name of a context version.
func ContextName(path, version string) string {
	name := path
	if name == "" {
		name = "/"
	}
	if version != "" {
		name += "##" + version
	}
	return name
}

func newContext(h *Host, path, version string) *Context {
	c := &Context{
		host:     h,
		path:     path,
		version:  version,
		wrappers: make(map[string]*Wrapper),
		sessionConfig: SessionConfig{
			Modes:        session.DefaultModes,
			CookieName:   session.DefaultCookieName,
			URIParamName: session.DefaultURIParamName,
		},
		forbidden: DefaultForbidden,
	}
	c.init(ContextName(path, version), LevelContext, &h.base, contextValve{})
	c.rootRedirect.Store(true)
	return c
}

// Host returns the owning host.
func (c *Context) Host() *Host { return c.host }

// Path returns the context path; the root context has "".
func (c *Context) Path() string { return c.path }

// Version returns the deployment version label.
func (c *Context) Version() string { return c.version }

// Paused reports whether the context is being reloaded.
func (c *Context) Paused() bool { return c.paused.Load() }

// Pause marks the context as reloading. Requests mapped to it wait.
func (c *Context) Pause() {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	if c.paused.Load() {
		return
	}
	c.resume = make(chan struct{})
	c.paused.Store(true)
}

// Resume ends a pause and wakes every waiter.
func (c *Context) Resume() {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	if !c.paused.Load() {
		return
	}
	c.paused.Store(false)
	close(c.resume)
}

// WaitResumed blocks until the context resumes, bound elapses or ctx is
// done, whichever happens first. Only cancellation of ctx is an error.
func (c *Context) WaitResumed(ctx context.Context, bound time.Duration) error {
	c.pausedMu.Lock()
	paused := c.paused.Load()
	ch := c.resume
	c.pausedMu.Unlock()
	if !paused {
		return nil
	}

	t := time.NewTimer(bound)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RootRedirect reports whether a request for the bare context path is
// redirected to the path with a trailing slash.
func (c *Context) RootRedirect() bool { return c.rootRedirect.Load() }

// SetRootRedirect toggles the context-root redirect.
func (c *Context) SetRootRedirect(v bool) { c.rootRedirect.Store(v) }

// Manager returns the session manager, if any.
func (c *Context) Manager() session.Manager { return c.manager }

// SetManager installs the session manager.
func (c *Context) SetManager(m session.Manager) { c.manager = m }

// SessionConfig returns the session tracking configuration.
func (c *Context) SessionConfig() SessionConfig { return c.sessionConfig }

// SetSessionConfig replaces the session tracking configuration. Empty names
// fall back to the defaults.
func (c *Context) SetSessionConfig(cfg SessionConfig) {
	if cfg.CookieName == "" {
		cfg.CookieName = session.DefaultCookieName
	}
	if cfg.URIParamName == "" {
		cfg.URIParamName = session.DefaultURIParamName
	}
	if cfg.Modes == 0 {
		cfg.Modes = session.DefaultModes
	}
	c.sessionConfig = cfg
}

// Authenticator returns the context's authenticator, if any.
func (c *Context) Authenticator() Authenticator { return c.authenticator }

// SetAuthenticator installs an authenticator.
func (c *Context) SetAuthenticator(a Authenticator) { c.authenticator = a }

// Realm returns the context's realm, if any.
func (c *Context) Realm() Realm { return c.realm }

// SetRealm installs a realm.
func (c *Context) SetRealm(r Realm) { c.realm = r }

// Forbidden returns the resource patterns answered with 404.
func (c *Context) Forbidden() []string { return c.forbidden }

// SetForbidden replaces the forbidden resource patterns.
func (c *Context) SetForbidden(patterns []string) { c.forbidden = patterns }

// AddRequestListener registers a lifecycle listener.
func (c *Context) AddRequestListener(l RequestListener) {
	c.listeners = append(c.listeners, l)
}

// FireRequestInitialized notifies listeners that req entered the context.
func (c *Context) FireRequestInitialized(req *Request) {
	for _, l := range c.listeners {
		l.RequestInitialized(req)
	}
}

// FireRequestDestroyed notifies listeners that req left the context.
func (c *Context) FireRequestDestroyed(req *Request) {
	for i := len(c.listeners) - 1; i >= 0; i-- {
		c.listeners[i].RequestDestroyed(req)
	}
}

// FindSession reports whether id names a live session. Lookup failures are
// treated as absent.
func (c *Context) FindSession(ctx context.Context, id string) bool {
	if c.manager == nil || id == "" {
		return false
	}
	s, err := c.manager.FindSession(ctx, id)
	return err == nil && s != nil
}

// AddWrapper creates and registers a wrapper for servlet.
func (c *Context) AddWrapper(name string, servlet Servlet) *Wrapper {
	w := &Wrapper{ctx: c, servlet: servlet}
	w.init(name, LevelWrapper, &c.base, wrapperValve{})
	c.mu.Lock()
	c.wrappers[name] = w
	c.mu.Unlock()
	return w
}

// Wrapper returns the wrapper with name.
func (c *Context) Wrapper(name string) *Wrapper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wrappers[name]
}

// Wrappers returns every wrapper sorted by name.
func (c *Context) Wrappers() []*Wrapper {
	c.mu.RLock()
	out := make([]*Wrapper, 0, len(c.wrappers))
	for _, w := range c.wrappers {
		out = append(out, w)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// BackgroundProcess runs periodic work for the context, its session
// manager and its wrappers.
func (c *Context) BackgroundProcess() {
	c.pipeline.BackgroundProcess()
	if bp, ok := c.manager.(BackgroundProcessor); ok {
		_ = runBackground(bp)
	}
	for _, w := range c.Wrappers() {
		w.pipeline.BackgroundProcess()
	}
}
