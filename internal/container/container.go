package container

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Level identifies a tier of the container hierarchy.
type Level string

const (
	LevelEngine  Level = "engine"
	LevelHost    Level = "host"
	LevelContext Level = "context"
	LevelWrapper Level = "wrapper"
)

// AccessEntry is one completed (or rejected) exchange handed to an access
// log.
type AccessEntry struct {
	Request     *Request
	Response    *Response
	Elapsed     time.Duration
	MappingOnly bool
	// Level and Container name the container on which logging was
	// requested, which is not necessarily the one owning the log.
	Level     Level
	Container string
}

// AccessLog receives access entries.
type AccessLog interface {
	Log(e AccessEntry)
}

type accessLogHolder struct{ AccessLog }

// base carries what every container tier shares.
type base struct {
	name      string
	level     Level
	parent    *base
	pipeline  *Pipeline
	accessLog atomic.Pointer[accessLogHolder]
}

func (b *base) init(name string, level Level, parent *base, basic Valve) {
	b.name = name
	b.level = level
	b.parent = parent
	b.pipeline = NewPipeline(string(level)+":"+name, basic)
}

// Name returns the container name.
func (b *base) Name() string { return b.name }

// Level returns the container tier.
func (b *base) Level() Level { return b.level }

// Pipeline returns the container's pipeline.
func (b *base) Pipeline() *Pipeline { return b.pipeline }

// SetAccessLog attaches an access log. Passing nil detaches it.
func (b *base) SetAccessLog(l AccessLog) {
	if l == nil {
		b.accessLog.Store(nil)
		return
	}
	b.accessLog.Store(&accessLogHolder{l})
}

// LogAccess records an exchange through this container's access log and
// then through every ancestor's.
func (b *base) LogAccess(req *Request, resp *Response, elapsed time.Duration, mappingOnly bool) {
	e := AccessEntry{
		Request:     req,
		Response:    resp,
		Elapsed:     elapsed,
		MappingOnly: mappingOnly,
		Level:       b.level,
		Container:   b.name,
	}
	for c := b; c != nil; c = c.parent {
		if h := c.accessLog.Load(); h != nil {
			h.Log(e)
		}
	}
}

// Engine is the root container. It hands requests to the mapped host.
type Engine struct {
	base

	mu    sync.RWMutex
	hosts map[string]*Host
}

// NewEngine creates an engine with the standard basic valve.
func NewEngine(name string) *Engine {
	e := &Engine{hosts: make(map[string]*Host)}
	e.init(name, LevelEngine, nil, engineValve{})
	return e
}

// AddHost creates and registers a host.
func (e *Engine) AddHost(name string) *Host {
	h := &Host{engine: e, contexts: make(map[string]*Context)}
	h.init(name, LevelHost, &e.base, hostValve{})
	e.mu.Lock()
	e.hosts[name] = h
	e.mu.Unlock()
	return h
}

// Host returns the registered host with name.
func (e *Engine) Host(name string) *Host {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hosts[name]
}

// RemoveHost unregisters the host with name.
func (e *Engine) RemoveHost(name string) {
	e.mu.Lock()
	delete(e.hosts, name)
	e.mu.Unlock()
}

// Hosts returns every registered host sorted by name.
func (e *Engine) Hosts() []*Host {
	e.mu.RLock()
	out := make([]*Host, 0, len(e.hosts))
	for _, h := range e.hosts {
		out = append(out, h)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// BackgroundProcess runs periodic work down the whole hierarchy.
func (e *Engine) BackgroundProcess() {
	e.pipeline.BackgroundProcess()
	for _, h := range e.Hosts() {
		h.BackgroundProcess()
	}
}

// Host is a virtual host holding contexts.
type Host struct {
	base
	engine *Engine

	mu       sync.RWMutex
	contexts map[string]*Context
}

// Engine returns the owning engine.
func (h *Host) Engine() *Engine { return h.engine }

// AddContext creates and registers a context version.
func (h *Host) AddContext(path, version string) *Context {
	c := newContext(h, path, version)
	h.mu.Lock()
	h.contexts[c.name] = c
	h.mu.Unlock()
	return c
}

// Context returns the registered context version.
func (h *Host) Context(path, version string) *Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.contexts[ContextName(path, version)]
}

// RemoveContext unregisters a context version.
func (h *Host) RemoveContext(path, version string) {
	h.mu.Lock()
	delete(h.contexts, ContextName(path, version))
	h.mu.Unlock()
}

// Contexts returns every registered context sorted by name.
func (h *Host) Contexts() []*Context {
	h.mu.RLock()
	out := make([]*Context, 0, len(h.contexts))
	for _, c := range h.contexts {
		out = append(out, c)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// BackgroundProcess runs periodic work for the host and its contexts.
func (h *Host) BackgroundProcess() {
	h.pipeline.BackgroundProcess()
	for _, c := range h.Contexts() {
		c.BackgroundProcess()
	}
}
