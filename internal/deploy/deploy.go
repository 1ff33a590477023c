// Package deploy turns the daemon configuration into a container hierarchy
// and the mapper tables that route into it, and applies later
// configurations in place.
//
// A context being replaced is paused for the duration of the swap, so
// requests mapped to the old version wait and are mapped again once the
// new version is registered.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/admission/internal/accesslog"
	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/logging"
	"github.com/wudi/admission/internal/mapper"
	"github.com/wudi/admission/internal/servlets"
	"github.com/wudi/admission/internal/session"
	"github.com/wudi/admission/internal/valves"
	"go.uber.org/zap"
)

// ErrUnknownContext is returned by Pause and Resume for a context that is
// not deployed.
var ErrUnknownContext = errors.New("unknown context")

// Result describes one Apply.
type Result struct {
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Deployer owns the engine and mapper of a daemon.
type Deployer struct {
	mu     sync.Mutex
	engine *container.Engine
	mapper *mapper.Mapper
	logger *zap.Logger

	accessLog    *accesslog.Logger
	accessLogCfg config.AccessLogConfig

	redisCfg config.RedisConfig
	redis    *redis.Client

	hosts map[string]*deployedHost
}

type deployedHost struct {
	host     *container.Host
	cfg      config.HostConfig
	contexts map[string]*deployedContext
}

type deployedContext struct {
	ctx *container.Context
	cfg config.ContextConfig
}

// New deploys cfg into a fresh engine.
func New(cfg *config.Config, logger *zap.Logger) (*Deployer, error) {
	if logger == nil {
		logger = logging.Global()
	}
	d := &Deployer{
		engine: container.NewEngine(cfg.Engine.Name),
		mapper: mapper.New(),
		logger: logger.Named("deploy"),
		hosts:  make(map[string]*deployedHost),
	}
	if r := d.Apply(cfg); !r.Success {
		d.Close()
		return nil, errors.New(r.Error)
	}
	return d, nil
}

// Engine returns the deployed engine.
func (d *Deployer) Engine() *container.Engine { return d.engine }

// Mapper returns the routing tables.
func (d *Deployer) Mapper() *mapper.Mapper { return d.mapper }

// plan is everything built from a configuration before the live hierarchy
// is touched.
type plan struct {
	engineValves []container.Valve
	accessLog    *accesslog.Logger
	hosts        []*hostPlan
}

type hostPlan struct {
	cfg      config.HostConfig
	valves   []container.Valve
	contexts []*contextPlan
}

type contextPlan struct {
	cfg      config.ContextConfig
	valves   []container.Valve
	session  container.SessionConfig
	servlets []servletPlan
}

type servletPlan struct {
	cfg     config.ServletConfig
	servlet container.Servlet
}

// Apply makes the deployment match cfg. Nothing changes when any part of
// cfg fails to build.
func (d *Deployer) Apply(cfg *config.Config) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := Result{Timestamp: time.Now()}
	p, err := d.build(cfg)
	if err != nil {
		result.Error = err.Error()
		d.logger.Error("deployment rejected", zap.Error(err))
		return result
	}
	result.Changes = d.commit(cfg, p)
	result.Success = true
	d.logger.Info("deployment applied",
		zap.Int("hosts", len(p.hosts)),
		zap.Int("changes", len(result.Changes)),
	)
	return result
}

func (d *Deployer) build(cfg *config.Config) (*plan, error) {
	p := &plan{}
	var err error
	if p.engineValves, err = valves.BuildAll(cfg.Engine.Valves); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if cfg.AccessLog.Enabled && !reflect.DeepEqual(cfg.AccessLog, d.accessLogCfg) {
		if p.accessLog, err = accesslog.New(cfg.AccessLog); err != nil {
			return nil, fmt.Errorf("access_log: %w", err)
		}
	}

	for _, hc := range cfg.Hosts {
		hp := &hostPlan{cfg: hc}
		if hp.valves, err = valves.BuildAll(hc.Valves); err != nil {
			return nil, p.abort(fmt.Errorf("host %s: %w", hc.Name, err))
		}
		for _, cc := range hc.Contexts {
			cp, err := buildContext(cc)
			if err != nil {
				return nil, p.abort(fmt.Errorf("host %s context %s: %w", hc.Name, container.ContextName(cc.Path, cc.Version), err))
			}
			hp.contexts = append(hp.contexts, cp)
		}
		p.hosts = append(p.hosts, hp)
	}
	return p, nil
}

// abort releases what the plan opened and returns err.
func (p *plan) abort(err error) error {
	if p.accessLog != nil {
		p.accessLog.Close()
	}
	return err
}

func buildContext(cc config.ContextConfig) (*contextPlan, error) {
	cp := &contextPlan{cfg: cc}
	var err error
	if cp.valves, err = valves.BuildAll(cc.Valves); err != nil {
		return nil, err
	}
	modes, err := session.ParseModes(cc.Session.TrackingModes)
	if err != nil {
		return nil, err
	}
	cp.session = container.SessionConfig{
		Modes:        modes,
		CookieName:   orDefault(cc.Session.CookieName, session.DefaultCookieName),
		URIParamName: orDefault(cc.Session.URIParamName, session.DefaultURIParamName),
	}
	for _, sc := range cc.Servlets {
		for _, m := range sc.Mappings {
			if err := mapper.ValidatePattern(m); err != nil {
				return nil, fmt.Errorf("servlet %s: %w", sc.Name, err)
			}
		}
		s, err := servlets.Build(sc)
		if err != nil {
			return nil, err
		}
		cp.servlets = append(cp.servlets, servletPlan{cfg: sc, servlet: s})
	}
	return cp, nil
}

// commit swaps the plan into the live hierarchy. It cannot fail.
func (d *Deployer) commit(cfg *config.Config, p *plan) []string {
	var changes []string

	d.engine.Pipeline().SetValves(p.engineValves)
	d.redisCfg = cfg.Redis
	switch {
	case p.accessLog != nil:
		old := d.accessLog
		d.engine.SetAccessLog(p.accessLog)
		d.accessLog, d.accessLogCfg = p.accessLog, cfg.AccessLog
		if old != nil {
			old.Close()
		}
		changes = append(changes, "access log reopened")
	case !cfg.AccessLog.Enabled && d.accessLog != nil:
		d.engine.SetAccessLog(nil)
		d.accessLog.Close()
		d.accessLog, d.accessLogCfg = nil, config.AccessLogConfig{}
		changes = append(changes, "access log disabled")
	}

	wanted := make(map[string]bool, len(p.hosts))
	for _, hp := range p.hosts {
		wanted[hp.cfg.Name] = true
	}
	for _, name := range sortedKeys(d.hosts) {
		if !wanted[name] {
			d.removeHost(name)
			changes = append(changes, "host "+name+" removed")
		}
	}

	for _, hp := range p.hosts {
		changes = append(changes, d.commitHost(hp)...)
	}
	d.mapper.SetDefaultHost(cfg.Engine.DefaultHost)
	return changes
}

func (d *Deployer) commitHost(hp *hostPlan) []string {
	var changes []string
	name := hp.cfg.Name
	dh := d.hosts[name]
	if dh == nil {
		dh = &deployedHost{
			host:     d.engine.AddHost(name),
			contexts: make(map[string]*deployedContext),
		}
		d.hosts[name] = dh
		changes = append(changes, "host "+name+" added")
	}
	dh.cfg = hp.cfg
	dh.host.Pipeline().SetValves(hp.valves)
	d.mapper.AddHost(name, hp.cfg.Aliases, dh.host)

	wanted := make(map[string]bool, len(hp.contexts))
	for _, cp := range hp.contexts {
		wanted[container.ContextName(cp.cfg.Path, cp.cfg.Version)] = true
	}
	for _, cname := range sortedKeys(dh.contexts) {
		if !wanted[cname] {
			d.removeContext(dh, cname)
			changes = append(changes, "context "+name+cname+" removed")
		}
	}

	for _, cp := range hp.contexts {
		cname := container.ContextName(cp.cfg.Path, cp.cfg.Version)
		old := dh.contexts[cname]
		if old != nil && reflect.DeepEqual(old.cfg, cp.cfg) {
			continue
		}
		d.deployContext(name, dh, cp, old)
		if old == nil {
			changes = append(changes, "context "+name+cname+" added")
		} else {
			changes = append(changes, "context "+name+cname+" reloaded")
		}
	}
	return changes
}

// deployContext registers a new context for cp, replacing old when set.
// old stays paused until the mapper points at its replacement.
func (d *Deployer) deployContext(hostName string, dh *deployedHost, cp *contextPlan, old *deployedContext) {
	if old != nil {
		old.ctx.Pause()
		defer old.ctx.Resume()
	}

	c := dh.host.AddContext(cp.cfg.Path, cp.cfg.Version)
	if cp.cfg.Paused {
		c.Pause()
	}
	if cp.cfg.RootRedirect != nil {
		c.SetRootRedirect(*cp.cfg.RootRedirect)
	}
	if len(cp.cfg.Forbidden) > 0 {
		c.SetForbidden(cp.cfg.Forbidden)
	}
	c.SetSessionConfig(cp.session)
	if old != nil && sameStore(old.cfg.Session, cp.cfg.Session) {
		c.SetManager(old.ctx.Manager())
	} else {
		c.SetManager(d.sessionManager(c.Name(), cp.cfg.Session))
	}
	if cp.cfg.Auth.Method != "" || len(cp.cfg.Auth.Users) > 0 {
		users := valves.NewUsers(cp.cfg.Auth)
		c.SetRealm(users)
		if cp.cfg.Auth.Method == "basic" {
			c.SetAuthenticator(valves.NewBasicAuth(users))
		}
	}
	c.Pipeline().SetValves(cp.valves)

	var mappings []mapper.WrapperMapping
	for _, sp := range cp.servlets {
		w := c.AddWrapper(sp.cfg.Name, sp.servlet)
		if len(sp.cfg.Methods) > 0 {
			w.SetMethods(upper(sp.cfg.Methods))
		}
		w.SetAsyncSupported(sp.cfg.AsyncSupported)
		w.SetUnavailable(sp.cfg.Unavailable)
		for _, pattern := range sp.cfg.Mappings {
			mappings = append(mappings, mapper.WrapperMapping{Pattern: pattern, Wrapper: w})
		}
	}

	if err := d.mapper.AddContextVersion(hostName, cp.cfg.Path, cp.cfg.Version, c, mappings); err != nil {
		// Patterns and paths were validated while planning.
		d.logger.Error("context registration failed", zap.String("context", c.Name()), zap.Error(err))
	}
	dh.contexts[c.Name()] = &deployedContext{ctx: c, cfg: cp.cfg}
}

func (d *Deployer) removeContext(dh *deployedHost, cname string) {
	dc := dh.contexts[cname]
	dc.ctx.Pause()
	d.mapper.RemoveContextVersion(dh.host.Name(), dc.cfg.Path, dc.cfg.Version)
	dh.host.RemoveContext(dc.cfg.Path, dc.cfg.Version)
	delete(dh.contexts, cname)
	dc.ctx.Resume()
}

func (d *Deployer) removeHost(name string) {
	dh := d.hosts[name]
	for _, dc := range dh.contexts {
		dc.ctx.Pause()
	}
	d.mapper.RemoveHost(name)
	d.engine.RemoveHost(name)
	delete(d.hosts, name)
	for _, dc := range dh.contexts {
		dc.ctx.Resume()
	}
}

func (d *Deployer) sessionManager(contextName string, sc config.SessionConfig) session.Manager {
	if sc.Store == "redis" {
		if d.redis == nil {
			d.redis = redis.NewClient(&redis.Options{
				Addr:     d.redisCfg.Address,
				Password: d.redisCfg.Password,
				DB:       d.redisCfg.DB,
			})
		}
		return session.NewRedisManager(d.redis, contextName, sc.TTL)
	}
	return session.NewMemoryManager(contextName, sc.MaxActive, sc.TTL)
}

// sameStore reports whether sessions created under a can be served under b.
func sameStore(a, b config.SessionConfig) bool {
	return a.Store == b.Store && a.MaxActive == b.MaxActive && a.TTL == b.TTL
}

// Pause pauses the named context of host. Requests mapped to it wait until
// Resume.
func (d *Deployer) Pause(host, contextName string) error {
	c, err := d.lookup(host, contextName)
	if err != nil {
		return err
	}
	c.Pause()
	d.logger.Info("context paused", zap.String("host", host), zap.String("context", c.Name()))
	return nil
}

// Resume resumes the named context of host.
func (d *Deployer) Resume(host, contextName string) error {
	c, err := d.lookup(host, contextName)
	if err != nil {
		return err
	}
	c.Resume()
	d.logger.Info("context resumed", zap.String("host", host), zap.String("context", c.Name()))
	return nil
}

func (d *Deployer) lookup(host, contextName string) (*container.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dh := d.hosts[strings.ToLower(host)]
	if dh == nil {
		return nil, fmt.Errorf("%w: host %q", ErrUnknownContext, host)
	}
	if !strings.HasPrefix(contextName, "/") {
		contextName = "/" + contextName
	}
	dc := dh.contexts[contextName]
	if dc == nil {
		return nil, fmt.Errorf("%w: %q on host %q", ErrUnknownContext, contextName, host)
	}
	return dc.ctx, nil
}

// ContextStatus describes one deployed context.
type ContextStatus struct {
	Host     string          `json:"host"`
	Name     string          `json:"name"`
	Path     string          `json:"path"`
	Version  string          `json:"version,omitempty"`
	Paused   bool            `json:"paused"`
	Wrappers []WrapperStatus `json:"wrappers"`
}

// WrapperStatus describes one wrapper of a context.
type WrapperStatus struct {
	Name        string          `json:"name"`
	Unavailable bool            `json:"unavailable,omitempty"`
	Stats       container.Stats `json:"stats"`
}

// Status lists every deployed context sorted by host and name.
func (d *Deployer) Status() []ContextStatus {
	var out []ContextStatus
	for _, h := range d.engine.Hosts() {
		for _, c := range h.Contexts() {
			cs := ContextStatus{
				Host:    h.Name(),
				Name:    c.Name(),
				Path:    c.Path(),
				Version: c.Version(),
				Paused:  c.Paused(),
			}
			for _, w := range c.Wrappers() {
				cs.Wrappers = append(cs.Wrappers, WrapperStatus{
					Name:        w.Name(),
					Unavailable: w.Unavailable(),
					Stats:       w.Stats(),
				})
			}
			out = append(out, cs)
		}
	}
	return out
}

// Ping checks the session store backends in use. It is a no-op until a
// redis store has been deployed.
func (d *Deployer) Ping(ctx context.Context) error {
	d.mu.Lock()
	rc := d.redis
	d.mu.Unlock()
	if rc == nil {
		return nil
	}
	if err := rc.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases the access log and the redis client.
func (d *Deployer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if d.accessLog != nil {
		errs = append(errs, d.accessLog.Close())
		d.accessLog = nil
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
		d.redis = nil
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func upper(methods []string) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = strings.ToUpper(m)
	}
	return out
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
