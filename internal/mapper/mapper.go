// Package mapper resolves a server name and decoded path to a host, a
// context version and a wrapper.
//
// Writers describe the deployment through AddHost, AddContextVersion and
// friends; every change compiles a fresh immutable table that readers pick
// up atomically, so Map never blocks on a deploy in progress.
package mapper

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wudi/admission/internal/container"
)

// WrapperMapping binds a URL pattern to a wrapper. Patterns follow the
// servlet rules: "" for the context root, "/" for the default wrapper,
// "/prefix/*" for path prefixes, "*.ext" for extensions and anything else
// starting with "/" for an exact path.
type WrapperMapping struct {
	Pattern string
	Wrapper *container.Wrapper
}

// Mapper holds the routing tables.
type Mapper struct {
	mu          sync.Mutex
	hosts       map[string]*hostDef
	defaultHost string

	current atomic.Pointer[table]
}

type hostDef struct {
	name     string
	aliases  []string
	host     *container.Host
	contexts map[string]map[string]*versionDef
}

type versionDef struct {
	version  string
	ctx      *container.Context
	wrappers []WrapperMapping
}

// New returns an empty mapper.
func New() *Mapper {
	m := &Mapper{hosts: make(map[string]*hostDef)}
	m.current.Store(&table{exactHosts: map[string]*mappedHost{}, wildcardHosts: map[string]*mappedHost{}})
	return m
}

// SetDefaultHost names the host used when no other host matches.
func (m *Mapper) SetDefaultHost(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultHost = strings.ToLower(name)
	m.publish()
}

// AddHost registers host under name and aliases. Names starting with "*."
// match any single leading label.
func (m *Mapper) AddHost(name string, aliases []string, host *container.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(name)
	def := m.hosts[key]
	if def == nil {
		def = &hostDef{contexts: make(map[string]map[string]*versionDef)}
		m.hosts[key] = def
	}
	def.name = key
	def.host = host
	def.aliases = def.aliases[:0]
	for _, a := range aliases {
		def.aliases = append(def.aliases, strings.ToLower(a))
	}
	m.publish()
}

// RemoveHost unregisters a host with all its contexts.
func (m *Mapper) RemoveHost(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts, strings.ToLower(name))
	m.publish()
}

// AddContextVersion registers one version of the context at path on the
// named host, replacing an existing registration of the same version.
func (m *Mapper) AddContextVersion(hostName, path, version string, ctx *container.Context, wrappers []WrapperMapping) error {
	if path != "" && (!strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/")) {
		return fmt.Errorf("invalid context path %q", path)
	}
	for _, wm := range wrappers {
		if err := ValidatePattern(wm.Pattern); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.hosts[strings.ToLower(hostName)]
	if def == nil {
		return fmt.Errorf("unknown host %q", hostName)
	}
	versions := def.contexts[path]
	if versions == nil {
		versions = make(map[string]*versionDef)
		def.contexts[path] = versions
	}
	// An empty version hint selects the newest version, so an unversioned
	// context cannot be asked for by name once versioned siblings exist.
	for v := range versions {
		if v != version && (v == "") != (version == "") {
			return fmt.Errorf("context %q mixes versioned and unversioned deployments", path)
		}
	}
	versions[version] = &versionDef{
		version:  version,
		ctx:      ctx,
		wrappers: append([]WrapperMapping(nil), wrappers...),
	}
	m.publish()
	return nil
}

// RemoveContextVersion unregisters one version of a context.
func (m *Mapper) RemoveContextVersion(hostName, path, version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.hosts[strings.ToLower(hostName)]
	if def == nil {
		return
	}
	versions := def.contexts[path]
	delete(versions, version)
	if len(versions) == 0 {
		delete(def.contexts, path)
	}
	m.publish()
}

// AddWrapper adds one mapping to a registered context version.
func (m *Mapper) AddWrapper(hostName, path, version string, wm WrapperMapping) error {
	if err := ValidatePattern(wm.Pattern); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	def := m.hosts[strings.ToLower(hostName)]
	if def == nil {
		return fmt.Errorf("unknown host %q", hostName)
	}
	vd := def.contexts[path][version]
	if vd == nil {
		return fmt.Errorf("unknown context %q on host %q", container.ContextName(path, version), hostName)
	}
	vd.wrappers = append(vd.wrappers, wm)
	m.publish()
	return nil
}

// ValidatePattern reports whether p is a valid wrapper mapping.
func ValidatePattern(p string) error {
	switch {
	case p == "" || p == "/":
		return nil
	case strings.HasPrefix(p, "*."):
		if strings.ContainsAny(p[2:], "/*") || len(p) == 2 {
			return fmt.Errorf("invalid extension mapping %q", p)
		}
		return nil
	case strings.HasPrefix(p, "/"):
		if i := strings.IndexByte(p, '*'); i >= 0 && (i != len(p)-1 || !strings.HasSuffix(p, "/*")) {
			return fmt.Errorf("invalid path mapping %q", p)
		}
		return nil
	}
	return fmt.Errorf("invalid mapping %q", p)
}

// publish compiles the definitions into a new table. Callers hold m.mu.
func (m *Mapper) publish() {
	t := &table{
		exactHosts:    make(map[string]*mappedHost),
		wildcardHosts: make(map[string]*mappedHost),
	}
	for _, def := range m.hosts {
		mh := compileHost(def)
		for _, name := range append([]string{def.name}, def.aliases...) {
			if strings.HasPrefix(name, "*.") {
				t.wildcardHosts[name[1:]] = mh
			} else {
				t.exactHosts[name] = mh
			}
		}
		if def.name == m.defaultHost {
			t.defaultHost = mh
		}
	}
	m.current.Store(t)
}

func compileHost(def *hostDef) *mappedHost {
	mh := &mappedHost{host: def.host}
	for path, versions := range def.contexts {
		mc := &mappedContext{path: path}
		for _, vd := range versions {
			mc.versions = append(mc.versions, compileVersion(vd))
		}
		sort.Slice(mc.versions, func(i, j int) bool {
			return mc.versions[i].version < mc.versions[j].version
		})
		mc.all = make([]*container.Context, len(mc.versions))
		for i, v := range mc.versions {
			mc.all[i] = v.ctx
		}
		mh.contexts = append(mh.contexts, mc)
	}
	// Longest path first so the first prefix hit is the best one.
	sort.Slice(mh.contexts, func(i, j int) bool {
		return len(mh.contexts[i].path) > len(mh.contexts[j].path)
	})
	return mh
}

func compileVersion(vd *versionDef) *contextVersion {
	cv := &contextVersion{
		version:    vd.version,
		ctx:        vd.ctx,
		exact:      make(map[string]*container.Wrapper),
		extensions: make(map[string]*container.Wrapper),
	}
	for _, wm := range vd.wrappers {
		p := wm.Pattern
		switch {
		case p == "":
			cv.contextRoot = wm.Wrapper
		case p == "/":
			cv.defaultWrapper = wm.Wrapper
		case strings.HasPrefix(p, "*."):
			cv.extensions[p[2:]] = wm.Wrapper
		case strings.HasSuffix(p, "/*"):
			cv.prefixes = append(cv.prefixes, prefixWrapper{prefix: p[:len(p)-2], wrapper: wm.Wrapper})
		default:
			cv.exact[p] = wm.Wrapper
		}
	}
	sort.Slice(cv.prefixes, func(i, j int) bool {
		return len(cv.prefixes[i].prefix) > len(cv.prefixes[j].prefix)
	})
	return cv
}
