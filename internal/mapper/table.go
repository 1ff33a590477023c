package mapper

import (
	"strings"

	"github.com/wudi/admission/internal/container"
)

type table struct {
	exactHosts    map[string]*mappedHost
	wildcardHosts map[string]*mappedHost // keyed by ".example.com"
	defaultHost   *mappedHost
}

type mappedHost struct {
	host     *container.Host
	contexts []*mappedContext
}

type mappedContext struct {
	path     string
	versions []*contextVersion
	all      []*container.Context
}

type contextVersion struct {
	version        string
	ctx            *container.Context
	contextRoot    *container.Wrapper
	exact          map[string]*container.Wrapper
	prefixes       []prefixWrapper
	extensions     map[string]*container.Wrapper
	defaultWrapper *container.Wrapper
}

type prefixWrapper struct {
	prefix  string
	wrapper *container.Wrapper
}

// Map resolves serverName and the decoded, normalized uri into md. When
// version names a deployed version of the matched context it is preferred
// over the newest one. A nil md.Context means nothing matched.
func (m *Mapper) Map(serverName, uri, version string, md *container.MappingData) {
	t := m.current.Load()

	mh := t.findHost(serverName)
	if mh == nil {
		return
	}
	md.Host = mh.host

	mc := mh.findContext(uri)
	if mc == nil {
		return
	}
	md.Contexts = mc.all

	cv := mc.versions[len(mc.versions)-1]
	if version != "" {
		for _, v := range mc.versions {
			if v.version == version {
				cv = v
				break
			}
		}
	}
	md.Context = cv.ctx
	md.ContextPath = mc.path

	if cv.ctx.Paused() {
		return
	}
	cv.mapWrapper(uri, md)
}

func (t *table) findHost(name string) *mappedHost {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if mh := t.exactHosts[name]; mh != nil {
		return mh
	}
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		if mh := t.wildcardHosts[name[dot:]]; mh != nil {
			return mh
		}
	}
	return t.defaultHost
}

func (mh *mappedHost) findContext(uri string) *mappedContext {
	for _, mc := range mh.contexts {
		if mc.path == "" || uri == mc.path || strings.HasPrefix(uri, mc.path+"/") {
			return mc
		}
	}
	return nil
}

func (cv *contextVersion) mapWrapper(uri string, md *container.MappingData) {
	path := uri[len(md.ContextPath):]

	// Exact, including the context root.
	if path == "/" && cv.contextRoot != nil {
		md.Wrapper = cv.contextRoot
		md.WrapperPath = ""
		md.PathInfo = "/"
		md.MatchType = container.MatchContextRoot
		return
	}
	if w := cv.exact[path]; w != nil {
		md.Wrapper = w
		md.WrapperPath = path
		md.MatchType = container.MatchExact
		return
	}

	// Longest path prefix.
	for _, pw := range cv.prefixes {
		if pw.prefix == "" || path == pw.prefix || strings.HasPrefix(path, pw.prefix+"/") {
			md.Wrapper = pw.wrapper
			md.WrapperPath = pw.prefix
			md.PathInfo = path[len(pw.prefix):]
			md.MatchType = container.MatchPath
			return
		}
	}

	if path == "" && cv.ctx.RootRedirect() {
		md.RedirectPath = uri + "/"
		return
	}

	// Extension of the last segment.
	slash := strings.LastIndexByte(path, '/')
	if period := strings.LastIndexByte(path, '.'); period > slash {
		if w := cv.extensions[path[period+1:]]; w != nil {
			md.Wrapper = w
			md.WrapperPath = path
			md.MatchType = container.MatchExtension
			return
		}
	}

	if cv.defaultWrapper != nil {
		md.Wrapper = cv.defaultWrapper
		md.WrapperPath = path
		md.MatchType = container.MatchDefault
	}
}
