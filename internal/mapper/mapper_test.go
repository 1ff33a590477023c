package mapper

import (
	"fmt"
	"sync"
	"testing"

	"github.com/wudi/admission/internal/container"
)

type fixture struct {
	engine *container.Engine
	m      *Mapper
}

func newFixture() *fixture {
	return &fixture{engine: container.NewEngine("admission"), m: New()}
}

func (f *fixture) host(name string, aliases ...string) *container.Host {
	h := f.engine.AddHost(name)
	f.m.AddHost(name, aliases, h)
	return h
}

func (f *fixture) context(t *testing.T, h *container.Host, path, version string, patterns ...string) (*container.Context, map[string]*container.Wrapper) {
	t.Helper()
	ctx := h.AddContext(path, version)
	wrappers := make(map[string]*container.Wrapper)
	var mappings []WrapperMapping
	for _, p := range patterns {
		w := ctx.AddWrapper(p, container.ServletFunc(func(*container.Request, *container.Response) error { return nil }))
		wrappers[p] = w
		mappings = append(mappings, WrapperMapping{Pattern: p, Wrapper: w})
	}
	if err := f.m.AddContextVersion(h.Name(), path, version, ctx, mappings); err != nil {
		t.Fatal(err)
	}
	return ctx, wrappers
}

func TestMapHosts(t *testing.T) {
	f := newFixture()
	main := f.host("example.com", "www.example.com")
	wild := f.host("*.apps.test")
	def := f.host("localhost")
	f.m.SetDefaultHost("localhost")

	tests := []struct {
		server string
		want   *container.Host
	}{
		{"example.com", main},
		{"EXAMPLE.com", main},
		{"www.example.com", main},
		{"example.com.", main},
		{"one.apps.test", wild},
		{"two.one.apps.test", def},
		{"unknown.org", def},
		{"", def},
	}
	for _, tt := range tests {
		var md container.MappingData
		f.m.Map(tt.server, "/", "", &md)
		if md.Host != tt.want {
			t.Errorf("Map(%q) host = %v, want %v", tt.server, hostName(md.Host), hostName(tt.want))
		}
	}
}

func hostName(h *container.Host) string {
	if h == nil {
		return "<nil>"
	}
	return h.Name()
}

func TestMapNoDefaultHost(t *testing.T) {
	f := newFixture()
	f.host("example.com")
	var md container.MappingData
	f.m.Map("other.org", "/", "", &md)
	if md.Host != nil || md.Context != nil {
		t.Errorf("expected no host, got %+v", md)
	}
}

func TestMapContexts(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	root, _ := f.context(t, h, "", "", "/")
	app, _ := f.context(t, h, "/app", "", "/")
	deep, _ := f.context(t, h, "/app/admin", "", "/")

	tests := []struct {
		uri  string
		want *container.Context
		path string
	}{
		{"/", root, ""},
		{"/other", root, ""},
		{"/app", app, "/app"},
		{"/app/", app, "/app"},
		{"/application", root, ""},
		{"/app/admin/x", deep, "/app/admin"},
		{"/app/administrator", app, "/app"},
	}
	for _, tt := range tests {
		var md container.MappingData
		f.m.Map("localhost", tt.uri, "", &md)
		if md.Context != tt.want || md.ContextPath != tt.path {
			t.Errorf("Map(%q) = %q (%q), want %q", tt.uri, md.ContextPath, md.Context.Name(), tt.path)
		}
	}
}

func TestMapVersions(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	v1, _ := f.context(t, h, "/app", "1", "/")
	v2, _ := f.context(t, h, "/app", "2", "/")

	var md container.MappingData
	f.m.Map("localhost", "/app/x", "", &md)
	if md.Context != v2 {
		t.Errorf("no hint mapped %s, want newest", md.Context.Name())
	}
	if len(md.Contexts) != 2 || md.Contexts[0] != v1 || md.Contexts[1] != v2 {
		t.Errorf("Contexts = %v", md.Contexts)
	}

	md.Recycle()
	f.m.Map("localhost", "/app/x", "1", &md)
	if md.Context != v1 {
		t.Errorf("hint 1 mapped %s", md.Context.Name())
	}

	md.Recycle()
	f.m.Map("localhost", "/app/x", "9", &md)
	if md.Context != v2 {
		t.Errorf("unknown hint mapped %s, want newest", md.Context.Name())
	}

	f.m.RemoveContextVersion("localhost", "/app", "2")
	md.Recycle()
	f.m.Map("localhost", "/app/x", "", &md)
	if md.Context != v1 || len(md.Contexts) != 1 {
		t.Errorf("after removal mapped %s with %d versions", md.Context.Name(), len(md.Contexts))
	}
}

func TestMapWrappers(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	_, w := f.context(t, h, "/app", "", "", "/", "/exact", "/api/*", "/api/v2/*", "*.jsp")

	tests := []struct {
		uri         string
		wrapper     string
		match       container.MatchType
		servletPath string
		pathInfo    string
	}{
		{"/app/", "", container.MatchContextRoot, "", "/"},
		{"/app/exact", "/exact", container.MatchExact, "/exact", ""},
		{"/app/exact/more", "/", container.MatchDefault, "/exact/more", ""},
		{"/app/api", "/api/*", container.MatchPath, "/api", ""},
		{"/app/api/users/1", "/api/*", container.MatchPath, "/api", "/users/1"},
		{"/app/api/v2/users", "/api/v2/*", container.MatchPath, "/api/v2", "/users"},
		{"/app/apix", "/", container.MatchDefault, "/apix", ""},
		{"/app/pages/index.jsp", "*.jsp", container.MatchExtension, "/pages/index.jsp", ""},
		{"/app/dir.jsp/file", "/", container.MatchDefault, "/dir.jsp/file", ""},
		{"/app/api/page.jsp", "/api/*", container.MatchPath, "/api", "/page.jsp"},
	}
	for _, tt := range tests {
		var md container.MappingData
		f.m.Map("localhost", tt.uri, "", &md)
		if md.Wrapper != w[tt.wrapper] {
			t.Errorf("Map(%q) wrapper = %v, want %q", tt.uri, md.Wrapper, tt.wrapper)
			continue
		}
		if md.MatchType != tt.match || md.WrapperPath != tt.servletPath || md.PathInfo != tt.pathInfo {
			t.Errorf("Map(%q) = %s %q %q, want %s %q %q", tt.uri, md.MatchType, md.WrapperPath, md.PathInfo,
				tt.match, tt.servletPath, tt.pathInfo)
		}
	}
}

func TestMapRootRedirect(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	ctx, _ := f.context(t, h, "/app", "", "/")

	var md container.MappingData
	f.m.Map("localhost", "/app", "", &md)
	if md.RedirectPath != "/app/" || md.Wrapper != nil {
		t.Errorf("RedirectPath = %q wrapper = %v", md.RedirectPath, md.Wrapper)
	}

	ctx.SetRootRedirect(false)
	md.Recycle()
	f.m.Map("localhost", "/app", "", &md)
	if md.RedirectPath != "" || md.MatchType != container.MatchDefault {
		t.Errorf("with redirect disabled got %q %s", md.RedirectPath, md.MatchType)
	}
}

func TestMapRootRedirectSkippedForSlashStar(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	_, w := f.context(t, h, "/app", "", "/*")

	var md container.MappingData
	f.m.Map("localhost", "/app", "", &md)
	if md.RedirectPath != "" || md.Wrapper != w["/*"] {
		t.Errorf("got redirect %q wrapper %v", md.RedirectPath, md.Wrapper)
	}
}

func TestMapPausedContextSkipsWrapper(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	ctx, _ := f.context(t, h, "/app", "", "/")
	ctx.Pause()

	var md container.MappingData
	f.m.Map("localhost", "/app/x", "", &md)
	if md.Context != ctx || md.Wrapper != nil {
		t.Errorf("paused mapping = %+v", md)
	}
}

func TestAddContextVersionValidation(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	ctx := h.AddContext("/app", "")

	if err := f.m.AddContextVersion("nohost", "/app", "", ctx, nil); err == nil {
		t.Error("expected error for unknown host")
	}
	for _, p := range []string{"app", "/app/"} {
		if err := f.m.AddContextVersion("localhost", p, "", ctx, nil); err == nil {
			t.Errorf("expected error for context path %q", p)
		}
	}
	for _, p := range []string{"api", "/a*b", "*.", "*.a/b", "/a/*/b"} {
		err := f.m.AddContextVersion("localhost", "/app", "", ctx, []WrapperMapping{{Pattern: p}})
		if err == nil {
			t.Errorf("expected error for pattern %q", p)
		}
	}
	if err := f.m.AddContextVersion("localhost", "/app", "", ctx, nil); err != nil {
		t.Fatalf("unversioned deploy: %v", err)
	}
	if err := f.m.AddContextVersion("localhost", "/app", "2", h.AddContext("/app", "2"), nil); err == nil {
		t.Error("expected error mixing versioned and unversioned contexts")
	}
	if err := f.m.AddWrapper("localhost", "/none", "", WrapperMapping{Pattern: "/"}); err == nil {
		t.Error("expected error adding wrapper to unknown context")
	}
}

func TestMapConcurrentWithDeploys(t *testing.T) {
	f := newFixture()
	h := f.host("localhost")
	f.context(t, h, "/app", "1", "/")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				var md container.MappingData
				f.m.Map("localhost", "/app/x", "", &md)
				if md.Context == nil {
					t.Error("mapping lost the context during a deploy")
					return
				}
			}
		}()
	}

	for i := 2; i < 50; i++ {
		v := fmt.Sprintf("%03d", i)
		ctx := h.AddContext("/app", v)
		f.m.AddContextVersion("localhost", "/app", v, ctx, nil)
	}
	close(stop)
	wg.Wait()
}
