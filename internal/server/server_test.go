package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/deploy"
	"go.uber.org/zap"
)

const baseYAML = `
logging:
  level: error
access_log:
  enabled: false
connector:
  address: 127.0.0.1:0
  async_timeout: 2s
engine:
  default_host: localhost
  background_interval: 50ms
admin:
  enabled: true
  address: 127.0.0.1:0
hosts:
  - name: localhost
    contexts:
      - path: /app
        servlets:
          - name: hello
            kind: text
            body: hello
            mappings: ["/hello"]
          - name: slow
            kind: async
            body: late
            delay: 1h
            async_supported: true
            mappings: ["/slow"]
`

const reloadedYAML = baseYAML + `
      - path: /extra
        servlets:
          - name: extra
            kind: text
            body: extra
            mappings: ["/"]
`

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
}

// startServer loads baseYAML from a temporary file and starts a server.
func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admission.yaml")
	writeConfig(t, path, baseYAML)
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(cfg, Options{ConfigPath: path, Version: "test", Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(5 * time.Second) })
	return s, path
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func post(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServerServesConnector(t *testing.T) {
	s, _ := startServer(t)

	code, body := get(t, "http://"+s.ConnectorAddr()+"/app/hello")
	if code != http.StatusOK || body != "hello" {
		t.Errorf("GET /app/hello = %d %q", code, body)
	}
	code, _ = get(t, "http://"+s.ConnectorAddr()+"/missing")
	if code != http.StatusNotFound {
		t.Errorf("GET /missing = %d, want 404", code)
	}
	code, _ = get(t, "http://"+s.ConnectorAddr()+"/app/../../etc/passwd")
	if code != http.StatusBadRequest {
		t.Errorf("traversal = %d, want 400", code)
	}
}

func TestAdminHealthAndMetrics(t *testing.T) {
	s, _ := startServer(t)
	admin := "http://" + s.AdminAddr()

	code, body := get(t, admin+"/healthz")
	if code != http.StatusOK || !strings.Contains(body, `"version":"test"`) {
		t.Errorf("/healthz = %d %s", code, body)
	}
	code, body = get(t, admin+"/readyz")
	if code != http.StatusOK || !strings.Contains(body, `"ready"`) {
		t.Errorf("/readyz = %d %s", code, body)
	}

	get(t, "http://"+s.ConnectorAddr()+"/app/hello")
	code, body = get(t, admin+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "admission_requests_total") {
		t.Errorf("/metrics = %d, missing request counter", code)
	}

	code, body = get(t, admin+"/listeners")
	if code != http.StatusOK || !strings.Contains(body, `"connector"`) || !strings.Contains(body, `"admin"`) {
		t.Errorf("/listeners = %d %s", code, body)
	}

	code, body = get(t, admin+"/nope")
	if code != http.StatusNotFound || !strings.Contains(body, "Not Found") {
		t.Errorf("/nope = %d %s", code, body)
	}
}

func TestAdminContexts(t *testing.T) {
	s, _ := startServer(t)
	admin := "http://" + s.AdminAddr()

	code, body := get(t, admin+"/contexts")
	if code != http.StatusOK {
		t.Fatalf("/contexts = %d", code)
	}
	var status []deploy.ContextStatus
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 || status[0].Name != "/app" || len(status[0].Wrappers) != 2 {
		t.Errorf("contexts = %+v", status)
	}

	code, _ = post(t, admin+"/hosts/localhost/contexts/pause?path=/app")
	if code != http.StatusOK {
		t.Fatalf("pause = %d", code)
	}
	if c := s.Deployer().Engine().Host("localhost").Context("/app", ""); !c.Paused() {
		t.Error("context not paused")
	}
	code, _ = post(t, admin+"/hosts/localhost/contexts/resume?path=/app")
	if code != http.StatusOK {
		t.Fatalf("resume = %d", code)
	}
	if c := s.Deployer().Engine().Host("localhost").Context("/app", ""); c.Paused() {
		t.Error("context not resumed")
	}

	code, _ = post(t, admin+"/hosts/localhost/contexts/pause?path=/missing")
	if code != http.StatusNotFound {
		t.Errorf("pause unknown = %d, want 404", code)
	}
	code, _ = post(t, admin+"/hosts/localhost/contexts/restart?path=/app")
	if code != http.StatusNotFound {
		t.Errorf("unknown action = %d, want 404", code)
	}
}

func TestReloadConfig(t *testing.T) {
	s, path := startServer(t)

	writeConfig(t, path, reloadedYAML)
	code, body := post(t, "http://"+s.AdminAddr()+"/reload")
	if code != http.StatusOK || !strings.Contains(body, "context localhost/extra added") {
		t.Fatalf("reload = %d %s", code, body)
	}
	code, body = get(t, "http://"+s.ConnectorAddr()+"/extra/")
	if code != http.StatusOK || body != "extra" {
		t.Errorf("GET /extra/ = %d %q", code, body)
	}

	writeConfig(t, path, "hosts: [")
	result := s.ReloadConfig()
	if result.Success || !strings.Contains(result.Error, "config load failed") {
		t.Errorf("bad reload = %+v", result)
	}
	// The failed reload leaves the previous deployment serving.
	if code, _ := get(t, "http://"+s.ConnectorAddr()+"/extra/"); code != http.StatusOK {
		t.Errorf("GET /extra/ after failed reload = %d", code)
	}

	history := s.ReloadHistory()
	if len(history) != 2 || !history[0].Success || history[1].Success {
		t.Errorf("history = %+v", history)
	}
	if _, body := get(t, "http://"+s.AdminAddr()+"/reload/status"); !strings.Contains(body, "history") {
		t.Errorf("/reload/status = %s", body)
	}
}

func TestReloadWithoutConfigPath(t *testing.T) {
	cfg, err := config.NewLoader().Parse([]byte(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Admin.Enabled = false
	s, err := New(cfg, Options{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(time.Second)

	if r := s.ReloadConfig(); r.Success || r.Error != "no config path configured" {
		t.Errorf("ReloadConfig = %+v", r)
	}
	if s.AdminAddr() != "" {
		t.Errorf("AdminAddr = %q with admin disabled", s.AdminAddr())
	}
}

func TestWatcherRedeploys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admission.yaml")
	writeConfig(t, path, baseYAML)
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(cfg, Options{ConfigPath: path, Watch: true, Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(5 * time.Second)
	if s.watcher == nil {
		t.Fatal("watcher not started")
	}
	s.watcher.SetDebounce(10 * time.Millisecond)

	writeConfig(t, path, reloadedYAML)
	deadline := time.Now().Add(5 * time.Second)
	for s.Deployer().Engine().Host("localhost").Context("/extra", "") == nil {
		if time.Now().After(deadline) {
			t.Fatal("watcher did not redeploy the changed file")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestShutdownWakesSuspendedExchanges(t *testing.T) {
	s, _ := startServer(t)

	done := make(chan error, 1)
	go func() {
		resp, err := http.Get("http://" + s.ConnectorAddr() + "/app/slow")
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	// Wait for the exchange to suspend.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body := get(t, "http://"+s.AdminAddr()+"/metrics")
		if strings.Contains(body, "admission_in_flight_requests 1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("exchange never suspended")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	if err := s.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("shutdown waited for the suspended exchange to time out")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client still waiting after shutdown")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	cfg, err := config.NewLoader().Parse([]byte(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(cfg, Options{Logger: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRejectsBadDeployment(t *testing.T) {
	cfg, err := config.NewLoader().Parse([]byte(baseYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Hosts[0].Contexts[0].Servlets[0].Mappings = []string{"bad*pattern"}
	if _, err := New(cfg, Options{Logger: zap.NewNop()}); err == nil {
		t.Error("expected an invalid mapping to fail New")
	}
}
