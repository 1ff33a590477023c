package accesslog

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/wire"
	"go.uber.org/zap/zapcore"
)

func TestParseStatusRange(t *testing.T) {
	tests := []struct {
		input string
		lo    int
		hi    int
		err   bool
	}{
		{"200", 200, 200, false},
		{"4xx", 400, 499, false},
		{"5xx", 500, 599, false},
		{"200-299", 200, 299, false},
		{"0xx", 0, 0, true},
		{"abc", 0, 0, true},
		{"600", 0, 0, true},
		{"99", 0, 0, true},
		{"500-400", 0, 0, true},
	}

	for _, tt := range tests {
		sr, err := ParseStatusRange(tt.input)
		if tt.err {
			if err == nil {
				t.Errorf("ParseStatusRange(%q) expected error, got %v", tt.input, sr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStatusRange(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if sr.Lo != tt.lo || sr.Hi != tt.hi {
			t.Errorf("ParseStatusRange(%q) = [%d, %d], want [%d, %d]", tt.input, sr.Lo, sr.Hi, tt.lo, tt.hi)
		}
	}
}

func entry(status int, body string) container.AccessEntry {
	wreq := wire.NewRequest()
	wreq.Method = "GET"
	wreq.RequestURI = []byte("/app/x")
	wreq.QueryString = "a=b"
	wreq.Protocol = "HTTP/1.1"
	wreq.RemoteAddr = "192.0.2.7:51234"
	wreq.ServerName = "localhost"
	wreq.StartTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	wreq.Header.Set("User-Agent", "curl/8")
	wreq.Header.Set("Authorization", "Basic c2VjcmV0")
	wreq.Header.Set("Accept", "text/plain")

	wresp := wire.NewResponse(httptest.NewRecorder())
	wresp.Status = status
	if body != "" {
		wresp.Write([]byte(body))
	}
	wresp.Header().Set(RequestIDHeader, "req-1")

	return container.AccessEntry{
		Request:   container.NewRequest(wreq),
		Response:  container.NewResponse(wresp),
		Elapsed:   12 * time.Millisecond,
		Level:     container.LevelContext,
		Container: "/app",
	}
}

func TestCombinedFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(config.AccessLogConfig{Format: "combined"}, zapcore.AddSync(&buf))
	if err != nil {
		t.Fatal(err)
	}

	l.Log(entry(200, "hello"))

	want := `192.0.2.7 - - [01/Mar/2024:12:00:00 +0000] "GET /app/x?a=b HTTP/1.1" 200 5 "-" "curl/8" 12ms context:/app` + "\n"
	if got := buf.String(); got != want {
		t.Errorf("line =\n%q\nwant\n%q", got, want)
	}
}

func TestCombinedNoBody(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewWithWriter(config.AccessLogConfig{}, zapcore.AddSync(&buf))

	l.Log(entry(404, ""))
	if !strings.Contains(buf.String(), `" 404 - "`) {
		t.Errorf("line = %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(config.AccessLogConfig{
		Format:  "json",
		Headers: []string{"authorization", "accept", "x-missing"},
	}, zapcore.AddSync(&buf))
	if err != nil {
		t.Fatal(err)
	}

	e := entry(503, "")
	e.MappingOnly = true
	l.Log(e)

	var got map[string]any
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	checks := map[string]any{
		"method":       "GET",
		"uri":          "/app/x",
		"query":        "a=b",
		"status":       float64(503),
		"level":        "context",
		"container":    "/app",
		"mapping_only": true,
		"request_id":   "req-1",
		"remote_addr":  "192.0.2.7:51234",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s = %v, want %v", k, got[k], want)
		}
	}
	headers, _ := got["headers"].(map[string]any)
	if headers["Authorization"] != "***" {
		t.Errorf("authorization not masked: %v", headers)
	}
	if headers["Accept"] != "text/plain" {
		t.Errorf("accept = %v", headers["Accept"])
	}
	if _, ok := headers["X-Missing"]; ok {
		t.Error("absent headers must be omitted")
	}
	if _, ok := got["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestStatusFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(config.AccessLogConfig{StatusCodes: []string{"4xx", "500-503"}}, zapcore.AddSync(&buf))
	if err != nil {
		t.Fatal(err)
	}

	for _, status := range []int{200, 302, 404, 502, 504} {
		l.Log(entry(status, ""))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("logged %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], " 404 ") || !strings.Contains(lines[1], " 502 ") {
		t.Errorf("unexpected lines %q", lines)
	}
}

func TestInvalidStatusFilter(t *testing.T) {
	if _, err := NewWithWriter(config.AccessLogConfig{StatusCodes: []string{"7xx"}}, zapcore.AddSync(&bytes.Buffer{})); err == nil {
		t.Error("expected error for invalid status range")
	}
}

func TestUserFromPrincipal(t *testing.T) {
	var buf bytes.Buffer
	l, _ := NewWithWriter(config.AccessLogConfig{}, zapcore.AddSync(&buf))

	e := entry(200, "")
	e.Request.SetUserPrincipal(container.NewPrincipal("alice"))
	l.Log(e)
	if !strings.HasPrefix(buf.String(), "192.0.2.7 - alice [") {
		t.Errorf("line = %q", buf.String())
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	l, err := New(config.AccessLogConfig{Output: path, Rotation: config.LogRotationConfig{MaxSize: 1}})
	if err != nil {
		t.Fatal(err)
	}
	l.Log(entry(200, ""))
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"GET /app/x?a=b HTTP/1.1" 200`) {
		t.Errorf("file content = %q", data)
	}
}
