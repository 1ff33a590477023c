// Package accesslog writes one line per finished or rejected exchange.
// A Logger is attached to a container and receives entries from it and
// from every descendant.
package accesslog

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wudi/admission/internal/config"
	"github.com/wudi/admission/internal/container"
	"github.com/wudi/admission/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultSensitiveHeaders are masked in json entries.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key"}

// RequestIDHeader is read from the response to correlate entries.
const RequestIDHeader = "X-Request-ID"

const combinedTime = "02/Jan/2006:15:04:05 -0700"

// Logger implements container.AccessLog.
type Logger struct {
	format    string
	out       zapcore.WriteSyncer
	closer    io.Closer
	json      *zap.Logger
	statuses  []StatusRange
	headers   []string
	sensitive map[string]bool
}

// New opens the configured output and returns a logger writing to it.
func New(cfg config.AccessLogConfig) (*Logger, error) {
	ws, closer := logging.OpenOutput(logging.Config{
		Output:     cfg.Output,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
		LocalTime:  cfg.Rotation.LocalTime,
	})
	l, err := NewWithWriter(cfg, ws)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	l.closer = closer
	return l, nil
}

// NewWithWriter returns a logger writing to ws. Output and rotation
// settings in cfg are ignored.
func NewWithWriter(cfg config.AccessLogConfig, ws zapcore.WriteSyncer) (*Logger, error) {
	l := &Logger{
		format:    cfg.Format,
		out:       ws,
		sensitive: make(map[string]bool, len(DefaultSensitiveHeaders)),
	}
	if l.format == "" {
		l.format = "combined"
	}
	for _, sc := range cfg.StatusCodes {
		sr, err := ParseStatusRange(sc)
		if err != nil {
			return nil, err
		}
		l.statuses = append(l.statuses, sr)
	}
	for _, h := range cfg.Headers {
		l.headers = append(l.headers, http.CanonicalHeaderKey(h))
	}
	for _, h := range DefaultSensitiveHeaders {
		l.sensitive[http.CanonicalHeaderKey(h)] = true
	}

	if l.format == "json" {
		enc := logging.EncoderConfig()
		enc.LevelKey = ""
		enc.CallerKey = ""
		enc.StacktraceKey = ""
		enc.MessageKey = ""
		l.json = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(enc), ws, zapcore.InfoLevel))
	}
	return l, nil
}

// ShouldLog reports whether an exchange with status passes the filter.
func (l *Logger) ShouldLog(status int) bool {
	if len(l.statuses) == 0 {
		return true
	}
	for _, sr := range l.statuses {
		if sr.Contains(status) {
			return true
		}
	}
	return false
}

// Log writes e.
func (l *Logger) Log(e container.AccessEntry) {
	if e.Request == nil || e.Response == nil || !l.ShouldLog(e.Response.Status()) {
		return
	}
	if l.json != nil {
		l.json.Info("", l.fields(e)...)
		return
	}
	_, _ = l.out.Write(l.combined(e))
}

// Close flushes and closes a rotated file output.
func (l *Logger) Close() error {
	_ = l.out.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

func (l *Logger) fields(e container.AccessEntry) []zap.Field {
	req, resp := e.Request, e.Response
	w := req.Wire()
	fields := []zap.Field{
		zap.String("remote_addr", w.RemoteAddr),
		zap.String("method", w.Method),
		zap.String("uri", req.RequestURI()),
		zap.String("protocol", w.Protocol),
		zap.String("host", w.ServerName),
		zap.Int("status", resp.Status()),
		zap.Int64("bytes", resp.ContentWritten()),
		zap.Duration("elapsed", e.Elapsed),
		zap.String("level", string(e.Level)),
		zap.String("container", e.Container),
		zap.Bool("mapping_only", e.MappingOnly),
	}
	if q := req.QueryString(); q != "" {
		fields = append(fields, zap.String("query", q))
	}
	if user := userName(req); user != "" {
		fields = append(fields, zap.String("user", user))
	}
	if id := resp.Header().Get(RequestIDHeader); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if len(l.headers) > 0 {
		headers := make(map[string]string, len(l.headers))
		for _, h := range l.headers {
			v := req.Header().Values(h)
			if len(v) == 0 {
				continue
			}
			if l.sensitive[h] {
				headers[h] = "***"
			} else {
				headers[h] = strings.Join(v, ", ")
			}
		}
		fields = append(fields, zap.Any("headers", headers))
	}
	return fields
}

// combined renders the Apache combined format followed by the elapsed
// milliseconds and the logging container.
func (l *Logger) combined(e container.AccessEntry) []byte {
	req, resp := e.Request, e.Response
	w := req.Wire()

	start := w.StartTime
	if start.IsZero() {
		start = time.Now()
	}

	var b strings.Builder
	b.Grow(256)
	b.WriteString(dash(host(w.RemoteAddr)))
	b.WriteString(" - ")
	b.WriteString(dash(userName(req)))
	b.WriteString(" [")
	b.WriteString(start.Format(combinedTime))
	b.WriteString("] \"")
	b.WriteString(w.Method)
	b.WriteByte(' ')
	b.WriteString(req.RequestURI())
	if q := req.QueryString(); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if w.Protocol != "" {
		b.WriteByte(' ')
		b.WriteString(w.Protocol)
	}
	b.WriteString("\" ")
	b.WriteString(strconv.Itoa(resp.Status()))
	b.WriteByte(' ')
	if n := resp.ContentWritten(); n > 0 {
		b.WriteString(strconv.FormatInt(n, 10))
	} else {
		b.WriteByte('-')
	}
	b.WriteString(" \"")
	b.WriteString(dash(req.Header().Get("Referer")))
	b.WriteString("\" \"")
	b.WriteString(dash(req.Header().Get("User-Agent")))
	b.WriteString("\" ")
	b.WriteString(strconv.FormatInt(e.Elapsed.Milliseconds(), 10))
	b.WriteString("ms ")
	b.WriteString(string(e.Level))
	b.WriteByte(':')
	b.WriteString(dash(e.Container))
	b.WriteByte('\n')
	return []byte(b.String())
}

func userName(req *container.Request) string {
	if p := req.UserPrincipal(); p != nil {
		return p.Name()
	}
	return req.Wire().RemoteUser
}

func host(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i > 0 && !strings.HasSuffix(addr, "]") {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
