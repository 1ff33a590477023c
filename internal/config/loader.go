package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/wudi/admission/internal/uri"
	"golang.org/x/crypto/bcrypt"
)

var (
	validLevels        = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validAccessFormats = map[string]bool{"combined": true, "json": true}
	validSchemes       = map[string]bool{"http": true, "https": true}
	validStores        = map[string]bool{"": true, "memory": true, "redis": true}
	validTracking      = map[string]bool{"cookie": true, "url": true, "ssl": true}
	validAuthMethods   = map[string]bool{"": true, "basic": true}
	validClientAuth    = map[string]bool{"": true, "request": true, "require": true, "verify": true}
	validValveTypes    = map[string]bool{
		"request_id": true, "rate_limit": true, "error_report": true, "remote_addr": true, "auth": true,
	}
	validServletKinds = map[string]bool{
		"text": true, "echo": true, "session": true, "async": true, "status": true,
	}
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	normalize(cfg)

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left as written.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// normalize applies context defaults and canonical forms after unmarshalling.
func normalize(cfg *Config) {
	cfg.Connector.Scheme = strings.ToLower(cfg.Connector.Scheme)
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		h.Name = strings.ToLower(h.Name)
		for j := range h.Contexts {
			c := ApplyContextDefaults(cfg.Engine.ContextDefaults, h.Contexts[j])
			if c.Path == "/" {
				c.Path = ""
			}
			h.Contexts[j] = c
		}
	}
}

func (l *Loader) validate(cfg *Config) error {
	var errs []error

	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.AccessLog.Enabled && !validAccessFormats[cfg.AccessLog.Format] {
		errs = append(errs, fmt.Errorf("access_log.format: must be combined or json, got %q", cfg.AccessLog.Format))
	}
	errs = append(errs, l.validateConnector(cfg.Connector)...)

	if cfg.Engine.PausedRetryInterval <= 0 {
		errs = append(errs, errors.New("engine.paused_retry_interval: must be positive"))
	}
	if cfg.Engine.BackgroundInterval <= 0 {
		errs = append(errs, errors.New("engine.background_interval: must be positive"))
	}
	errs = append(errs, l.validateValves("engine", cfg.Engine.Valves)...)

	names := make(map[string]bool)
	for i, h := range cfg.Hosts {
		scope := fmt.Sprintf("hosts[%d]", i)
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", scope))
		}
		for _, n := range append([]string{h.Name}, h.Aliases...) {
			n = strings.ToLower(n)
			if names[n] {
				errs = append(errs, fmt.Errorf("%s: duplicate host name %q", scope, n))
			}
			names[n] = true
		}
		errs = append(errs, l.validateValves(scope, h.Valves)...)
		errs = append(errs, l.validateContexts(scope, h.Contexts)...)
	}
	if len(cfg.Hosts) > 0 && !names[strings.ToLower(cfg.Engine.DefaultHost)] {
		errs = append(errs, fmt.Errorf("engine.default_host: %q is not a configured host", cfg.Engine.DefaultHost))
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		errs = append(errs, errors.New("tracing.sample_rate: must be between 0 and 1"))
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		errs = append(errs, errors.New("admin.address: required when admin is enabled"))
	}

	return errors.Join(errs...)
}

func (l *Loader) validateConnector(c ConnectorConfig) []error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("connector.address: required"))
	}
	if !validSchemes[c.Scheme] {
		errs = append(errs, fmt.Errorf("connector.scheme: must be http or https, got %q", c.Scheme))
	}
	if c.ProxyPort < 0 || c.ProxyPort > 65535 {
		errs = append(errs, fmt.Errorf("connector.proxy_port: out of range: %d", c.ProxyPort))
	}
	if _, err := uri.NewConverter(c.URIEncoding); err != nil {
		errs = append(errs, fmt.Errorf("connector.uri_encoding: %w", err))
	}
	if c.AsyncTimeout < 0 {
		errs = append(errs, errors.New("connector.async_timeout: must not be negative"))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("connector.tls: cert_file and key_file are required"))
	}
	if !validClientAuth[c.TLS.ClientAuth] {
		errs = append(errs, fmt.Errorf("connector.tls.client_auth: unknown mode %q", c.TLS.ClientAuth))
	}
	if c.TLS.ClientAuth == "verify" && c.TLS.ClientCAFile == "" {
		errs = append(errs, errors.New("connector.tls.client_ca_file: required to verify client certificates"))
	}
	if c.HTTP3 && !c.TLS.Enabled {
		errs = append(errs, errors.New("connector.http3: requires tls"))
	}
	return errs
}

func (l *Loader) validateContexts(scope string, contexts []ContextConfig) []error {
	var errs []error
	seen := make(map[string]bool)
	versionedPaths := make(map[string]bool)
	for i, c := range contexts {
		cs := fmt.Sprintf("%s.contexts[%d]", scope, i)
		if c.Path != "" && (!strings.HasPrefix(c.Path, "/") || strings.HasSuffix(c.Path, "/")) {
			errs = append(errs, fmt.Errorf("%s.path: must start and not end with '/', got %q", cs, c.Path))
		}
		if strings.Contains(c.Version, "##") {
			errs = append(errs, fmt.Errorf("%s.version: must not contain '##'", cs))
		}
		key := c.Path + "##" + c.Version
		if seen[key] {
			errs = append(errs, fmt.Errorf("%s: duplicate context %q version %q", cs, c.Path, c.Version))
		}
		seen[key] = true
		if versioned, ok := versionedPaths[c.Path]; ok && versioned != (c.Version != "") {
			errs = append(errs, fmt.Errorf("%s: context %q mixes versioned and unversioned deployments", cs, c.Path))
		}
		versionedPaths[c.Path] = c.Version != ""

		for _, p := range c.Forbidden {
			if !doublestar.ValidatePattern(p) {
				errs = append(errs, fmt.Errorf("%s.forbidden: invalid pattern %q", cs, p))
			}
		}
		errs = append(errs, validateSession(cs, c.Session)...)
		errs = append(errs, validateAuth(cs, c.Auth)...)
		errs = append(errs, l.validateValves(cs, c.Valves)...)
		errs = append(errs, validateServlets(cs, c.Servlets)...)
	}
	return errs
}

func validateSession(scope string, s SessionConfig) []error {
	var errs []error
	for _, m := range s.TrackingModes {
		if !validTracking[strings.ToLower(m)] {
			errs = append(errs, fmt.Errorf("%s.session.tracking_modes: unknown mode %q", scope, m))
		}
	}
	if !validStores[s.Store] {
		errs = append(errs, fmt.Errorf("%s.session.store: must be memory or redis, got %q", scope, s.Store))
	}
	if s.MaxActive < 0 || s.TTL < 0 {
		errs = append(errs, fmt.Errorf("%s.session: max_active and ttl must not be negative", scope))
	}
	return errs
}

func validateAuth(scope string, a AuthConfig) []error {
	var errs []error
	if !validAuthMethods[a.Method] {
		errs = append(errs, fmt.Errorf("%s.auth.method: unknown method %q", scope, a.Method))
	}
	users := make(map[string]bool)
	for _, u := range a.Users {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("%s.auth.users: name required", scope))
		}
		if users[u.Name] {
			errs = append(errs, fmt.Errorf("%s.auth.users: duplicate user %q", scope, u.Name))
		}
		users[u.Name] = true
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			errs = append(errs, fmt.Errorf("%s.auth.users[%s].password_hash: %w", scope, u.Name, err))
		}
	}
	return errs
}

func (l *Loader) validateValves(scope string, valves []ValveConfig) []error {
	var errs []error
	for i, v := range valves {
		vs := fmt.Sprintf("%s.valves[%d]", scope, i)
		if !validValveTypes[v.Type] {
			errs = append(errs, fmt.Errorf("%s.type: unknown valve %q", vs, v.Type))
			continue
		}
		switch v.Type {
		case "rate_limit":
			if v.Rate <= 0 {
				errs = append(errs, fmt.Errorf("%s.rate: must be positive", vs))
			}
			if v.Burst < 0 {
				errs = append(errs, fmt.Errorf("%s.burst: must not be negative", vs))
			}
		case "remote_addr":
			for _, p := range append(append([]string{}, v.Allow...), v.Deny...) {
				if _, err := parsePrefix(p); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", vs, err))
				}
			}
		}
	}
	return errs
}

func validateServlets(scope string, servlets []ServletConfig) []error {
	var errs []error
	names := make(map[string]bool)
	for i, s := range servlets {
		ss := fmt.Sprintf("%s.servlets[%d]", scope, i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", ss))
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate servlet %q", ss, s.Name))
		}
		names[s.Name] = true
		if !validServletKinds[s.Kind] {
			errs = append(errs, fmt.Errorf("%s.kind: unknown servlet kind %q", ss, s.Kind))
		}
		if s.Status != 0 && (s.Status < 100 || s.Status > 599) {
			errs = append(errs, fmt.Errorf("%s.status: invalid status code %d", ss, s.Status))
		}
	}
	return errs
}

// parsePrefix accepts a CIDR prefix or a single address.
func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// ParsePrefixes parses a list of CIDR prefixes or single addresses.
func ParsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
