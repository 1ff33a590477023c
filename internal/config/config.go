package config

import "time"

// Config is the root configuration of the admission daemon.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Connector ConnectorConfig `yaml:"connector"`
	Engine    EngineConfig    `yaml:"engine"`
	Hosts     []HostConfig    `yaml:"hosts"`
	Admin     AdminConfig     `yaml:"admin"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Redis     RedisConfig     `yaml:"redis"`
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level    string            `yaml:"level"`  // debug, info, warn, error
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig configures lumberjack rotation for file outputs.
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// AccessLogConfig configures the engine access log.
type AccessLogConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Format   string            `yaml:"format"` // combined or json
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
	// StatusCodes restricts logging to matching statuses: "404", "4xx" or
	// "500-599". Empty logs everything.
	StatusCodes []string `yaml:"status_codes"`
	// Headers lists request headers added to json entries. Sensitive ones
	// are masked.
	Headers []string `yaml:"headers"`
}

// ConnectorConfig describes the listening endpoint and the URI handling
// options applied before mapping.
type ConnectorConfig struct {
	Address           string        `yaml:"address"`
	Scheme            string        `yaml:"scheme"`
	Secure            bool          `yaml:"secure"`
	ProxyName         string        `yaml:"proxy_name"`
	ProxyPort         int           `yaml:"proxy_port"`
	AllowTrace        bool          `yaml:"allow_trace"`
	AllowBackslash    bool          `yaml:"allow_backslash"`
	AllowEncodedSlash bool          `yaml:"allow_encoded_slash"`
	URIEncoding       string        `yaml:"uri_encoding"`
	UseIPVHosts       bool          `yaml:"use_ip_vhosts"`
	XPoweredBy        bool          `yaml:"x_powered_by"`
	AsyncTimeout      time.Duration `yaml:"async_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	TLS               TLSConfig     `yaml:"tls"`
	// HTTP3 serves the connector over QUIC as well. Requires TLS.
	HTTP3 bool `yaml:"http3"`
}

// TLSConfig enables TLS on the connector.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// ClientAuth is "", request, require or verify. Verified client
	// certificates identify the remote user.
	ClientAuth   string `yaml:"client_auth"`
	ClientCAFile string `yaml:"client_ca_file"`
}

// EngineConfig configures the top-level container.
type EngineConfig struct {
	Name                string        `yaml:"name"`
	DefaultHost         string        `yaml:"default_host"`
	PausedRetryInterval time.Duration `yaml:"paused_retry_interval"`
	BackgroundInterval  time.Duration `yaml:"background_interval"`
	Valves              []ValveConfig `yaml:"valves"`
	// ContextDefaults is applied beneath every context definition.
	ContextDefaults ContextConfig `yaml:"context_defaults"`
}

// HostConfig defines one virtual host.
type HostConfig struct {
	Name     string          `yaml:"name"`
	Aliases  []string        `yaml:"aliases"`
	Valves   []ValveConfig   `yaml:"valves"`
	Contexts []ContextConfig `yaml:"contexts"`
}

// ContextConfig defines one context version.
type ContextConfig struct {
	Path         string          `yaml:"path"`
	Version      string          `yaml:"version"`
	Paused       bool            `yaml:"paused"`
	RootRedirect *bool           `yaml:"root_redirect"`
	Forbidden    []string        `yaml:"forbidden"`
	Session      SessionConfig   `yaml:"session"`
	Auth         AuthConfig      `yaml:"auth"`
	Valves       []ValveConfig   `yaml:"valves"`
	Servlets     []ServletConfig `yaml:"servlets"`
}

// SessionConfig configures session tracking for a context.
type SessionConfig struct {
	TrackingModes []string      `yaml:"tracking_modes"` // cookie, url, ssl
	CookieName    string        `yaml:"cookie_name"`
	URIParamName  string        `yaml:"uri_param_name"`
	Store         string        `yaml:"store"` // memory or redis
	MaxActive     int           `yaml:"max_active"`
	TTL           time.Duration `yaml:"ttl"`
}

// AuthConfig configures the context realm and authenticator.
type AuthConfig struct {
	// Method selects the authenticator: "" (none) or "basic".
	Method string       `yaml:"method"`
	Realm  string       `yaml:"realm"`
	Users  []UserConfig `yaml:"users"`
}

// UserConfig is one realm user.
type UserConfig struct {
	Name string `yaml:"name"`
	// PasswordHash is a bcrypt hash.
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// ValveConfig adds one valve to a pipeline.
type ValveConfig struct {
	Type string `yaml:"type"` // request_id, rate_limit, error_report, remote_addr, auth

	// request_id
	Header string `yaml:"header"`

	// rate_limit
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`

	// remote_addr
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ServletConfig maps one built-in servlet into a context.
type ServletConfig struct {
	Name           string            `yaml:"name"`
	Kind           string            `yaml:"kind"` // text, echo, session, async, status
	Body           string            `yaml:"body"`
	ContentType    string            `yaml:"content_type"`
	Status         int               `yaml:"status"`
	Headers        map[string]string `yaml:"headers"`
	Delay          time.Duration     `yaml:"delay"`
	Methods        []string          `yaml:"methods"`
	AsyncSupported bool              `yaml:"async_supported"`
	Unavailable    bool              `yaml:"unavailable"`
	Mappings       []string          `yaml:"mappings"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig configures the shared redis client used by redis session stores.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		AccessLog: AccessLogConfig{
			Enabled: true,
			Format:  "combined",
			Output:  "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Connector: ConnectorConfig{
			Address:         ":8080",
			Scheme:          "http",
			URIEncoding:     "UTF-8",
			AsyncTimeout:    30 * time.Second,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Name:                "admission",
			DefaultHost:         "localhost",
			PausedRetryInterval: time.Second,
			BackgroundInterval:  10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: "127.0.0.1:8081",
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
	}
}
