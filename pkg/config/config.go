// Package config holds the runtime configuration model: the inbound server,
// the tool-server fleet, storage paths, auth, and ambient settings. Config is
// YAML with environment variable expansion; see Loader.
package config

import (
	"fmt"
	"strings"
	"time"
)

// ServerType distinguishes the two tool-server transports.
type ServerType string

const (
	ServerTypeLocal  ServerType = "local"
	ServerTypeRemote ServerType = "remote"
)

// RetryConfig controls retry and reconnection behavior for one tool server.
type RetryConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	InitialDelay        time.Duration `yaml:"initial_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	Jitter              bool          `yaml:"jitter"`
	AutoReconnect       bool          `yaml:"auto_reconnect"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

func (r *RetryConfig) SetDefaults() {
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = time.Second
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2.0
	}
}

// ServerConfig describes one tool server. Type selects the variant: local
// servers are spawned child processes speaking line-framed JSON over stdio,
// remote servers are streaming HTTP endpoints with an SSE fallback.
type ServerConfig struct {
	Type    ServerType `yaml:"type"`
	Enabled *bool      `yaml:"enabled"`

	// Local variant.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// Remote variant.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	TimeoutMs int         `yaml:"timeout_ms"`
	Retry     RetryConfig `yaml:"retry"`
}

// IsEnabled treats absence as enabled.
func (s *ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Timeout returns the per-request timeout, defaulting to 5 s.
func (s *ServerConfig) Timeout() time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

func (s *ServerConfig) SetDefaults() {
	if s.Type == "" {
		if s.URL != "" {
			s.Type = ServerTypeRemote
		} else {
			s.Type = ServerTypeLocal
		}
	}
	s.Retry.SetDefaults()
}

func (s *ServerConfig) Validate(name string) error {
	switch s.Type {
	case ServerTypeLocal:
		if s.Command == "" {
			return fmt.Errorf("server %q: local server requires a command", name)
		}
	case ServerTypeRemote:
		if s.URL == "" {
			return fmt.Errorf("server %q: remote server requires a url", name)
		}
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return fmt.Errorf("server %q: url must be http(s): %s", name, s.URL)
		}
	default:
		return fmt.Errorf("server %q: unknown server type %q", name, s.Type)
	}
	return nil
}

// AuthConfig configures JWT validation for inbound calls.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// JWKSURL points at a remote issuer's key set. When empty, Secret is
	// used for HS256 validation.
	JWKSURL  string `yaml:"jwks_url"`
	Secret   string `yaml:"secret"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// HostConfig configures the unified tool host.
type HostConfig struct {
	// LazyTools hides deferred tools until enabled per session. Defaults on.
	LazyTools *bool `yaml:"lazy_tools"`
	// Domains restricts the exposed tool set; empty means all.
	Domains []string `yaml:"domains"`
	// AutoEnableTop enables the top-k tool_search results for the session.
	// Zero disables auto-enable.
	AutoEnableTop int `yaml:"auto_enable_top"`
}

func (h *HostConfig) LazyToolsEnabled() bool {
	return h.LazyTools == nil || *h.LazyTools
}

// OrchestratorConfig carries scheduling defaults.
type OrchestratorConfig struct {
	BaseAgent   string `yaml:"base_agent"`
	BaseModel   string `yaml:"base_model"`
	SkipOnError *bool  `yaml:"skip_on_error"`
}

func (o *OrchestratorConfig) SetDefaults() {
	if o.BaseAgent == "" {
		o.BaseAgent = "generalist"
	}
}

func (o *OrchestratorConfig) SkipOnErrorEnabled() bool {
	return o.SkipOnError == nil || *o.SkipOnError
}

// TelemetryConfig configures fire-and-forget lifecycle pings.
type TelemetryConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	ServiceName    string `yaml:"service_name"`
}

func (o *ObservabilityConfig) SetDefaults() {
	if o.ServiceName == "" {
		o.ServiceName = "ensemble"
	}
	if o.OTLPEndpoint == "" {
		o.OTLPEndpoint = "localhost:4317"
	}
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func (l *LoggingConfig) SetDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "simple"
	}
}

// ListenConfig configures the inbound RPC server.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (l *ListenConfig) SetDefaults() {
	if l.Host == "" {
		l.Host = "127.0.0.1"
	}
	if l.Port == 0 {
		l.Port = 8700
	}
}

func (l *ListenConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// Config is the root configuration.
type Config struct {
	Listen        ListenConfig             `yaml:"listen"`
	StorageDir    string                   `yaml:"storage_dir"`
	ProjectID     string                   `yaml:"project_id"`
	Servers       map[string]*ServerConfig `yaml:"servers"`
	Auth          AuthConfig               `yaml:"auth"`
	Host          HostConfig               `yaml:"host"`
	Orchestrator  OrchestratorConfig       `yaml:"orchestrator"`
	Telemetry     TelemetryConfig          `yaml:"telemetry"`
	Observability ObservabilityConfig      `yaml:"observability"`
	Logging       LoggingConfig            `yaml:"logging"`
}

func (c *Config) SetDefaults() {
	if c.StorageDir == "" {
		c.StorageDir = ".ensemble"
	}
	if c.ProjectID == "" {
		c.ProjectID = "default"
	}
	c.Listen.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Observability.SetDefaults()
	c.Logging.SetDefaults()
	for _, s := range c.Servers {
		if s != nil {
			s.SetDefaults()
		}
	}
}

func (c *Config) Validate() error {
	for name, s := range c.Servers {
		if s == nil {
			return fmt.Errorf("server %q: empty config", name)
		}
		if err := s.Validate(name); err != nil {
			return err
		}
	}
	if c.Auth.Enabled && c.Auth.JWKSURL == "" && c.Auth.Secret == "" {
		return fmt.Errorf("auth enabled but neither jwks_url nor secret is set")
	}
	return nil
}
