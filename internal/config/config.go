package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bind modes accepted by gateway.bind besides a literal host.
const (
	BindLoopback = "loopback"
	BindLAN      = "lan"
)

type AuthConfig struct {
	// Token is the shared bearer token clients present on /ws. Empty disables auth.
	Token string `yaml:"token"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

type DiscoveryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	InstanceName string `yaml:"instance_name"`
}

// RateLimitConfig bounds requests per remote address on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

type GatewayConfig struct {
	Port      int             `yaml:"port"`
	Bind      string          `yaml:"bind"`
	Auth      AuthConfig      `yaml:"auth"`
	TLS       TLSConfig       `yaml:"tls"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// HeartbeatCron is a five-field cron expression for the gateway's
	// self-check log line. Empty disables it.
	HeartbeatCron string `yaml:"heartbeat_cron"`
}

type ClientConfig struct {
	// ManualTLS controls whether manually entered endpoints are dialed with TLS.
	ManualTLS bool `yaml:"manual_tls"`
}

// DiagnosticsConfig holds the independent probe budgets used by daemon status.
type DiagnosticsConfig struct {
	PortProbeTimeoutMs int `yaml:"port_probe_timeout_ms"`
	RPCProbeTimeoutMs  int `yaml:"rpc_probe_timeout_ms"`
	CommandTimeoutMs   int `yaml:"command_timeout_ms"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	StateDir   string `yaml:"-"`
	ConfigPath string `yaml:"-"`
	Profile    string `yaml:"-"`
	// Exists reports whether config.yaml was found on disk.
	Exists bool `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// AuditRetentionDays bounds the audit_log table. Zero keeps everything.
	AuditRetentionDays int `yaml:"audit_retention_days"`

	Gateway     GatewayConfig     `yaml:"gateway"`
	Client      ClientConfig      `yaml:"client"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		AuditRetentionDays: 30,
		Gateway: GatewayConfig{
			Port:      DefaultGatewayPort,
			Bind:      BindLoopback,
			RateLimit: RateLimitConfig{Enabled: true, RequestsPerMinute: 120, Burst: 20},
		},
		Diagnostics: DiagnosticsConfig{
			PortProbeTimeoutMs: 1500,
			RPCProbeTimeoutMs:  3000,
			CommandTimeoutMs:   5000,
		},
	}
}

// Load resolves paths from the process environment and reads config.yaml.
func Load() (Config, error) {
	return LoadEnv(os.Getenv)
}

// LoadEnv is Load with an explicit environment. A missing config.yaml is not
// an error; defaults apply.
func LoadEnv(getenv Getenv) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := defaultConfig()
	cfg.StateDir = StateDir(getenv)
	cfg.ConfigPath = ConfigPath(getenv)
	cfg.Profile = NormalizeProfile(getenv("DMMS_AI_PROFILE"))

	portFromFile := false
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		cfg.Exists = true
		if err := ValidateDocument(data); err != nil {
			return cfg, err
		}
		var probe struct {
			Gateway struct {
				Port *int `yaml:"port"`
			} `yaml:"gateway"`
		}
		if err := yaml.Unmarshal(data, &probe); err == nil && probe.Gateway.Port != nil {
			portFromFile = true
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	} else {
		cfg.Exists = true
	}

	if !portFromFile && cfg.Profile == "dev" {
		cfg.Gateway.Port = DevGatewayPort
	}
	applyEnvOverrides(&cfg, getenv)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv Getenv) {
	if port, ok := EnvPort(getenv); ok {
		cfg.Gateway.Port = port
	}
	if raw := strings.TrimSpace(getenv("DMMS_AI_LOG_LEVEL")); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := strings.TrimSpace(getenv("DMMS_AI_GATEWAY_TOKEN")); raw != "" {
		cfg.Gateway.Auth.Token = raw
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	cfg.Gateway.Bind = strings.TrimSpace(cfg.Gateway.Bind)
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = BindLoopback
	}
	cfg.Gateway.Auth.Token = strings.TrimSpace(cfg.Gateway.Auth.Token)
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Diagnostics.PortProbeTimeoutMs <= 0 {
		cfg.Diagnostics.PortProbeTimeoutMs = def.Diagnostics.PortProbeTimeoutMs
	}
	if cfg.Diagnostics.RPCProbeTimeoutMs <= 0 {
		cfg.Diagnostics.RPCProbeTimeoutMs = def.Diagnostics.RPCProbeTimeoutMs
	}
	if cfg.Diagnostics.CommandTimeoutMs <= 0 {
		cfg.Diagnostics.CommandTimeoutMs = def.Diagnostics.CommandTimeoutMs
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute <= 0 {
		cfg.Gateway.RateLimit.RequestsPerMinute = def.Gateway.RateLimit.RequestsPerMinute
	}
	if cfg.Gateway.RateLimit.Burst <= 0 {
		cfg.Gateway.RateLimit.Burst = def.Gateway.RateLimit.Burst
	}
	if cfg.AuditRetentionDays < 0 {
		cfg.AuditRetentionDays = 0
	}
	if cfg.Gateway.TLS.Enabled {
		if cfg.Gateway.TLS.CertPath == "" {
			cfg.Gateway.TLS.CertPath = filepath.Join(cfg.StateDir, "tls", "gateway.crt")
		}
		if cfg.Gateway.TLS.KeyPath == "" {
			cfg.Gateway.TLS.KeyPath = filepath.Join(cfg.StateDir, "tls", "gateway.key")
		}
	}
}

// BindHost maps gateway.bind to the host part of a listen address.
func BindHost(bind string) string {
	switch strings.ToLower(strings.TrimSpace(bind)) {
	case "", BindLoopback:
		return "127.0.0.1"
	case BindLAN:
		return "0.0.0.0"
	default:
		return strings.TrimSpace(bind)
	}
}

// ProbeHost is the host a local client should dial for a given bind mode.
func ProbeHost(bind string) string {
	host := BindHost(bind)
	if host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func (c Config) PortProbeTimeout() time.Duration {
	return time.Duration(c.Diagnostics.PortProbeTimeoutMs) * time.Millisecond
}

func (c Config) RPCProbeTimeout() time.Duration {
	return time.Duration(c.Diagnostics.RPCProbeTimeoutMs) * time.Millisecond
}

func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.Diagnostics.CommandTimeoutMs) * time.Millisecond
}

// PinDBPath is the SQLite database holding gateway pins and the audit table.
func (c Config) PinDBPath() string {
	return filepath.Join(c.StateDir, "dmms-ai.db")
}

// Fingerprint returns a stable hash of the settings that affect the running
// gateway. The gateway compares it on reload to report drift.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "port=%d|bind=%s|tls=%t|discovery=%t|log=%s",
		c.Gateway.Port, c.Gateway.Bind, c.Gateway.TLS.Enabled, c.Gateway.Discovery.Enabled, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Save writes cfg back to its ConfigPath.
func Save(cfg Config) error {
	if cfg.ConfigPath == "" {
		return fmt.Errorf("save config: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(cfg.ConfigPath, out, 0o600)
}
