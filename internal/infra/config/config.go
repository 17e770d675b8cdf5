package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Websocket WebsocketConfig `yaml:"websocket"`
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
	Presence  PresenceConfig  `yaml:"presence"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Audit     AuditConfig     `yaml:"audit"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	// SampleRatio is the fraction of root spans kept; 0 means all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// GatewayConfig holds the HTTP/WebSocket listener settings.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
	// WorkerVersion is compared with the client's ?version= parameter;
	// mismatching clients are asked to reload. Empty disables the check.
	WorkerVersion  string          `yaml:"worker_version"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Auth           AuthConfig      `yaml:"auth"`
}

// RateLimitConfig bounds handshake and HTTP requests per client IP.
type RateLimitConfig struct {
	Enabled           bool     `yaml:"enabled"`
	RequestsPerMinute int      `yaml:"requests_per_minute"`
	Burst             int      `yaml:"burst"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// AuthConfig holds the static token table used to bootstrap sessions.
type AuthConfig struct {
	AdminToken string `yaml:"admin_token"`
	// SessionTTL expires sessions idle for longer; zero keeps them until
	// they are revoked.
	SessionTTL time.Duration `yaml:"session_ttl"`
	Tokens     []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig maps a bearer token to a tenant user.
type TokenConfig struct {
	Token  string `yaml:"token"`
	Name   string `yaml:"name"`
	Tenant string `yaml:"tenant"`
	UserID int64  `yaml:"user_id"`
}

// WebsocketConfig holds per-connection protocol limits.
type WebsocketConfig struct {
	MaxMessageSize    int           `yaml:"max_message_size"`
	KeepAliveTimeout  time.Duration `yaml:"keep_alive_timeout"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	KeepAliveJitter   bool          `yaml:"keep_alive_jitter"`
	RateLimitBurst    int           `yaml:"rate_limit_burst"`
	RateLimitDelay    time.Duration `yaml:"rate_limit_delay"`
}

// BusConfig groups the dispatcher and its wake-up transport.
type BusConfig struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Transport  TransportConfig  `yaml:"transport"`
}

// DispatcherConfig controls the fan-out loop.
type DispatcherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

// TransportConfig selects the wake-up transport.
type TransportConfig struct {
	Type     string `yaml:"type"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
	Channel  string `yaml:"channel"`
}

// StoreConfig holds notification store settings.
type StoreConfig struct {
	Path         string        `yaml:"path"`
	ReplayWindow time.Duration `yaml:"replay_window"`
	Retention    time.Duration `yaml:"retention"`
	Breaker      BreakerConfig `yaml:"breaker"`
}

// AuditConfig controls the operator audit trail.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`  // 0 = keep forever
	MaxSize string        `yaml:"max_size"` // e.g. "100MB"; empty = unbounded
}

// BreakerConfig tunes the circuit breaker around store reads.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PresenceConfig holds presence thresholds.
type PresenceConfig struct {
	AwayAfter       time.Duration `yaml:"away_after"`
	DisconnectAfter time.Duration `yaml:"disconnect_after"`
}

// RetryConfig tunes the retry policy for lifecycle hooks and message handling.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

// SchedulerConfig holds periodic maintenance jobs.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
	// LockTTL bounds a task lease taken when several processes share the
	// redis transport.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`
}

// defaultDataDir returns the persistent data directory under $HOME/.livebus/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".livebus", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Gateway: GatewayConfig{
			Addr:           ":8072",
			RequestTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
			Auth: AuthConfig{
				SessionTTL: 24 * time.Hour,
			},
		},
		Websocket: WebsocketConfig{
			MaxMessageSize:    1 << 20,
			KeepAliveTimeout:  time.Hour,
			InactivityTimeout: 40 * time.Second,
			KeepAliveJitter:   true,
			RateLimitBurst:    10,
			RateLimitDelay:    200 * time.Millisecond,
		},
		Bus: BusConfig{
			Dispatcher: DispatcherConfig{
				Enabled:      true,
				PollInterval: 50 * time.Second,
				Workers:      8,
			},
			Transport: TransportConfig{
				Type:    "memory",
				Channel: "livebus",
			},
		},
		Store: StoreConfig{
			Path:         filepath.Join(defaultDataDir(), "bus.db"),
			ReplayWindow: 100 * time.Second,
			Retention:    24 * time.Hour,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Presence: PresenceConfig{
			AwayAfter:       30 * time.Minute,
			DisconnectAfter: 65 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 150 * time.Millisecond,
			Multiplier:      1.5,
			Jitter:          0.3,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			LockTTL: 5 * time.Minute,
			Tasks: []ScheduledTaskConfig{
				{Name: "notification-gc", Schedule: "1h", Action: "notification_gc"},
				{Name: "presence-reap", Schedule: "30s", Action: "presence_reap"},
				{Name: "session-sweep", Schedule: "10m", Action: "session_sweep"},
			},
		},
		Audit: AuditConfig{
			Path:    filepath.Join(defaultDataDir(), "audit.jsonl"),
			MaxAge:  90 * 24 * time.Hour,
			MaxSize: "100MB",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("LIVEBUS_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps LIVEBUS_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIVEBUS_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LIVEBUS_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LIVEBUS_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LIVEBUS_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("LIVEBUS_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("LIVEBUS_GATEWAY_WORKER_VERSION"); v != "" {
		cfg.Gateway.WorkerVersion = v
	}
	if v := os.Getenv("LIVEBUS_GATEWAY_ADMIN_TOKEN"); v != "" {
		cfg.Gateway.Auth.AdminToken = v
	}
	if v := os.Getenv("LIVEBUS_GATEWAY_TRUSTED_PROXIES"); v != "" {
		cfg.Gateway.RateLimit.TrustedProxies = splitAndTrim(v, ",")
	}
	if v := os.Getenv("LIVEBUS_WEBSOCKET_KEEP_ALIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Websocket.KeepAliveTimeout = d
		}
	}
	if v := os.Getenv("LIVEBUS_WEBSOCKET_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Websocket.RateLimitBurst = n
		}
	}
	if v := os.Getenv("LIVEBUS_WEBSOCKET_RATE_LIMIT_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Websocket.RateLimitDelay = d
		}
	}
	if v := os.Getenv("LIVEBUS_DISPATCHER_ENABLED"); v != "" {
		cfg.Bus.Dispatcher.Enabled = v == "true"
	}
	if v := os.Getenv("LIVEBUS_TRANSPORT_TYPE"); v != "" {
		cfg.Bus.Transport.Type = v
	}
	if v := os.Getenv("LIVEBUS_REDIS_URL"); v != "" {
		cfg.Bus.Transport.RedisURL = v
	}
	if v := os.Getenv("LIVEBUS_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LIVEBUS_STORE_REPLAY_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Store.ReplayWindow = d
		}
	}
	if v := os.Getenv("LIVEBUS_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("LIVEBUS_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
