// Package config handles configuration loading for the correlation service.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-siem/internal/notify"
	"sentinel-siem/internal/storage"
	"sentinel-siem/internal/storage/s3"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Incidents  IncidentsConfig  `yaml:"incidents"`
	Storage    StorageConfig    `yaml:"storage"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EngineConfig holds correlation engine settings.
type EngineConfig struct {
	MaxEvents       int           `yaml:"max_events"`
	MaxEventAge     time.Duration `yaml:"max_event_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	BridgeTimeout   time.Duration `yaml:"bridge_timeout"`

	// RulesDir holds YAML rule files loaded at startup, in addition to the
	// built-in rule set.
	RulesDir         string `yaml:"rules_dir"`
	SeedBuiltinRules bool   `yaml:"seed_builtin_rules"`
}

// ValidationConfig holds event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
	StrictMode  bool          `yaml:"strict_mode"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`     // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`    // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`     // Trust X-Forwarded-For header
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// SlogLevel maps the configured level name onto a slog level. Unknown names
// fall back to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger from the configured level and format.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.ToLower(l.Format) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds outbound alert delivery settings.
type AlertingConfig struct {
	Dispatcher notify.DispatcherConfig `yaml:"dispatcher"`
	Webhook    WebhookConfig           `yaml:"webhook"`
	Kafka      KafkaAlertConfig        `yaml:"kafka"`
	Redis      RedisAlertConfig        `yaml:"redis"`
}

// WebhookConfig holds webhook alert channel settings.
type WebhookConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// KafkaAlertConfig holds Kafka alert channel settings.
type KafkaAlertConfig struct {
	notify.KafkaConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// RedisAlertConfig holds Redis alert channel settings.
type RedisAlertConfig struct {
	notify.RedisConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// IncidentsConfig holds incident tracker settings.
type IncidentsConfig struct {
	notify.IncidentClientConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// StorageConfig holds cold storage settings.
type StorageConfig struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
	Archive    storage.ArchiveConfig    `yaml:"archive"`
	Retention  storage.RetentionConfig  `yaml:"retention"`
	S3         S3Config                 `yaml:"s3"`
}

// S3Config holds S3 cold archive settings.
type S3Config struct {
	s3.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			MaxEvents:        10000,
			MaxEventAge:      24 * time.Hour,
			CleanupInterval:  30 * time.Minute,
			BridgeTimeout:    10 * time.Second,
			SeedBuiltinRules: true,
		},
		Validation: ValidationConfig{
			MaxEventAge: 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
			StrictMode:  false, // Disabled by default - enable for production
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false, // Disabled by default for development
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    "data/audit",
		},
		Alerting: AlertingConfig{
			Dispatcher: notify.DefaultDispatcherConfig(),
			Kafka: KafkaAlertConfig{
				KafkaConfig: notify.KafkaConfig{
					Brokers: []string{"localhost:9092"},
					Topic:   "sentinel.attacks",
				},
			},
			Redis: RedisAlertConfig{
				RedisConfig: notify.RedisConfig{
					Addr:    "localhost:6379",
					Channel: "sentinel:attacks",
				},
			},
		},
		Incidents: IncidentsConfig{
			IncidentClientConfig: notify.IncidentClientConfig{
				Timeout: 10 * time.Second,
			},
		},
		Storage: StorageConfig{
			Enabled:    false, // Disabled by default for development without ClickHouse
			ClickHouse: storage.DefaultClickHouseConfig(),
			Archive:    storage.DefaultArchiveConfig(),
			Retention:  storage.DefaultRetentionConfig(),
			S3: S3Config{
				Config: *s3.DefaultConfig(),
			},
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("SENTINEL_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// A missing file is fine; environment overrides still apply on top of the
	// defaults.
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("SENTINEL_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("SENTINEL_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if dir := os.Getenv("SENTINEL_RULES_DIR"); dir != "" {
		c.Engine.RulesDir = dir
	}

	// Storage settings
	if enabled := os.Getenv("SENTINEL_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Alerting settings
	if url := os.Getenv("SENTINEL_WEBHOOK_URL"); url != "" {
		c.Alerting.Webhook.URL = url
		c.Alerting.Webhook.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Alerting.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Alerting.Redis.Addr = addr
	}

	// Incident tracker settings
	if url := os.Getenv("SENTINEL_INCIDENTS_URL"); url != "" {
		c.Incidents.BaseURL = url
		c.Incidents.Enabled = true
	}

	if token := os.Getenv("SENTINEL_INCIDENTS_TOKEN"); token != "" {
		c.Incidents.Token = token
	}

	// Rate limit settings
	if enabled := os.Getenv("SENTINEL_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("SENTINEL_RATELIMIT_RPS"); rps != "" {
		fmt.Sscanf(rps, "%d", &c.RateLimit.RequestsPerIP)
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Engine.MaxEvents <= 0 {
		return fmt.Errorf("engine max_events must be positive")
	}

	if c.Engine.MaxEventAge <= 0 {
		return fmt.Errorf("engine max_event_age must be positive")
	}

	if c.Engine.CleanupInterval <= 0 {
		return fmt.Errorf("engine cleanup_interval must be positive")
	}

	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("webhook alerting enabled but url is empty")
	}

	if c.Incidents.Enabled && c.Incidents.BaseURL == "" {
		return fmt.Errorf("incident tracker enabled but base_url is empty")
	}

	return nil
}
