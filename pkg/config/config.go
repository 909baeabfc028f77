// Package config loads the agentlayer service configuration and the graph and
// constitution documents it runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Engine       EngineConfig       `yaml:"engine"`
	Constitution ConstitutionConfig `yaml:"constitution"`
	Storage      StorageConfig      `yaml:"storage"`
	Events       EventsConfig       `yaml:"events"`
	LLM          LLMConfig          `yaml:"llm"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string          `yaml:"address"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	TLS             TLSConfig       `yaml:"tls"`
}

// TLSConfig serves the API over TLS when cert_file and key_file are set.
// client_ca_file additionally requires client certificates.
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"client_ca_file"`
	// Watch reloads the certificate when the files change.
	Watch bool `yaml:"watch"`
}

// Enabled reports whether TLS is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// RateLimitConfig throttles POST /run per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// EngineConfig bounds run execution.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
	DefaultTimeout    time.Duration `yaml:"default_timeout"`
}

// ConstitutionConfig points at the default constitution used when a request
// brings none.
type ConstitutionConfig struct {
	File     string        `yaml:"file"`
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// StorageConfig selects the run history backend.
type StorageConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	MemoryCapacity int    `yaml:"memory_capacity"`
}

// EventsConfig selects run event sinks.
type EventsConfig struct {
	Log    bool         `yaml:"log"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Stream StreamConfig `yaml:"stream"`
}

// StreamConfig sizes the in-process event stream behind
// GET /runs/{id}/events.
type StreamConfig struct {
	Enabled bool `yaml:"enabled"`
	// Buffer is the number of events replayable per run.
	Buffer int `yaml:"buffer"`
	// MaxRuns bounds how many runs keep their events.
	MaxRuns int `yaml:"max_runs"`
}

// LLMConfig configures the OpenAI-compatible endpoint used by llm and
// llm.judge nodes. The API key is read from the environment variable named
// by api_key_env, never from the file.
type LLMConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// PromptDir holds tasks/ and rules/ prompt files for judge nodes.
	PromptDir string `yaml:"prompt_dir"`
}

// APIKey resolves the key from the environment.
func (c LLMConfig) APIKey() string {
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// MQTTConfig configures the MQTT event publisher. An empty broker disables it.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	QoS         byte          `yaml:"qos"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Timeout     time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
	// Redaction maps span attribute keys to drop, mask, hash or replace.
	Redaction map[string]string `yaml:"redaction"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
		},
		Engine: EngineConfig{
			Workers: 4,
		},
		Constitution: ConstitutionConfig{
			Debounce: 100 * time.Millisecond,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Events: EventsConfig{
			Log:    true,
			Stream: StreamConfig{Enabled: true, Buffer: 256, MaxRuns: 512},
		},
		LLM: LLMConfig{
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "agentlayer",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file, applies AGENTLAYER_* environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("AGENTLAYER_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("AGENTLAYER_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("AGENTLAYER_WORKERS: %w", err)
		}
		cfg.Engine.Workers = n
	}
	if val := os.Getenv("AGENTLAYER_MAX_CONCURRENT_RUNS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("AGENTLAYER_MAX_CONCURRENT_RUNS: %w", err)
		}
		cfg.Engine.MaxConcurrentRuns = n
	}
	if val := os.Getenv("AGENTLAYER_CONSTITUTION"); val != "" {
		cfg.Constitution.File = val
	}

	if val := os.Getenv("AGENTLAYER_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("AGENTLAYER_STORAGE_DSN"); val != "" {
		cfg.Storage.DSN = val
	}

	if val := os.Getenv("AGENTLAYER_MQTT_BROKER"); val != "" {
		cfg.Events.MQTT.Broker = val
	}

	if val := os.Getenv("AGENTLAYER_TLS_CERT_FILE"); val != "" {
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("AGENTLAYER_TLS_KEY_FILE"); val != "" {
		cfg.Server.TLS.KeyFile = val
	}

	if val := os.Getenv("AGENTLAYER_LLM_BASE_URL"); val != "" {
		cfg.LLM.BaseURL = val
	}
	if val := os.Getenv("AGENTLAYER_LLM_MODEL"); val != "" {
		cfg.LLM.Model = val
	}

	if val := os.Getenv("AGENTLAYER_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("AGENTLAYER_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("AGENTLAYER_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("AGENTLAYER_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	return nil
}

// Validate checks every section and normalises defaults in place.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}
	if err := c.Constitution.Validate(); err != nil {
		return fmt.Errorf("constitution configuration: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events configuration: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate performs validation of server configuration.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	if c.TLS.ClientCAFile != "" && !c.TLS.Enabled() {
		return fmt.Errorf("tls client_ca_file requires cert_file and key_file")
	}
	return nil
}

// Validate performs validation of engine configuration.
func (c *EngineConfig) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs must not be negative, got %d", c.MaxConcurrentRuns)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default_timeout must not be negative")
	}
	return nil
}

// Validate performs validation of constitution configuration.
func (c *ConstitutionConfig) Validate() error {
	if c.Debounce <= 0 {
		c.Debounce = 100 * time.Millisecond
	}
	if c.Watch && strings.TrimSpace(c.File) == "" {
		return fmt.Errorf("watch requires a constitution file")
	}
	return nil
}

// Validate performs validation of storage configuration.
func (c *StorageConfig) Validate() error {
	driver := strings.ToLower(strings.TrimSpace(c.Driver))
	switch driver {
	case "", "memory":
		c.Driver = "memory"
	case "sqlite", "sqlite3":
		c.Driver = "sqlite3"
		if strings.TrimSpace(c.DSN) == "" {
			c.DSN = "agentlayer.db"
		}
	case "postgres", "postgresql":
		c.Driver = "postgres"
		if strings.TrimSpace(c.DSN) == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("invalid storage driver %q, supported drivers: memory, sqlite3, postgres", c.Driver)
	}
	if c.MemoryCapacity < 0 {
		return fmt.Errorf("memory_capacity must not be negative")
	}
	return nil
}

// Validate performs validation of events configuration.
func (c *EventsConfig) Validate() error {
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Stream.Buffer < 0 || c.Stream.MaxRuns < 0 {
		return fmt.Errorf("stream buffer and max_runs must not be negative")
	}
	return nil
}

// Validate performs validation of llm configuration.
func (c *LLMConfig) Validate() error {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		c.BaseURL = "https://api.openai.com/v1"
	} else if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("base_url must be an http or https URL, got %q", c.BaseURL)
	}
	if strings.TrimSpace(c.APIKeyEnv) == "" {
		c.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Validate performs validation of telemetry configuration.
func (c *TelemetryConfig) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "agentlayer"
	}
	for key, strategy := range c.Redaction {
		switch strategy {
		case "drop", "mask", "hash", "replace":
		default:
			return fmt.Errorf("redaction strategy %q for %q, supported: drop, mask, hash, replace", strategy, key)
		}
	}
	return nil
}

// Validate performs validation of logging configuration.
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}
	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}
