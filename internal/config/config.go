// ABOUTME: Configuration loading and parsing for parlor-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete parlor-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Broker   BrokerConfig   `yaml:"broker" toml:"broker"`
	Delivery DeliveryConfig `yaml:"delivery" toml:"delivery"`
	Blob     BlobConfig     `yaml:"blob" toml:"blob"`
	Persona  PersonaConfig  `yaml:"persona" toml:"persona"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr       string   `yaml:"grpc_addr" toml:"grpc_addr"`
	OriginPatterns []string `yaml:"origin_patterns" toml:"origin_patterns"`
}

// DatabaseConfig selects the persistence driver
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver"` // "sqlite" or "mongo"
	Path     string `yaml:"path" toml:"path"`
	MongoURI string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db" toml:"mongo_db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
}

// BrokerConfig selects the cross-instance event bus
type BrokerConfig struct {
	Kind         string   `yaml:"kind" toml:"kind"` // "memory" or "kafka"
	Brokers      []string `yaml:"brokers" toml:"brokers"`
	GroupID      string   `yaml:"group_id" toml:"group_id"` // prefix; each instance appends its server id
	MessageTopic string   `yaml:"message_topic" toml:"message_topic"`
	ReceiptTopic string   `yaml:"receipt_topic" toml:"receipt_topic"`
}

// DeliveryConfig tunes fan-out
type DeliveryConfig struct {
	PushTimeout         time.Duration `yaml:"-" toml:"-"`
	PublishTimeout      time.Duration `yaml:"-" toml:"-"`
	DedupeWindow        time.Duration `yaml:"-" toml:"-"`
	MaxConcurrentPushes int           `yaml:"max_concurrent_pushes" toml:"max_concurrent_pushes"`
	DedupeSize          int           `yaml:"dedupe_size" toml:"dedupe_size"`

	// Raw string values for unmarshaling
	PushTimeoutRaw    string `yaml:"push_timeout" toml:"push_timeout"`
	PublishTimeoutRaw string `yaml:"publish_timeout" toml:"publish_timeout"`
	DedupeWindowRaw   string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// BlobConfig holds attachment storage configuration. An empty endpoint
// disables uploads.
type BlobConfig struct {
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	UseSSL        bool     `yaml:"use_ssl" toml:"use_ssl"`
	AccessKey     string   `yaml:"access_key" toml:"access_key"`
	SecretKey     string   `yaml:"secret_key" toml:"secret_key"`
	Bucket        string   `yaml:"bucket" toml:"bucket"`
	PublicBaseURL string   `yaml:"public_base_url" toml:"public_base_url"`
	MaxSize       int64    `yaml:"max_size" toml:"max_size"`
	AllowedTypes  []string `yaml:"allowed_types" toml:"allowed_types"`
}

// PersonaConfig holds AI persona configuration
type PersonaConfig struct {
	Enabled           bool          `yaml:"enabled" toml:"enabled"`
	ID                string        `yaml:"id" toml:"id"`
	DisplayName       string        `yaml:"display_name" toml:"display_name"`
	Backend           string        `yaml:"backend" toml:"backend"`
	Model             string        `yaml:"model" toml:"model"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	BaseURL           string        `yaml:"base_url" toml:"base_url"`
	Temperature       float64       `yaml:"temperature" toml:"temperature"`
	MaxTokens         int           `yaml:"max_tokens" toml:"max_tokens"`
	HistoryWindow     int           `yaml:"history_window" toml:"history_window"`
	SystemPrompt      string        `yaml:"system_prompt" toml:"system_prompt"`
	RequestsPerMinute float64       `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int           `yaml:"burst" toml:"burst"`
	Timeout           time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.MongoDB == "" {
		c.Database.MongoDB = "parlor"
	}
	if c.Broker.Kind == "" {
		c.Broker.Kind = "memory"
	}
	if c.Broker.GroupID == "" {
		c.Broker.GroupID = "parlor-gateway"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mongo":
		if c.Database.MongoURI == "" {
			return fmt.Errorf("database.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Broker.Kind {
	case "memory":
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers is required for the kafka broker")
		}
	default:
		return fmt.Errorf("broker.kind %q is not supported", c.Broker.Kind)
	}

	if c.Delivery.MaxConcurrentPushes < 0 {
		return fmt.Errorf("delivery.max_concurrent_pushes must not be negative")
	}

	if c.Blob.Endpoint != "" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required when blob.endpoint is set")
	}

	if c.Persona.Enabled {
		switch strings.ToLower(c.Persona.Backend) {
		case "openai", "ollama":
		default:
			return fmt.Errorf("persona.backend %q is not supported", c.Persona.Backend)
		}
		if c.Persona.Model == "" {
			return fmt.Errorf("persona.model is required when the persona is enabled")
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.push_timeout", cfg.Delivery.PushTimeoutRaw, &cfg.Delivery.PushTimeout},
		{"delivery.publish_timeout", cfg.Delivery.PublishTimeoutRaw, &cfg.Delivery.PublishTimeout},
		{"delivery.dedupe_window", cfg.Delivery.DedupeWindowRaw, &cfg.Delivery.DedupeWindow},
		{"persona.timeout", cfg.Persona.TimeoutRaw, &cfg.Persona.Timeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
