// ABOUTME: Configuration loading and parsing for coven-rooms
// ABOUTME: YAML or TOML by file extension, with ${VAR} expansion, duration parsing, defaults and validation

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

// Environment variables consulted by Load and DefaultPath.
const (
	EnvConfigPath = "COVEN_ROOMS_CONFIG"
	EnvDBPath     = "COVEN_ROOMS_DB_PATH"
	EnvLLMAPIKey  = "DEEPSEEK_API_KEY"
)

// Database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

// Defaults applied by Load for unset fields.
const (
	DefaultHTTPAddr         = "0.0.0.0:8000"
	DefaultDBPath           = "./coven-rooms.db"
	DefaultTokenTTL         = 72 * time.Hour
	DefaultLLMBaseURL       = "https://api.deepseek.com"
	DefaultLLMModel         = "deepseek-chat"
	DefaultLLMTimeout       = 60 * time.Second
	DefaultHistoryWindow    = 10
	DefaultReactionTimeout  = 2 * time.Minute
	DefaultSubscriberBuffer = 64
	DefaultAgentBuffer      = 1024
	DefaultEnterRoomBuffer  = 256
	DefaultToolTimeout      = 30 * time.Second
	DefaultToolConcurrency  = 4
	DefaultIdempotencyTTL   = 10 * time.Minute
	DefaultIdempotencyKeys  = 10000
	DefaultMetricsPath      = "/metrics"

	minSecretLength = 32
)

// Config represents the complete coven-rooms configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	LLM         LLMConfig         `yaml:"llm" toml:"llm"`
	Agents      []AgentConfig     `yaml:"agents" toml:"agents"`
	Delivery    DeliveryConfig    `yaml:"delivery" toml:"delivery"`
	Tools       ToolsConfig       `yaml:"tools" toml:"tools"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" toml:"ratelimit"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig selects and configures the store backend
type DatabaseConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	Path          string `yaml:"path" toml:"path"`
	MongoURI      string `yaml:"mongo_uri" toml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database" toml:"mongo_database"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`
	// Admins are usernames allowed to stop agents and remove tool servers
	Admins []string `yaml:"admins" toml:"admins"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// LLMConfig points at an OpenAI-compatible completion endpoint
type LLMConfig struct {
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	APIKey     string        `yaml:"api_key" toml:"api_key"`
	Model      string        `yaml:"model" toml:"model"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	Timeout    time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AgentConfig declares one LLM agent started with the server
type AgentConfig struct {
	Name         string `yaml:"name" toml:"name"`
	SystemPrompt string `yaml:"system_prompt" toml:"system_prompt"`
	// AutoJoin makes the agent a participant of every room someone enters.
	AutoJoin bool `yaml:"auto_join" toml:"auto_join"`
	// SystemTools offers the built-in /mcp tools to the model.
	SystemTools     bool          `yaml:"system_tools" toml:"system_tools"`
	HistoryWindow   *int          `yaml:"history_window" toml:"history_window"`
	ReactionTimeout time.Duration `yaml:"-" toml:"-"`

	ReactionTimeoutRaw string `yaml:"reaction_timeout" toml:"reaction_timeout"`
}

// DeliveryConfig sizes the bounded event queues
type DeliveryConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer" toml:"subscriber_buffer"`
	AgentBuffer      int `yaml:"agent_buffer" toml:"agent_buffer"`
	EnterRoomBuffer  int `yaml:"enter_room_buffer" toml:"enter_room_buffer"`
}

// ToolsConfig configures the tool protocol client
type ToolsConfig struct {
	Transport      string        `yaml:"transport" toml:"transport"`
	MaxConcurrency int           `yaml:"max_concurrency" toml:"max_concurrency"`
	Timeout        time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// RateLimitConfig limits how fast one user may post messages
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" toml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second" toml:"messages_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// IdempotencyConfig bounds the client_id ledger
type IdempotencyConfig struct {
	MaxKeys int           `yaml:"max_keys" toml:"max_keys"`
	TTL     time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes and applies the same pipeline as Load.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns the config path: $COVEN_ROOMS_CONFIG, then
// $XDG_CONFIG_HOME/coven/rooms.yaml, then ~/.config/coven/rooms.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven", "rooms.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "rooms.yaml"
	}
	return filepath.Join(home, ".config", "coven", "rooms.yaml")
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyEnvOverrides() {
	if p := os.Getenv(EnvDBPath); p != "" {
		c.Database.Path = p
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv(EnvLLMAPIKey)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = DefaultDBPath
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultLLMBaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultLLMModel
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = DefaultLLMTimeout
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.HistoryWindow == nil {
			w := DefaultHistoryWindow
			a.HistoryWindow = &w
		}
		if a.ReactionTimeout == 0 {
			a.ReactionTimeout = DefaultReactionTimeout
		}
	}

	if c.Delivery.SubscriberBuffer == 0 {
		c.Delivery.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if c.Delivery.AgentBuffer == 0 {
		c.Delivery.AgentBuffer = DefaultAgentBuffer
	}
	if c.Delivery.EnterRoomBuffer == 0 {
		c.Delivery.EnterRoomBuffer = DefaultEnterRoomBuffer
	}

	if c.Tools.Transport == "" {
		c.Tools.Transport = "auto"
	}
	if c.Tools.Timeout == 0 {
		c.Tools.Timeout = DefaultToolTimeout
	}
	if c.Tools.MaxConcurrency == 0 {
		c.Tools.MaxConcurrency = DefaultToolConcurrency
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.MessagesPerSecond == 0 {
			c.RateLimit.MessagesPerSecond = 5
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 10
		}
	}

	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = DefaultIdempotencyTTL
	}
	if c.Idempotency.MaxKeys == 0 {
		c.Idempotency.MaxKeys = DefaultIdempotencyKeys
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" || c.Database.MongoDatabase == "" {
			return fmt.Errorf("database.mongo_uri and database.mongo_database are required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, mongo", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < minSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLength)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d].name %q is declared twice", i, a.Name)
		}
		seen[a.Name] = true
		if a.HistoryWindow != nil && *a.HistoryWindow < 0 {
			return fmt.Errorf("agents[%d].history_window must not be negative", i)
		}
	}

	if c.Delivery.SubscriberBuffer < 1 || c.Delivery.AgentBuffer < 1 || c.Delivery.EnterRoomBuffer < 1 {
		return fmt.Errorf("delivery buffers must be at least 1")
	}

	switch c.Tools.Transport {
	case "auto", "streamable", "sse":
	default:
		return fmt.Errorf("tools.transport %q is not one of auto, streamable, sse", c.Tools.Transport)
	}

	if c.RateLimit.Enabled && (c.RateLimit.MessagesPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("ratelimit.messages_per_second and ratelimit.burst must be positive")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"tools.timeout", cfg.Tools.TimeoutRaw, &cfg.Tools.Timeout},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		fields = append(fields, durationField{fmt.Sprintf("agents[%d].reaction_timeout", i), a.ReactionTimeoutRaw, &a.ReactionTimeout})
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
