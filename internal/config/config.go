package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/guild/pkg/guild"
)

// Environment variables that override values from guild.yml.
const (
	EnvConfigPath = "GUILD_CONFIG"
	EnvRedisURL   = "REDIS_URL"
	EnvAddr       = "GUILD_ADDR"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

const (
	defaultAddr            = ":8080"
	defaultShutdownTimeout = 10 * time.Second
	defaultRedisImage      = "redis:7-alpine"
	defaultRedisPort       = 6379
)

// Config represents the top-level guild.yml configuration
type Config struct {
	Version  string          `yaml:"version"`
	Server   ServerConfig    `yaml:"server"`
	Store    StoreConfig     `yaml:"store"`
	Defaults guild.Defaults  `yaml:"defaults"`
	Logging  LoggingConfig   `yaml:"logging"`
	Services *ServicesConfig `yaml:"services,omitempty"`
}

// ServerConfig controls the daemon's HTTP listener and message id generation.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	NodeID          int           `yaml:"node_id"` // 0-255, distinguishes id generators of cooperating daemons
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins,omitempty"`
	SpecDir         string        `yaml:"spec_dir,omitempty"` // guild spec files here are created on sight
}

// StoreConfig selects where guild specs and status are persisted.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url,omitempty"`
}

// LoggingConfig controls the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // zerolog level name
	Format string `yaml:"format"` // "console" or "json"
}

// ServicesConfig specifies the containers `guild up` provisions
type ServicesConfig struct {
	Redis *ServiceOverride `yaml:"redis,omitempty"`
}

// ServiceOverride allows overriding default service images
type ServiceOverride struct {
	Image string `yaml:"image,omitempty"`
	Port  int    `yaml:"port,omitempty"`
}

// Default returns the configuration used when no guild.yml is present.
func Default() *Config {
	c := &Config{Version: "1.0"}
	// Validate only fails on explicit bad values; the zero config is always accepted.
	_ = c.Validate()
	return c
}

// Validate performs strict validation on the configuration and fills defaults
func (c *Config) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 255 {
		return fmt.Errorf("server.node_id must be between 0 and 255, got %d", c.Server.NodeID)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout)
	}

	switch c.Store.Backend {
	case "":
		c.Store.Backend = StoreMemory
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required when store.backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid store.backend: %s (must be 'memory' or 'redis')", c.Store.Backend)
	}

	builtin := guild.BuiltinDefaults()
	if c.Defaults.Messaging.Backend == "" {
		c.Defaults.Messaging = builtin.Messaging
	}
	if c.Defaults.ExecutionEngine.Name == "" {
		c.Defaults.ExecutionEngine = builtin.ExecutionEngine
	}
	if c.Defaults.Dependencies == nil {
		c.Defaults.Dependencies = map[string]guild.DependencySpec{}
	}
	for name, dep := range c.Defaults.Dependencies {
		if dep.Resolver == "" {
			return fmt.Errorf("defaults.dependencies.%s: resolver is required", name)
		}
		if err := dep.Scope.Validate(); err != nil {
			return fmt.Errorf("defaults.dependencies.%s: %w", name, err)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "console"
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Services == nil {
		c.Services = &ServicesConfig{}
	}
	if c.Services.Redis == nil {
		c.Services.Redis = &ServiceOverride{}
	}
	if c.Services.Redis.Image == "" {
		c.Services.Redis.Image = defaultRedisImage
	}
	if c.Services.Redis.Port == 0 {
		c.Services.Redis.Port = defaultRedisPort
	}

	return nil
}

// ApplyEnv overrides configured values with REDIS_URL and GUILD_ADDR when they are set.
// A REDIS_URL switches the store to redis.
func (c *Config) ApplyEnv() {
	if url := os.Getenv(EnvRedisURL); url != "" {
		c.Store.Backend = StoreRedis
		c.Store.RedisURL = url
	}
	if addr := os.Getenv(EnvAddr); addr != "" {
		c.Server.Addr = addr
	}
}

// Load reads and validates guild.yml from the specified path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadFromEnv loads the file named by GUILD_CONFIG, falling back to path. When neither
// names an existing file the defaults are used, still subject to env overrides.
func LoadFromEnv(path string) (*Config, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return Load(p)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	config := &Config{Version: "1.0"}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// IsGuildSpecFile reports whether path has an extension LoadGuildSpec understands.
func IsGuildSpecFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".toml":
		return true
	}
	return false
}

// LoadGuildSpec reads a guild spec from a YAML, JSON or TOML file, rejecting unknown fields.
func LoadGuildSpec(path string) (*guild.GuildSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guild spec: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return ParseGuildSpecTOML(data)
	}
	return ParseGuildSpec(data)
}

// ParseGuildSpecTOML decodes and validates a TOML guild spec. Keys follow the same
// snake_case names as the YAML form.
func ParseGuildSpecTOML(data []byte) (*guild.GuildSpec, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse guild spec: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("guild spec is empty")
	}

	var spec guild.GuildSpec
	if err := DecodeStrict(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse guild spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guild spec: %w", err)
	}
	return &spec, nil
}

// ParseGuildSpec decodes and validates a guild spec document.
func ParseGuildSpec(data []byte) (*guild.GuildSpec, error) {
	var spec guild.GuildSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("guild spec is empty")
		}
		return nil, fmt.Errorf("failed to parse guild spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guild spec: %w", err)
	}
	return &spec, nil
}

// LoadAgentSpec reads and validates a single agent spec from a YAML or JSON file.
func LoadAgentSpec(path string) (*guild.AgentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent spec: %w", err)
	}
	var agent guild.AgentSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&agent); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("agent spec is empty")
		}
		return nil, fmt.Errorf("failed to parse agent spec: %w", err)
	}
	if err := agent.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent spec: %w", err)
	}
	return &agent, nil
}

// DecodeStrict decodes a generic plugin config map into out, which must be a pointer to a
// struct with yaml tags. Keys that out does not declare are rejected. Durations are given
// as strings such as "250ms".
func DecodeStrict(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimPrefix(err.Error(), "yaml: "))
	}
	return nil
}
