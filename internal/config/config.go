// Package config loads gateway configuration from YAML with environment
// variable expansion and supports hot reload through a file watcher.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Notify   NotifyConfig   `yaml:"notify"`
	Log      LogConfig      `yaml:"log"`

	// Models is the allow-list for the completion endpoint. Empty means
	// any model is accepted.
	Models []string `yaml:"models"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

// RedisConfig configures the credential/session store. An empty addr
// selects the in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// UpstreamConfig configures the provider gateway.
type UpstreamConfig struct {
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AzureAPIVersion string `yaml:"azure_api_version"`
	ProxyURL        string `yaml:"proxy_url"`

	// APIMode means every credential carries an API key; errored
	// credentials recover without a session refresh.
	APIMode bool `yaml:"api_mode"`
}

// DispatchConfig configures the task dispatcher.
type DispatchConfig struct {
	MaxOutstanding int           `yaml:"max_outstanding"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// NotifyConfig configures alarm delivery.
type NotifyConfig struct {
	LarkWebhookKey string `yaml:"lark_webhook_key"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with sane defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   5 * time.Minute,
			RateLimitRPS:   50,
			RateLimitBurst: 100,
		},
		Upstream: UpstreamConfig{
			APIMode: true,
		},
		Dispatch: DispatchConfig{
			MaxOutstanding: 1000,
			DefaultTimeout: 10 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// envPattern matches ${VAR} references in the raw YAML.
var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// LoadFromFile reads, expands and validates a YAML config file.
func LoadFromFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Load(raw)
}

// Load parses config from raw YAML bytes.
func Load(raw []byte) (*Config, error) {
	expanded := envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Dispatch.MaxOutstanding <= 0 {
		return fmt.Errorf("dispatch.max_outstanding must be positive")
	}
	if c.Dispatch.DefaultTimeout <= 0 {
		return fmt.Errorf("dispatch.default_timeout must be positive")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server rate limit values must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}
