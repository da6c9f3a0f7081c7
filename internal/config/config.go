package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. WEAVR_SERVER_ADDR.
const EnvPrefix = "WEAVR"

// Config holds all weavr process configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Log         LogConfig          `mapstructure:"log"`
	Store       StoreConfig        `mapstructure:"store"`
	Engine      EngineConfig       `mapstructure:"engine"`
	Retry       RetryConfig        `mapstructure:"retry"`
	Search      SearchConfig       `mapstructure:"search"`
	AI          AIConfig           `mapstructure:"ai"`
	Sandbox     SandboxConfig      `mapstructure:"sandbox"`
	ToolServers []ToolServerConfig `mapstructure:"tool_servers"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	// Path is a libsql DSN, e.g. "file:/home/me/.weavr/weavr.db". Empty disables persistence.
	Path string `mapstructure:"path"`
}

type EngineConfig struct {
	PoolSize        int  `mapstructure:"pool_size"`
	HistorySize     int  `mapstructure:"history_size"`
	StrictTemplates bool `mapstructure:"strict_templates"`
}

// RetryConfig is the outbound call policy shared by every network-calling component.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// RateLimit caps outbound requests per second; zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type SearchConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// AIConfig is the provider credential record handed to AI actions.
type AIConfig struct {
	Provider string `mapstructure:"provider" json:"provider"`
	APIKey   string `mapstructure:"api_key" json:"-"`
	Model    string `mapstructure:"model" json:"model"`
	BaseURL  string `mapstructure:"base_url" json:"base_url,omitempty"`
}

// SandboxConfig bounds what shell and file actions may touch.
// Empty path lists leave the filesystem unrestricted.
type SandboxConfig struct {
	AllowedPaths  []string      `mapstructure:"allowed_paths"`
	ReadOnlyPaths []string      `mapstructure:"read_only_paths"`
	DenyPaths     []string      `mapstructure:"deny_paths"`
	ShellTimeout  time.Duration `mapstructure:"shell_timeout"`
	MaxOutput     int64         `mapstructure:"max_output"`
}

// ToolServerConfig launches an external MCP tool server over stdio.
type ToolServerConfig struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

// Dir returns the weavr home directory (~/.weavr).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weavr"
	}
	return filepath.Join(home, ".weavr")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":4200")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.path", "file:"+filepath.Join(Dir(), "weavr.db"))
	v.SetDefault("engine.pool_size", 10)
	v.SetDefault("engine.history_size", 100)
	v.SetDefault("engine.strict_templates", false)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.timeout", 60*time.Second)
	v.SetDefault("retry.rate_limit", 0.0)
	v.SetDefault("retry.burst", 1)
	v.SetDefault("search.endpoint", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("search.api_key", "")
	v.SetDefault("ai.provider", "anthropic")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("sandbox.allowed_paths", []string{})
	v.SetDefault("sandbox.read_only_paths", []string{})
	v.SetDefault("sandbox.deny_paths", []string{})
	v.SetDefault("sandbox.shell_timeout", 30*time.Second)
	v.SetDefault("sandbox.max_output", 10*1024*1024)
}

// newViper builds a viper instance with defaults and env binding applied and
// reads path if given. A missing file is only an error when path was explicit.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("weavr")
	v.AddConfigPath(".")
	v.AddConfigPath(Dir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load layers defaults, the config file and WEAVR_* environment variables.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyFloors(&cfg)
	return &cfg, nil
}

func applyFloors(cfg *Config) {
	if cfg.Engine.PoolSize <= 0 {
		cfg.Engine.PoolSize = 10
	}
	if cfg.Engine.HistorySize <= 0 {
		cfg.Engine.HistorySize = 100
	}
}
