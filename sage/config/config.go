package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	internal "github.com/ZanzyTHEbar/csvsage/sage"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Dataset DatasetConfig `mapstructure:"dataset"`
	Harness HarnessConfig `mapstructure:"harness"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Store   StoreConfig   `mapstructure:"store"`
	Session SessionConfig `mapstructure:"session"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig stores the HTTP boundary settings.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	UploadDir       string        `mapstructure:"upload_dir"`       // Temporary files for uploads
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"` // Upload size cap, also the multipart memory threshold
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatasetConfig stores the loader settings.
type DatasetConfig struct {
	Delimiter   string        `mapstructure:"delimiter"`
	MaxAttempts int           `mapstructure:"max_attempts"` // Attempts for empty content
	BackoffUnit time.Duration `mapstructure:"backoff_unit"` // Retry n waits n units
	PreviewRows int           `mapstructure:"preview_rows"`
}

// HarnessConfig stores query orchestration settings.
type HarnessConfig struct {
	// Tool result memoization
	CacheEnabled    bool   `mapstructure:"cache_enabled"`
	CacheBackend    string `mapstructure:"cache_backend"` // "lru" | "redis"
	CacheCapacity   int    `mapstructure:"cache_capacity"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds"`
	RedisAddr       string `mapstructure:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password"`
	RedisDB         int    `mapstructure:"redis_db"`

	// Rate limiting of exchange calls
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Exchange policy
	TerminationMode  string        `mapstructure:"termination_mode"` // "substring" | "structured"
	TerminationToken string        `mapstructure:"termination_token"`
	MaxTurns         int           `mapstructure:"max_turns"`  // 0 is unbounded in substring mode
	AutoReply        string        `mapstructure:"auto_reply"` // Requester reply to plain messages
	SystemMessage    string        `mapstructure:"system_message"`
	QueryTimeout     time.Duration `mapstructure:"query_timeout"` // 0 disables
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	MaxOutputSize    int           `mapstructure:"max_output_size"` // Tool output cap in bytes

	// Safety
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	AllowedTools     []string `mapstructure:"allowed_tools"` // Empty allows every registered tool

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`

	// Performance
	ToolConcurrency int `mapstructure:"tool_concurrency"`

	// Parse tool calls written in the message text, for providers without structured calls
	InlineToolCalls bool `mapstructure:"inline_tool_calls"`
}

// LLMConfig stores the exchange service settings.
type LLMConfig struct {
	ConfigListEnv  string        `mapstructure:"config_list_env"`  // Env var holding the list or its path
	ConfigListFile string        `mapstructure:"config_list_file"` // Fallback file
	Model          string        `mapstructure:"model"`            // Select an entry; first entry when empty
	MaxNewTokens   int           `mapstructure:"max_new_tokens"`
	Temperature    float32       `mapstructure:"temperature"`
	TopP           float32       `mapstructure:"top_p"`
	Seed           int           `mapstructure:"seed"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StoreConfig stores conversation persistence settings.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// SessionConfig stores session manager settings.
type SessionConfig struct {
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables. A .env file in the
// working directory is loaded into the environment first when present.
func LoadConfig(configPath string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// Replace dots with underscores in env var names e.g. harness.max_turns becomes HARNESS_MAX_TURNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_addr", internal.DefaultListenAddr)
	v.SetDefault("server.upload_dir", internal.DefaultUploadDir)
	v.SetDefault("server.max_upload_bytes", 32<<20) // 32MB
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	// Dataset defaults (three attempts, 0.5s then 1s)
	v.SetDefault("dataset.delimiter", ",")
	v.SetDefault("dataset.max_attempts", 3)
	v.SetDefault("dataset.backoff_unit", "500ms")
	v.SetDefault("dataset.preview_rows", 5)

	// Harness defaults
	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_backend", "lru")
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.cache_ttl_seconds", 3600) // 1 hour
	v.SetDefault("harness.redis_addr", "localhost:6379")
	v.SetDefault("harness.redis_password", "")
	v.SetDefault("harness.redis_db", 0)
	v.SetDefault("harness.rate_limit_enabled", false)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.termination_mode", "substring")
	v.SetDefault("harness.termination_token", internal.DefaultTerminationToken)
	v.SetDefault("harness.max_turns", 0)
	v.SetDefault("harness.auto_reply", "")
	v.SetDefault("harness.system_message", "")
	v.SetDefault("harness.query_timeout", "0s")
	v.SetDefault("harness.tool_timeout", "30s")
	v.SetDefault("harness.max_output_size", 10000) // 10KB
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{})
	v.SetDefault("harness.enable_tracing", true)
	v.SetDefault("harness.tool_concurrency", 5)
	v.SetDefault("harness.inline_tool_calls", false)

	// LLM defaults
	v.SetDefault("llm.config_list_env", internal.DefaultLLMConfigListEnv)
	v.SetDefault("llm.config_list_file", internal.DefaultLLMConfigListEnv)
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.max_new_tokens", 1024)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.top_p", 1.0)
	v.SetDefault("llm.seed", 0)
	v.SetDefault("llm.timeout", "120s")

	// Store defaults
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.type", internal.DefaultDatabaseType)
	v.SetDefault("store.dsn", internal.DefaultDatabaseDSN)

	// Session defaults
	v.SetDefault("session.idle_ttl", "1h")
	v.SetDefault("session.cleanup_interval", "10m")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch c.Harness.TerminationMode {
	case "substring", "structured":
	default:
		return fmt.Errorf("harness.termination_mode must be substring or structured, got %q", c.Harness.TerminationMode)
	}
	if c.Harness.TerminationToken == "" && c.Harness.TerminationMode == "substring" {
		return errors.New("harness.termination_token must not be empty in substring mode")
	}
	if c.Harness.MaxTurns < 0 {
		return fmt.Errorf("harness.max_turns must not be negative, got %d", c.Harness.MaxTurns)
	}
	switch c.Harness.CacheBackend {
	case "lru", "redis":
	default:
		return fmt.Errorf("harness.cache_backend must be lru or redis, got %q", c.Harness.CacheBackend)
	}
	if len([]rune(c.Dataset.Delimiter)) != 1 {
		return fmt.Errorf("dataset.delimiter must be a single character, got %q", c.Dataset.Delimiter)
	}
	if c.Dataset.MaxAttempts < 1 {
		return fmt.Errorf("dataset.max_attempts must be at least 1, got %d", c.Dataset.MaxAttempts)
	}
	return nil
}

// DelimiterRune returns the configured field separator.
func (c DatasetConfig) DelimiterRune() rune {
	r := []rune(c.Delimiter)
	if len(r) == 0 {
		return ','
	}
	return r[0]
}

// loadEnvFile loads .env when it exists. Variables already set in the environment win.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}
