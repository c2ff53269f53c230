// Package config loads the mission core's process configuration from a YAML
// file with environment-variable overrides, following the nested
// viper+mapstructure layout used throughout this codebase's other services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LLMProviderConfig describes one configured LLM/embedding backend.
type LLMProviderConfig struct {
	Type               string `mapstructure:"type"`
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"`
	Model              string `mapstructure:"model"`
	EmbeddingModel     string `mapstructure:"embedding_model"`
	EmbeddingDimension int    `mapstructure:"embedding_dimension"`
	MaxPayloadBytes    int    `mapstructure:"max_payload_bytes"`
}

// LLMConfig selects and configures the active provider.
type LLMConfig struct {
	Provider  string                       `mapstructure:"provider"`
	Providers map[string]LLMProviderConfig `mapstructure:"providers"`
	Timeout   time.Duration                `mapstructure:"timeout"`
}

// Active returns the configuration for the selected provider.
func (c LLMConfig) Active() (LLMProviderConfig, error) {
	p, ok := c.Providers[c.Provider]
	if !ok {
		return LLMProviderConfig{}, fmt.Errorf("llm provider %q is not configured", c.Provider)
	}
	return p, nil
}

// DatabaseConfig describes the relational + vector store connection.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ServerConfig configures the HTTP transport shell.
type ServerConfig struct {
	Addr               string   `mapstructure:"addr"`
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	APIKey             string   `mapstructure:"api_key"`
}

// ToolsConfig holds per-tool timeouts.
type ToolsConfig struct {
	ScraperTimeout time.Duration `mapstructure:"scraper_timeout"`
	SearchTimeout  time.Duration `mapstructure:"search_timeout"`
	SearchProvider string        `mapstructure:"search_provider"`
	SerperAPIKey   string        `mapstructure:"serper_api_key"`
	BraveAPIKey    string        `mapstructure:"brave_api_key"`
}

// RedisConfig configures the optional durable-cancellation-flag store the
// Progress Streamer uses so a cancellation survives a process restart.
// Addr empty means the feature is disabled and only in-process
// cancellation (Sink.Send returning an error) is available.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	FlagTTL  time.Duration `mapstructure:"flag_ttl"`
}

// SMTPConfig configures the action dispatcher's outbound mail action.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// Config is the root process configuration.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// Validate applies the defaults and sanity checks the process needs before
// any component is constructed from it.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 15
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Tools.ScraperTimeout <= 0 {
		c.Tools.ScraperTimeout = 60 * time.Second
	}
	if c.Tools.SearchTimeout <= 0 {
		c.Tools.SearchTimeout = 30 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	active, err := c.LLM.Active()
	if err != nil {
		return err
	}
	if active.MaxPayloadBytes <= 0 {
		active.MaxPayloadBytes = 28 * 1024
		c.LLM.Providers[c.LLM.Provider] = active
	}
	return nil
}

// Load reads configuration from path (if non-empty) and overlays any
// MISSIONCORE_-prefixed environment variables, the way this codebase's other
// services load their viper configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MISSIONCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys through Unmarshal;
	// each overridable key needs an explicit binding.
	for _, key := range []string{
		"log_level",
		"database.url", "database.max_open_conns", "database.conn_max_lifetime",
		"llm.provider", "llm.timeout",
		"server.addr", "server.api_key",
		"tools.scraper_timeout", "tools.search_timeout", "tools.search_provider",
		"tools.serper_api_key", "tools.brave_api_key",
		"redis.addr", "redis.password", "redis.db", "redis.flag_ttl",
		"smtp.host", "smtp.port", "smtp.username", "smtp.password", "smtp.from",
	} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
