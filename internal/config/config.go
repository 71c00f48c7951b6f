package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Sweeper    SweeperConfig    `yaml:"sweeper" mapstructure:"sweeper"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	Model            string  `yaml:"model" mapstructure:"model"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	RateRPS          float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldown  int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID string  `yaml:"client_id" mapstructure:"client_id"`
	Username string  `yaml:"username" mapstructure:"username"`
	KeyPath  string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string  `yaml:"login_url" mapstructure:"login_url"`
	RateRPS  float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
}

// RoutingConfig configures qualified-lead routing.
type RoutingConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	RulesPath string `yaml:"rules_path" mapstructure:"rules_path"`
}

// ServerConfig configures the intake HTTP server.
type ServerConfig struct {
	Port           int   `yaml:"port" mapstructure:"port"`
	MaxBodyBytes   int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RetryAfterSecs int   `yaml:"retry_after_secs" mapstructure:"retry_after_secs"`
}

// SweeperConfig configures stale claim reclamation.
type SweeperConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs"`
	GraceSecs    int `yaml:"grace_secs" mapstructure:"grace_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.retry_after_secs", 5)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("anthropic.rate_rps", 5)
	v.SetDefault("anthropic.breaker_threshold", 5)
	v.SetDefault("anthropic.breaker_cooldown_secs", 30)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_rps", 2)
	v.SetDefault("routing.enabled", false)
	v.SetDefault("routing.rules_path", "routing.yaml")
	v.SetDefault("sweeper.interval_secs", 300)
	v.SetDefault("sweeper.grace_secs", 900)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings that have no usable zero value.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required")
	}
	if c.Anthropic.Key == "" {
		return eris.New("config: anthropic.key is required")
	}
	if c.Routing.Enabled {
		if c.Salesforce.ClientID == "" || c.Salesforce.Username == "" || c.Salesforce.KeyPath == "" {
			return eris.New("config: routing enabled but salesforce credentials incomplete")
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
