// Package config loads application configuration from file and environment
// and initializes the global logger. Malformed configuration is fatal at
// startup; nothing revalidates at run time.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/invoice-pipeline/internal/batch"
	"github.com/sells-group/invoice-pipeline/internal/confidence"
)

// Config holds the full application configuration.
type Config struct {
	DocIntel   DocIntelConfig   `yaml:"docintel" mapstructure:"docintel"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Confidence ConfidenceConfig `yaml:"confidence" mapstructure:"confidence"`
	Routing    RoutingConfig    `yaml:"routing" mapstructure:"routing"`
	Mapping    MappingConfig    `yaml:"mapping" mapstructure:"mapping"`
	Batch      batch.Config     `yaml:"batch" mapstructure:"batch"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// DocIntelConfig holds Azure Document Intelligence settings.
type DocIntelConfig struct {
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Key      string `yaml:"key" mapstructure:"key"`

	// RequestRate caps outbound requests per second. Zero disables
	// client-side pacing.
	RequestRate float64 `yaml:"request_rate" mapstructure:"request_rate"`
}

// AnthropicConfig holds Anthropic API settings for enhanced extraction.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`

	// Enabled gates whether an enhancer is wired at all; without a key
	// the enhanced-extraction step is disabled via the catalog.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// CatalogConfig points at the optional step-catalog override file.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ConfidenceConfig holds scorer weights and routing thresholds.
type ConfidenceConfig struct {
	Weights    confidence.Weights    `yaml:"weights" mapstructure:"weights"`
	Thresholds confidence.Thresholds `yaml:"thresholds" mapstructure:"thresholds"`
}

// RoutingConfig holds routing-engine settings.
type RoutingConfig struct {
	CriticalFields  []string `yaml:"critical_fields" mapstructure:"critical_fields"`
	AgeBoostEnabled bool     `yaml:"age_boost_enabled" mapstructure:"age_boost_enabled"`
}

// MappingConfig points at issuer patterns, format profiles, and mapping
// rules.
type MappingConfig struct {
	IssuersPath string `yaml:"issuers_path" mapstructure:"issuers_path"`
	FormatsPath string `yaml:"formats_path" mapstructure:"formats_path"`
	RulesPath   string `yaml:"rules_path" mapstructure:"rules_path"`
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
	v.SetEnvPrefix("INVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("docintel.request_rate", 10.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.enabled", true)
	v.SetDefault("confidence.weights.signal_quality", 0.35)
	v.SetDefault("confidence.weights.rule_match", 0.30)
	v.SetDefault("confidence.weights.format_validation", 0.20)
	v.SetDefault("confidence.weights.historical_accuracy", 0.15)
	v.SetDefault("confidence.thresholds.auto_approve", 95)
	v.SetDefault("confidence.thresholds.quick_review", 80)
	v.SetDefault("routing.critical_fields", []string{
		"invoice_number", "vendor_name", "total_amount", "invoice_date",
	})
	v.SetDefault("routing.age_boost_enabled", true)
	v.SetDefault("batch.concurrency", 5)
	v.SetDefault("batch.interval", 10*time.Second)
	v.SetDefault("batch.interval_cap", 20)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section that has hard constraints. Called once at
// startup; any error here is a ConfigurationError and fatal.
func (c *Config) Validate() error {
	if err := c.Confidence.Weights.Validate(); err != nil {
		return err
	}
	if err := c.Confidence.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Batch.Validate(); err != nil {
		return err
	}
	if c.DocIntel.RequestRate < 0 {
		return eris.Errorf("config: docintel request_rate must not be negative, got %g", c.DocIntel.RequestRate)
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
