// Package config loads application configuration from file and environment.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/clinrev/cohort-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Clinical ClinicalConfig `yaml:"clinical" mapstructure:"clinical"`
	Rules    RulesConfig    `yaml:"rules" mapstructure:"rules"`
	Sampling SamplingConfig `yaml:"sampling" mapstructure:"sampling"`
	Batch    BatchConfig    `yaml:"batch" mapstructure:"batch"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run/result database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string            `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// ClinicalConfig configures the read-only clinical source database that
// rule matches and stratification features are queried from.
type ClinicalConfig struct {
	DatabaseURL string  `yaml:"database_url" mapstructure:"database_url"`
	QueryQPS    float64 `yaml:"query_qps" mapstructure:"query_qps"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// RulesConfig locates the clinical rule catalog.
type RulesConfig struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// SamplingConfig holds defaults applied to cohort requests that omit them.
type SamplingConfig struct {
	MinDurationDays int   `yaml:"min_duration_days" mapstructure:"min_duration_days"`
	Seed            int64 `yaml:"seed" mapstructure:"seed"`
}

// BatchConfig configures concurrent batch builds.
type BatchConfig struct {
	MaxConcurrentCohorts int `yaml:"max_concurrent_cohorts" mapstructure:"max_concurrent_cohorts"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("COHORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "cohort.db")
	v.SetDefault("clinical.query_qps", 10.0)
	v.SetDefault("clinical.max_retries", 3)
	v.SetDefault("rules.catalog_path", "rules.yaml")
	v.SetDefault("sampling.min_duration_days", 0)
	v.SetDefault("sampling.seed", 1)
	v.SetDefault("batch.max_concurrent_cohorts", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the configuration is usable for the given mode.
// Modes: "sample" and "batch" need the clinical source database; "serve"
// additionally needs a listen port; "runs" and "export" need only the store.
func (c *Config) Validate(mode string) error {
	var missing []string

	checkStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				missing = append(missing, "store.database_url is required for the postgres driver")
			}
		case "sqlite":
			if c.Store.SQLitePath == "" {
				missing = append(missing, "store.sqlite_path is required for the sqlite driver")
			}
		default:
			missing = append(missing, "store.driver must be postgres or sqlite")
		}
	}
	checkClinical := func() {
		if c.Clinical.DatabaseURL == "" {
			missing = append(missing, "clinical.database_url is required")
		}
		if c.Clinical.QueryQPS < 0 {
			missing = append(missing, "clinical.query_qps must be >= 0")
		}
	}

	switch mode {
	case "sample", "batch":
		checkStore()
		checkClinical()
		if c.Batch.MaxConcurrentCohorts < 1 || c.Batch.MaxConcurrentCohorts > 32 {
			missing = append(missing, "batch.max_concurrent_cohorts must be between 1 and 32")
		}
	case "serve":
		checkStore()
		checkClinical()
		if c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "runs", "export":
		checkStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
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
