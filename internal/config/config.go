package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/p2panda/node/internal/schema"
)

const (
	envPrefix                  = "PANDA"
	defaultHTTPAddress         = "0.0.0.0:2020"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabaseDSN         = "panda.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultTokenTTLMinutes     = 30
	defaultVerifyWorkers       = 4
	defaultMaterializerWorkers = 4
	defaultPollInterval        = 2 * time.Second
	defaultMaxAttempts         = 5
	defaultBatchSize           = 100

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the node.
type AppConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabaseDSN         string
	LogLevel            string
	LogFormat           string
	AdminSigningSecret  string
	AdminTokenTTL       time.Duration
	VerifyWorkers       int64
	MaterializerWorkers int
	PollInterval        time.Duration
	MaxAttempts         int
	BatchSize           int
	Schemas             []schema.Definition
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("admin.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("publish.verify_workers", defaultVerifyWorkers)
	configViper.SetDefault("materializer.workers", defaultMaterializerWorkers)
	configViper.SetDefault("materializer.poll_interval", defaultPollInterval)
	configViper.SetDefault("materializer.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("materializer.batch_size", defaultBatchSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		AdminSigningSecret:  configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:       time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		VerifyWorkers:       configViper.GetInt64("publish.verify_workers"),
		MaterializerWorkers: configViper.GetInt("materializer.workers"),
		PollInterval:        configViper.GetDuration("materializer.poll_interval"),
		MaxAttempts:         configViper.GetInt("materializer.max_attempts"),
		BatchSize:           configViper.GetInt("materializer.batch_size"),
	}

	if configViper.IsSet("schemas") {
		if err := configViper.UnmarshalKey("schemas", &cfg.Schemas); err != nil {
			return AppConfig{}, fmt.Errorf("schemas: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AdminEnabled reports whether admin routes can authenticate requests.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.AdminSigningSecret) != ""
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	if c.VerifyWorkers <= 0 {
		return fmt.Errorf("publish.verify_workers must be positive")
	}
	if c.MaterializerWorkers <= 0 {
		return fmt.Errorf("materializer.workers must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("materializer.poll_interval must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("materializer.max_attempts must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("materializer.batch_size must be positive")
	}
	for index, definition := range c.Schemas {
		if _, err := definition.Normalize(); err != nil {
			return fmt.Errorf("schemas[%d]: %w", index, err)
		}
	}
	return nil
}
