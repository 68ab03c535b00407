package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	State     StateConfig      `yaml:"state" mapstructure:"state"`
	OpenEHR   OpenEHRConfig    `yaml:"openehr" mapstructure:"openehr"`
	FHIR      FHIRConfig       `yaml:"fhir" mapstructure:"fhir"`
	Pseudonym PseudonymConfig  `yaml:"pseudonym" mapstructure:"pseudonym"`
	Sync      SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Ops       OpsConfig        `yaml:"ops" mapstructure:"ops"`
	Log       LogConfig        `yaml:"log" mapstructure:"log"`
	Resources []ResourceConfig `yaml:"resources" mapstructure:"resources"`
}

// StateConfig configures the checkpoint store backend.
type StateConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	Path        string `yaml:"path" mapstructure:"path"`     // sqlite file path
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// OpenEHRConfig configures the clinical data repository client.
type OpenEHRConfig struct {
	BaseURL            string `yaml:"base_url" mapstructure:"base_url"`
	AuthMethod         string `yaml:"auth_method" mapstructure:"auth_method"` // basic or none
	Username           string `yaml:"username" mapstructure:"username"`
	Password           string `yaml:"password" mapstructure:"password"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	HealthIntervalSecs int    `yaml:"health_interval_secs" mapstructure:"health_interval_secs"`
}

// FHIRConfig configures the destination resource server client.
type FHIRConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	AuthMethod  string  `yaml:"auth_method" mapstructure:"auth_method"` // basic, bearer or none
	Username    string  `yaml:"username" mapstructure:"username"`
	Password    string  `yaml:"password" mapstructure:"password"`
	Token       string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per second
	RateBurst   int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// PseudonymConfig configures the pseudonymization engine. Fields not listed
// (or listed but disabled) pass through unchanged.
type PseudonymConfig struct {
	Enabled  bool                      `yaml:"enabled" mapstructure:"enabled"`
	Strategy string                    `yaml:"strategy" mapstructure:"strategy"` // deterministic or gpas
	KeyPath  string                    `yaml:"key_path" mapstructure:"key_path"`
	Generate bool                      `yaml:"generate_key" mapstructure:"generate_key"`
	GPAS     GPASConfig                `yaml:"gpas" mapstructure:"gpas"`
	Fields   map[string]PseudonymField `yaml:"fields" mapstructure:"fields"`
}

// PseudonymField selects one source column for pseudonymization.
type PseudonymField struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Domain   string `yaml:"domain" mapstructure:"domain"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
	Strategy string `yaml:"strategy" mapstructure:"strategy"` // optional per-field override
}

// GPASConfig holds the delegated tokenization service settings. The channel
// is mutually authenticated with client certificates.
type GPASConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	ClientCert  string `yaml:"client_cert" mapstructure:"client_cert"`
	ClientKey   string `yaml:"client_key" mapstructure:"client_key"`
	CACert      string `yaml:"ca_cert" mapstructure:"ca_cert"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SyncConfig holds pipeline-wide extraction and delivery knobs.
type SyncConfig struct {
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxPages         int    `yaml:"max_pages" mapstructure:"max_pages"`
	QueryRetries     int    `yaml:"query_retries" mapstructure:"query_retries"`
	DeliveryRetries  int    `yaml:"delivery_retries" mapstructure:"delivery_retries"`
	RetryDelaySecs   int    `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	DeliveryWorkers  int    `yaml:"delivery_workers" mapstructure:"delivery_workers"`
	GracePeriodSecs  int    `yaml:"grace_period_secs" mapstructure:"grace_period_secs"`
	DefaultStartDate string `yaml:"default_start_date" mapstructure:"default_start_date"`
}

// ResourceConfig declares one extraction job. The mapping file carries the
// query template, placeholder declarations and the FHIR mapping itself.
type ResourceConfig struct {
	Name             string            `yaml:"name" mapstructure:"name"`
	Mapping          string            `yaml:"mapping" mapstructure:"mapping"`
	PollIntervalSecs int               `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	BatchSize        int               `yaml:"batch_size" mapstructure:"batch_size"`
	Parameters       map[string]string `yaml:"parameters" mapstructure:"parameters"`
}

// OpsConfig configures the optional status HTTP server.
type OpsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PollInterval returns the effective poll cadence for a resource,
// falling back to the pipeline-wide default.
func (c *Config) PollInterval(rc ResourceConfig) time.Duration {
	secs := rc.PollIntervalSecs
	if secs <= 0 {
		secs = c.Sync.PollIntervalSecs
	}
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// EffectiveBatchSize returns the page limit for a resource, falling back to
// the pipeline-wide default.
func (c *Config) EffectiveBatchSize(rc ResourceConfig) int {
	if rc.BatchSize > 0 {
		return rc.BatchSize
	}
	if c.Sync.BatchSize > 0 {
		return c.Sync.BatchSize
	}
	return 100
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aql2fhir")

	// Environment
	v.SetEnvPrefix("AQL2FHIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("state.driver", "sqlite")
	v.SetDefault("state.path", "aql2fhir.db")
	v.SetDefault("openehr.auth_method", "basic")
	v.SetDefault("openehr.timeout_secs", 30)
	v.SetDefault("openehr.health_interval_secs", 30)
	v.SetDefault("fhir.auth_method", "none")
	v.SetDefault("fhir.timeout_secs", 30)
	v.SetDefault("fhir.rate_limit", 20)
	v.SetDefault("fhir.rate_burst", 20)
	v.SetDefault("pseudonym.strategy", "deterministic")
	v.SetDefault("pseudonym.key_path", "pseudonym.key")
	v.SetDefault("pseudonym.gpas.timeout_secs", 15)
	v.SetDefault("sync.poll_interval_secs", 300)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_pages", 1000)
	v.SetDefault("sync.query_retries", 3)
	v.SetDefault("sync.delivery_retries", 3)
	v.SetDefault("sync.retry_delay_secs", 5)
	v.SetDefault("sync.delivery_workers", 5)
	v.SetDefault("sync.grace_period_secs", 30)
	v.SetDefault("sync.default_start_date", "2025-01-01T00:00:00Z")
	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.port", 8080)
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

// Validate checks configuration classes that must fail fast at startup.
func (c *Config) Validate() error {
	if c.OpenEHR.BaseURL == "" {
		return eris.New("config: openehr.base_url is required")
	}
	if c.FHIR.BaseURL == "" {
		return eris.New("config: fhir.base_url is required")
	}
	if len(c.Resources) == 0 {
		return eris.New("config: at least one resource must be configured")
	}
	for _, rc := range c.Resources {
		if rc.Name == "" {
			return eris.New("config: resource with empty name")
		}
		if rc.Mapping == "" {
			return eris.Errorf("config: resource %s has no mapping file", rc.Name)
		}
	}
	if c.Pseudonym.Enabled {
		switch c.Pseudonym.Strategy {
		case "deterministic", "gpas":
		default:
			return eris.Errorf("config: unknown pseudonym strategy %q", c.Pseudonym.Strategy)
		}
		if c.Pseudonym.Strategy == "gpas" && c.Pseudonym.GPAS.BaseURL == "" {
			return eris.New("config: pseudonym.gpas.base_url is required for gpas strategy")
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
