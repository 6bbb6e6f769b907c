// Package config loads and validates ETL configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MinAPIKeyLength is the shortest USAJobs API key accepted at startup.
const MinAPIKeyLength = 20

var (
	// ErrMissingAPIKey signals that no USAJobs credential was supplied.
	ErrMissingAPIKey = errors.New("api.key is required (USAJOBS_API_KEY)")
	// ErrShortAPIKey signals a credential too short to be a real USAJobs key.
	ErrShortAPIKey = fmt.Errorf("api.key must be at least %d characters", MinAPIKeyLength)
	// ErrMissingDSN signals that no database connection string was supplied.
	ErrMissingDSN = errors.New("db.dsn is required (DATABASE_URL)")
)

// Config captures all ETL configuration knobs loaded via Viper.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Location LocationConfig `mapstructure:"location"`
	Retry    RetryConfig    `mapstructure:"retry"`
	DB       DBConfig       `mapstructure:"db"`
	Run      RunConfig      `mapstructure:"run"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// APIConfig controls the USAJobs search requests.
type APIConfig struct {
	Key                string        `mapstructure:"key"`
	UserAgent          string        `mapstructure:"user_agent"`
	BaseURL            string        `mapstructure:"base_url"`
	Keyword            string        `mapstructure:"keyword"`
	PageSize           int           `mapstructure:"page_size"`
	MaxPages           int           `mapstructure:"max_pages"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
}

// LocationConfig holds the target location filter and its fallbacks.
type LocationConfig struct {
	Target       string `mapstructure:"target"`
	DefaultState string `mapstructure:"default_state"`
}

// RetryConfig configures fetch retry behavior.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	BatchCommitSize int    `mapstructure:"batch_commit_size"`
	SchemaPath      string `mapstructure:"schema_path"`
}

// RunConfig holds feature flags for a single run.
type RunConfig struct {
	DryRun bool `mapstructure:"dry_run"`
}

// LoggingConfig toggles zap level and development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// ArchiveConfig enables archiving of raw API pages.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run-completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig points at an optional Prometheus Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// legacyEnv maps config keys onto the environment names used by the
// existing deployment scripts.
var legacyEnv = map[string]string{
	"api.key":                  "USAJOBS_API_KEY",
	"api.user_agent":           "USAJOBS_USER_AGENT",
	"api.base_url":             "USAJOBS_API_URL",
	"api.keyword":              "KEYWORD",
	"api.page_size":            "DEFAULT_PAGE_SIZE",
	"api.max_pages":            "MAX_PAGES",
	"api.request_timeout":      "REQUEST_TIMEOUT",
	"api.min_request_interval": "MIN_REQUEST_INTERVAL",
	"location.target":          "DEFAULT_LOCATION",
	"location.default_state":   "DEFAULT_STATE",
	"retry.max_retries":        "MAX_RETRIES",
	"retry.initial_delay":      "INITIAL_RETRY_DELAY",
	"retry.max_delay":          "MAX_RETRY_DELAY",
	"db.dsn":                   "DATABASE_URL",
	"db.batch_commit_size":     "BATCH_COMMIT_SIZE",
	"db.schema_path":           "SCHEMA_PATH",
	"run.dry_run":              "DRY_RUN_MODE",
	"logging.level":            "LOG_LEVEL",
	"logging.development":      "LOG_DEVELOPMENT",
}

// durationKeys are accepted either as Go durations ("1500ms") or bare seconds ("1.5").
var durationKeys = []string{
	"api.request_timeout",
	"api.min_request_interval",
	"retry.initial_delay",
	"retry.max_delay",
}

// flagKeys maps command-line flags onto the config keys they override.
var flagKeys = map[string]string{
	"dry-run":   "run.dry_run",
	"max-pages": "api.max_pages",
	"log-level": "logging.level",
}

// Load builds a Config from .env, an optional config file and the environment.
func Load(path string) (Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with command-line overrides. Only flags the user
// actually set take precedence over file and environment values.
func LoadWithFlags(path string, flags *pflag.FlagSet) (Config, error) {
	// A missing .env is the normal case in containers.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "ETL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for _, key := range durationKeys {
		d, err := parseSeconds(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", key, err)
		}
		v.Set(key, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://data.usajobs.gov/api/search")
	v.SetDefault("api.keyword", "data engineering")
	v.SetDefault("api.page_size", 100)
	v.SetDefault("api.max_pages", 5)
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.min_request_interval", "500ms")
	v.SetDefault("location.target", "Chicago")
	v.SetDefault("location.default_state", "Illinois")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("db.batch_commit_size", 100)
	v.SetDefault("run.dry_run", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("metrics.job_name", "usajobs_etl")
}

// parseSeconds accepts "30", "0.5" (seconds, as the legacy env files use) or "30s".
func parseSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return d, nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.API.Key) == "" {
		return ErrMissingAPIKey
	}
	if len(c.API.Key) < MinAPIKeyLength {
		return ErrShortAPIKey
	}
	if !c.Run.DryRun && strings.TrimSpace(c.DB.DSN) == "" {
		return ErrMissingDSN
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.API.PageSize <= 0 {
		return fmt.Errorf("api.page_size must be > 0")
	}
	if c.API.MaxPages <= 0 {
		return fmt.Errorf("api.max_pages must be > 0")
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("api.request_timeout must be > 0")
	}
	if c.API.MinRequestInterval < 0 {
		return fmt.Errorf("api.min_request_interval must be >= 0")
	}
	if strings.TrimSpace(c.Location.Target) == "" {
		return fmt.Errorf("location.target must be set")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("retry.max_retries must be > 0")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.initial_delay")
	}
	if c.DB.BatchCommitSize <= 0 {
		return fmt.Errorf("db.batch_commit_size must be > 0")
	}
	if c.Archive.GCSBucket != "" && c.Archive.LocalDir != "" {
		return fmt.Errorf("archive.gcs_bucket and archive.local_dir are mutually exclusive")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// MaskedAPIKey returns the key with everything but its first and last four characters hidden.
func (c Config) MaskedAPIKey() string {
	return MaskSecret(c.API.Key)
}

// MaskSecret hides all but the edges of a secret for logging.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "HIDDEN"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
