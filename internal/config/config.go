// Path: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Quota scopes.
const (
	ScopeGlobal  = "global"
	ScopeDataset = "dataset"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Source    SourceConfig
	Quota     QuotaConfig
	Pipeline  PipelineConfig
	Freshness FreshnessConfig
	Watcher   WatcherConfig
}

// ServerConfig holds the API server settings.
type ServerConfig struct {
	Port string `mapstructure:"port"`
}

// StorageConfig selects and configures the cycle store backend.
type StorageConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// SourceConfig holds settings for the external catalog API client.
type SourceConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	BurstLimit        int    `mapstructure:"burst_limit"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// Timeout is the bound applied to each external request.
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QuotaConfig holds the daily request budget.
type QuotaConfig struct {
	DailyLimit int `mapstructure:"daily_limit"`
	// Scope is "global" (one ledger for all datasets) or "dataset".
	Scope string `mapstructure:"scope"`
}

// PipelineConfig holds settings for the batch update loop.
type PipelineConfig struct {
	BatchSize             int `mapstructure:"batch_size"`
	MaxAttempts           int `mapstructure:"max_attempts"`
	RetryInitialMillis    int `mapstructure:"retry_initial_millis"`
	LeaseTTLSeconds       int `mapstructure:"lease_ttl_seconds"`
	MaxConcurrentDatasets int `mapstructure:"max_concurrent_datasets"`
}

// RetryInitial is the first backoff interval between fetch attempts.
func (c PipelineConfig) RetryInitial() time.Duration {
	return time.Duration(c.RetryInitialMillis) * time.Millisecond
}

// LeaseTTL is how long a dataset claim survives without renewal.
func (c PipelineConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// Shape of the exponential backoff between fetch attempts.
const (
	RetryMultiplier    = 1.5
	RetryRandomization = 0.5
	RetryMaxInterval   = time.Minute
)

// WorstCaseBatch is the longest one batch can take to fetch: every attempt
// runs into fetchTimeout and every wait draws the top of its jitter range.
func (c PipelineConfig) WorstCaseBatch(fetchTimeout time.Duration) time.Duration {
	total := time.Duration(c.MaxAttempts) * fetchTimeout
	interval := c.RetryInitial()
	for i := 1; i < c.MaxAttempts; i++ {
		total += time.Duration(float64(interval) * (1 + RetryRandomization))
		interval = min(time.Duration(float64(interval)*RetryMultiplier), RetryMaxInterval)
	}
	return total
}

// FreshnessConfig holds settings for the sampling staleness check.
type FreshnessConfig struct {
	SampleSize     int `mapstructure:"sample_size"`
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// WatcherConfig holds settings for the daemon's "Watch Mode" logic.
type WatcherConfig struct {
	IntervalMinutes int      `mapstructure:"interval_minutes"`
	Datasets        []string `mapstructure:"datasets"`
	AutoRestart     bool     `mapstructure:"auto_restart"`
}

// Load loads the configuration from ./configs/config.yaml and environment variables.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads the configuration from the given file, or from the default
// search path when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("STORAGE.DRIVER", DriverSQLite)
	v.SetDefault("STORAGE.SQLITE_PATH", "catalog-sync.db")
	v.SetDefault("STORAGE.POSTGRES_DSN", "")
	v.SetDefault("STORAGE.MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("STORAGE.MONGO_DATABASE", "catalog-sync")
	v.SetDefault("SOURCE.BASE_URL", "http://localhost:9000")
	v.SetDefault("SOURCE.REQUESTS_PER_SECOND", 5)
	v.SetDefault("SOURCE.BURST_LIMIT", 10)
	v.SetDefault("SOURCE.TIMEOUT_SECONDS", 30)
	v.SetDefault("QUOTA.DAILY_LIMIT", 500)
	v.SetDefault("QUOTA.SCOPE", ScopeGlobal)
	v.SetDefault("PIPELINE.BATCH_SIZE", 50)
	v.SetDefault("PIPELINE.MAX_ATTEMPTS", 3)
	v.SetDefault("PIPELINE.RETRY_INITIAL_MILLIS", 1000)
	v.SetDefault("PIPELINE.LEASE_TTL_SECONDS", 300)
	v.SetDefault("PIPELINE.MAX_CONCURRENT_DATASETS", 2)
	v.SetDefault("FRESHNESS.SAMPLE_SIZE", 50)
	v.SetDefault("FRESHNESS.MAX_CONCURRENCY", 4)
	v.SetDefault("WATCHER.INTERVAL_MINUTES", 60)
	v.SetDefault("WATCHER.DATASETS", []string{})
	v.SetDefault("WATCHER.AUTO_RESTART", false)

	// Load from config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, err // Only return error if it's not a "file not found" error
		}
	}

	// Load from environment variables
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres, DriverMongo:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Quota.Scope {
	case ScopeGlobal, ScopeDataset:
	default:
		return fmt.Errorf("config: unknown quota scope %q", c.Quota.Scope)
	}
	if c.Quota.DailyLimit < 1 {
		return fmt.Errorf("config: quota.daily_limit must be positive, got %d", c.Quota.DailyLimit)
	}
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("config: pipeline.batch_size must be positive, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("config: pipeline.max_attempts must be positive, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.LeaseTTLSeconds < 1 {
		return fmt.Errorf("config: pipeline.lease_ttl_seconds must be positive, got %d", c.Pipeline.LeaseTTLSeconds)
	}
	// A lease renewed only between batches must outlive the slowest batch.
	if worst := c.Pipeline.WorstCaseBatch(c.Source.Timeout()); c.Pipeline.LeaseTTL() <= worst {
		return fmt.Errorf("config: pipeline.lease_ttl_seconds (%s) must exceed the worst-case batch duration %s", c.Pipeline.LeaseTTL(), worst)
	}
	if c.Freshness.SampleSize < 1 {
		return fmt.Errorf("config: freshness.sample_size must be positive, got %d", c.Freshness.SampleSize)
	}
	return nil
}
