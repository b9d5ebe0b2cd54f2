package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"deribitflow/models"
)

// DefaultPath is used when no --config flag is given. A missing file at
// this path is not an error.
const DefaultPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

type Config struct {
	App        AppConfig        `yaml:"app"`
	Deribit    DeribitConfig    `yaml:"deribit"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Validation ValidationConfig `yaml:"validation"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type DeribitConfig struct {
	BaseURL           string        `yaml:"base_url" env:"DERIBIT_BASE_URL"`
	DVOLBaseURL       string        `yaml:"dvol_base_url" env:"DERIBIT_DVOL_BASE_URL"`
	HTTPTimeout       time.Duration `yaml:"http_timeout" env:"DERIBIT_HTTP_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"DERIBIT_REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst"`
	PageSize          int           `yaml:"page_size" env:"DERIBIT_BATCH_SIZE"`
	MaxPages          int           `yaml:"max_pages" env:"DERIBIT_MAX_PAGES"`
	DVOLResolution    int           `yaml:"dvol_resolution"`
	DVOLWindowHours   int           `yaml:"dvol_window_hours"`
	UserAgent         string        `yaml:"user_agent"`
	Retry             RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"DERIBIT_MAX_ATTEMPTS"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" env:"DERIBIT_BACKOFF_BASE"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type IngestConfig struct {
	Currencies      []string `yaml:"currencies" env:"DERIBIT_CURRENCIES" envSeparator:","`
	StartDate       string   `yaml:"start_date" env:"DERIBIT_START_DATE"`
	DVOLStartDate   string   `yaml:"dvol_start_date"`
	FlushEveryPages int      `yaml:"flush_every_pages" env:"DERIBIT_FLUSH_EVERY_PAGES"`
	CheckpointDir   string   `yaml:"checkpoint_dir" env:"DERIBIT_CHECKPOINT_DIR"`
}

type CatalogConfig struct {
	Path        string `yaml:"path" env:"DERIBIT_CATALOG_PATH"`
	Compression string `yaml:"compression" env:"DERIBIT_COMPRESSION"`
	ReadChunk   int    `yaml:"read_chunk"`
}

type ValidationConfig struct {
	IVMin                float64 `yaml:"iv_min"`
	IVMax                float64 `yaml:"iv_max"`
	GapCriticalDays      int     `yaml:"gap_critical_days"`
	GapHighDays          int     `yaml:"gap_high_days"`
	GapMediumDays        int     `yaml:"gap_medium_days"`
	CompletenessCritical float64 `yaml:"completeness_critical"`
	CompletenessWarning  float64 `yaml:"completeness_warning"`
	DuplicateRateHigh    float64 `yaml:"duplicate_rate_high"`
	ReconcileTolerance   float64 `yaml:"reconcile_tolerance"`
	MaxFindingsPerRule   int     `yaml:"max_findings_per_rule"`
	DVOLMaxGapHours      int     `yaml:"dvol_max_gap_hours"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket" env:"S3_BUCKET"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region" env:"AWS_REGION"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
}

type MetricsConfig struct {
	PushgatewayURL string           `yaml:"pushgateway_url" env:"METRICS_PUSHGATEWAY_URL"`
	Job            string           `yaml:"job"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level" env:"LOG_LEVEL"`
	Format         string        `yaml:"format" env:"LOG_FORMAT"`
	Output         string        `yaml:"output" env:"LOG_OUTPUT"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used when no file overrides a key.
func Default() Config {
	return Config{
		App: AppConfig{Name: "deribitflow", Version: "0.1.0"},
		Deribit: DeribitConfig{
			BaseURL:           "https://history.deribit.com/api/v2/public",
			DVOLBaseURL:       "https://www.deribit.com/api/v2/public",
			HTTPTimeout:       30 * time.Second,
			RequestsPerSecond: 10,
			Burst:             1,
			PageSize:          1000,
			MaxPages:          20000,
			DVOLResolution:    3600,
			DVOLWindowHours:   720,
			UserAgent:         "deribitflow",
			Retry: RetryConfig{
				MaxAttempts: 4,
				BaseDelay:   time.Second,
				Multiplier:  2.0,
				MaxDelay:    60 * time.Second,
			},
		},
		Ingest: IngestConfig{
			Currencies:      []string{"BTC", "ETH"},
			StartDate:       "2016-01-01",
			DVOLStartDate:   "2021-03-24",
			FlushEveryPages: 100,
		},
		Catalog: CatalogConfig{
			Path:        "./data/deribit_options",
			Compression: "zstd",
			ReadChunk:   10000,
		},
		Validation: ValidationConfig{
			IVMin:                0.01,
			IVMax:                5.0,
			GapCriticalDays:      7,
			GapHighDays:          3,
			GapMediumDays:        1,
			CompletenessCritical: 0.5,
			CompletenessWarning:  0.8,
			DuplicateRateHigh:    0.05,
			ReconcileTolerance:   0.01,
			MaxFindingsPerRule:   50,
			DVOLMaxGapHours:      6,
		},
		Metrics: MetricsConfig{
			Job: "deribitflow",
			CloudWatch: CloudWatchConfig{
				Namespace: "DeribitFlow",
				Dashboard: "DeribitFlow",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads path over the defaults and applies environment
// overrides. An empty path means DefaultPath, or its APP_ENV specific
// variant, which may be absent.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	path = resolveEnvSpecificPath(path, DefaultPath, envConfigPaths)

	config := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.ParseWithOptions(&config, env.Options{}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	normalize(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func normalize(cfg *Config) {
	for i, c := range cfg.Ingest.Currencies {
		cfg.Ingest.Currencies[i] = strings.ToUpper(strings.TrimSpace(c))
	}
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
	cfg.Storage.S3.AccessKeyID = strings.TrimSpace(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = strings.TrimSpace(cfg.Storage.S3.SecretAccessKey)
	cfg.Catalog.Compression = strings.ToLower(strings.TrimSpace(cfg.Catalog.Compression))
	cfg.Deribit.BaseURL = strings.TrimRight(cfg.Deribit.BaseURL, "/")
	cfg.Deribit.DVOLBaseURL = strings.TrimRight(cfg.Deribit.DVOLBaseURL, "/")
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if cfg.Deribit.BaseURL == "" {
		return fmt.Errorf("deribit.base_url is required")
	}
	if cfg.Deribit.DVOLBaseURL == "" {
		return fmt.Errorf("deribit.dvol_base_url is required")
	}
	if cfg.Deribit.HTTPTimeout <= 0 {
		return fmt.Errorf("deribit.http_timeout must be greater than 0")
	}
	if cfg.Deribit.RequestsPerSecond <= 0 {
		return fmt.Errorf("deribit.requests_per_second must be greater than 0")
	}
	if cfg.Deribit.Burst <= 0 {
		return fmt.Errorf("deribit.burst must be greater than 0")
	}
	if cfg.Deribit.PageSize <= 0 || cfg.Deribit.PageSize > 10000 {
		return fmt.Errorf("deribit.page_size must be between 1 and 10000")
	}
	if cfg.Deribit.MaxPages <= 0 {
		return fmt.Errorf("deribit.max_pages must be greater than 0")
	}
	if cfg.Deribit.DVOLResolution <= 0 {
		return fmt.Errorf("deribit.dvol_resolution must be greater than 0")
	}
	if cfg.Deribit.DVOLWindowHours <= 0 {
		return fmt.Errorf("deribit.dvol_window_hours must be greater than 0")
	}
	if cfg.Deribit.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("deribit.retry.max_attempts must be greater than 0")
	}
	if cfg.Deribit.Retry.BaseDelay <= 0 {
		return fmt.Errorf("deribit.retry.base_delay must be greater than 0")
	}
	if cfg.Deribit.Retry.Multiplier < 1 {
		return fmt.Errorf("deribit.retry.multiplier must be at least 1")
	}
	if cfg.Deribit.Retry.MaxDelay < cfg.Deribit.Retry.BaseDelay {
		return fmt.Errorf("deribit.retry.max_delay must not be lower than base_delay")
	}

	if len(cfg.Ingest.Currencies) == 0 {
		return fmt.Errorf("ingest.currencies must not be empty")
	}
	for _, c := range cfg.Ingest.Currencies {
		if !models.Underlying(c).Valid() {
			return fmt.Errorf("ingest.currencies: unsupported currency %q", c)
		}
	}
	if _, err := time.Parse(models.DateLayout, cfg.Ingest.StartDate); err != nil {
		return fmt.Errorf("ingest.start_date must be YYYY-MM-DD: %w", err)
	}
	if _, err := time.Parse(models.DateLayout, cfg.Ingest.DVOLStartDate); err != nil {
		return fmt.Errorf("ingest.dvol_start_date must be YYYY-MM-DD: %w", err)
	}
	if cfg.Ingest.FlushEveryPages <= 0 {
		return fmt.Errorf("ingest.flush_every_pages must be greater than 0")
	}

	if cfg.Catalog.Path == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if IsProductionLike(AppEnvironment()) && !filepath.IsAbs(cfg.Catalog.Path) {
		return fmt.Errorf("catalog.path must be absolute in %s", AppEnvironment())
	}
	switch cfg.Catalog.Compression {
	case "zstd", "snappy", "gzip", "lz4", "none", "uncompressed":
	default:
		return fmt.Errorf("catalog.compression %q is not supported", cfg.Catalog.Compression)
	}
	if cfg.Catalog.ReadChunk <= 0 {
		return fmt.Errorf("catalog.read_chunk must be greater than 0")
	}

	v := cfg.Validation
	if v.IVMin < 0 || v.IVMax <= v.IVMin {
		return fmt.Errorf("validation.iv_min and iv_max must satisfy 0 <= iv_min < iv_max")
	}
	if !(v.GapMediumDays > 0 && v.GapMediumDays <= v.GapHighDays && v.GapHighDays <= v.GapCriticalDays) {
		return fmt.Errorf("validation gap thresholds must satisfy 0 < medium <= high <= critical")
	}
	if !(v.CompletenessCritical > 0 && v.CompletenessCritical <= v.CompletenessWarning && v.CompletenessWarning <= 1) {
		return fmt.Errorf("validation completeness thresholds must satisfy 0 < critical <= warning <= 1")
	}
	if v.DuplicateRateHigh <= 0 || v.ReconcileTolerance < 0 {
		return fmt.Errorf("validation.duplicate_rate_high must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

// CheckpointDir is where checkpoint and lock files live.
func (c *Config) CheckpointDir() string {
	if c.Ingest.CheckpointDir != "" {
		return c.Ingest.CheckpointDir
	}
	return filepath.Join(c.Catalog.Path, ".checkpoints")
}

// StartTime parses ingest.start_date as a UTC midnight.
func (c *Config) StartTime() time.Time {
	t, _ := time.Parse(models.DateLayout, c.Ingest.StartDate)
	return t.UTC()
}

// DVOLStartTime parses ingest.dvol_start_date as a UTC midnight.
func (c *Config) DVOLStartTime() time.Time {
	t, _ := time.Parse(models.DateLayout, c.Ingest.DVOLStartDate)
	return t.UTC()
}
