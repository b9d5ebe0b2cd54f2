package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a config file in a temp dir and
// returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `app:
  name: "TestApp"
deribit:
  page_size: 500
  http_timeout: 10s
  retry:
    max_attempts: 6
ingest:
  currencies: [btc, eth, sol]
  flush_every_pages: 5
catalog:
  path: /tmp/catalog
  compression: snappy
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.App.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.App.Name)
	}
	if cfg.Deribit.PageSize != 500 || cfg.Deribit.HTTPTimeout != 10*time.Second {
		t.Errorf("unexpected deribit section: %+v", cfg.Deribit)
	}
	if cfg.Deribit.Retry.MaxAttempts != 6 || cfg.Deribit.Retry.BaseDelay != time.Second {
		t.Errorf("retry section should merge with defaults: %+v", cfg.Deribit.Retry)
	}
	if strings.Join(cfg.Ingest.Currencies, ",") != "BTC,ETH,SOL" {
		t.Errorf("unexpected currencies: %v", cfg.Ingest.Currencies)
	}
	if cfg.CheckpointDir() != filepath.Join("/tmp/catalog", ".checkpoints") {
		t.Errorf("unexpected checkpoint dir: %s", cfg.CheckpointDir())
	}
	if cfg.Deribit.BaseURL != "https://history.deribit.com/api/v2/public" {
		t.Errorf("default base url lost: %s", cfg.Deribit.BaseURL)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, "catalog:\n  path: /tmp/a\n")
	t.Setenv("DERIBIT_CATALOG_PATH", "/tmp/b")
	t.Setenv("DERIBIT_CURRENCIES", "ETH")
	t.Setenv("DERIBIT_BACKOFF_BASE", "3")
	t.Setenv("DERIBIT_START_DATE", "2023-05-01")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Catalog.Path != "/tmp/b" {
		t.Errorf("env should override file: %s", cfg.Catalog.Path)
	}
	if len(cfg.Ingest.Currencies) != 1 || cfg.Ingest.Currencies[0] != "ETH" {
		t.Errorf("unexpected currencies: %v", cfg.Ingest.Currencies)
	}
	if cfg.Deribit.Retry.Multiplier != 3 {
		t.Errorf("unexpected multiplier: %v", cfg.Deribit.Retry.Multiplier)
	}
	if !cfg.StartTime().Equal(time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected start: %v", cfg.StartTime())
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for a missing explicit path")
	}

	wd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("defaults should load without a file: %v", err)
	}
	if cfg.Ingest.FlushEveryPages != 100 {
		t.Errorf("unexpected default flush cadence: %d", cfg.Ingest.FlushEveryPages)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"page size", func(c *Config) { c.Deribit.PageSize = 0 }, "deribit.page_size"},
		{"flush cadence", func(c *Config) { c.Ingest.FlushEveryPages = 0 }, "ingest.flush_every_pages must be greater than 0"},
		{"currency", func(c *Config) { c.Ingest.Currencies = []string{"DOGE"} }, "unsupported currency"},
		{"start date", func(c *Config) { c.Ingest.StartDate = "01/01/2020" }, "ingest.start_date"},
		{"compression", func(c *Config) { c.Catalog.Compression = "brotli" }, "catalog.compression"},
		{"gaps", func(c *Config) { c.Validation.GapHighDays = 9 }, "gap thresholds"},
		{"s3 bucket", func(c *Config) {
			c.Storage.S3 = S3Config{Enabled: true, Region: "eu-west-1", AccessKeyID: "a", SecretAccessKey: "b"}
		}, "storage.s3.bucket is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := validateConfig(&cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	cfg := Default()
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestProductionRequiresAbsoluteCatalog(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg := Default()
	if err := validateConfig(&cfg); err == nil {
		t.Fatalf("expected relative catalog path to be rejected in production")
	}
	cfg.Catalog.Path = "/srv/deribit"
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	t.Setenv("APP_ENV", "stag")
	if got := resolveEnvSpecificPath("", DefaultPath, envConfigPaths); got != "config/config.staging.yml" {
		t.Errorf("unexpected path: %s", got)
	}
	if got := resolveEnvSpecificPath("custom.yml", DefaultPath, envConfigPaths); got != "custom.yml" {
		t.Errorf("explicit path should win: %s", got)
	}
	t.Setenv("APP_ENV", "")
	if AppEnvironment() != "development" {
		t.Errorf("unexpected default environment: %s", AppEnvironment())
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
