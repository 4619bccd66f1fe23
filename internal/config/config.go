package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmrzaf/invsync/internal/timeutil"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBatchSize       = 500
	DefaultDrainInterval   = 60 * time.Second
	DefaultFullRunInterval = 720 * time.Minute
	MinFullRunInterval     = 10 * time.Minute
	MinRequestTimeout      = 60 * time.Second
)

type Config struct {
	APIBaseURL      string        `yaml:"api_base_url"`
	APIKey          string        `yaml:"api_key"`
	APIKeySecretID  string        `yaml:"api_key_secret_id,omitempty"`
	AWSRegion       string        `yaml:"aws_region,omitempty"`
	BatchSize       int           `yaml:"batch_size"`
	DrainInterval   time.Duration `yaml:"drain_interval"`
	FullRunInterval time.Duration `yaml:"full_run_interval"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	QueueDriver     string        `yaml:"queue_driver"`
	QueueDSN        string        `yaml:"queue_dsn"`
	CatalogDBPath   string        `yaml:"catalog_db"`
	BaseCurrency    string        `yaml:"base_currency"`
	TargetCurrency  string        `yaml:"target_currency"`
	DefaultTaxID    string        `yaml:"default_tax_id,omitempty"`
	LogLevel        string        `yaml:"log_level"`
	BindAddr        string        `yaml:"bind_addr"`
}

// fileConfig mirrors Config with durations kept as text so "720" and "12h"
// are both accepted.
type fileConfig struct {
	APIBaseURL      string `yaml:"api_base_url"`
	APIKey          string `yaml:"api_key"`
	APIKeySecretID  string `yaml:"api_key_secret_id"`
	AWSRegion       string `yaml:"aws_region"`
	BatchSize       string `yaml:"batch_size"`
	DrainInterval   string `yaml:"drain_interval"`
	FullRunInterval string `yaml:"full_run_interval"`
	RequestTimeout  string `yaml:"request_timeout"`
	QueueDriver     string `yaml:"queue_driver"`
	QueueDSN        string `yaml:"queue_dsn"`
	CatalogDBPath   string `yaml:"catalog_db"`
	BaseCurrency    string `yaml:"base_currency"`
	TargetCurrency  string `yaml:"target_currency"`
	DefaultTaxID    string `yaml:"default_tax_id"`
	LogLevel        string `yaml:"log_level"`
	BindAddr        string `yaml:"bind_addr"`
}

func (f *fileConfig) values() map[string]string {
	return map[string]string{
		"INVSYNC_API_BASE_URL":      f.APIBaseURL,
		"INVSYNC_API_KEY":           f.APIKey,
		"INVSYNC_API_KEY_SECRET_ID": f.APIKeySecretID,
		"INVSYNC_AWS_REGION":        f.AWSRegion,
		"INVSYNC_BATCH_SIZE":        f.BatchSize,
		"INVSYNC_DRAIN_INTERVAL":    f.DrainInterval,
		"INVSYNC_FULL_RUN_INTERVAL": f.FullRunInterval,
		"INVSYNC_REQUEST_TIMEOUT":   f.RequestTimeout,
		"INVSYNC_QUEUE_DRIVER":      f.QueueDriver,
		"INVSYNC_QUEUE_DSN":         f.QueueDSN,
		"INVSYNC_CATALOG_DB":        f.CatalogDBPath,
		"INVSYNC_BASE_CURRENCY":     f.BaseCurrency,
		"INVSYNC_TARGET_CURRENCY":   f.TargetCurrency,
		"INVSYNC_DEFAULT_TAX_ID":    f.DefaultTaxID,
		"INVSYNC_LOG_LEVEL":         f.LogLevel,
		"INVSYNC_BIND_ADDR":         f.BindAddr,
	}
}

// Load resolves settings from, in order of precedence: the process
// environment, a .env file in the working directory, the YAML file named by
// INVSYNC_CONFIG, and built-in defaults.
func Load() (*Config, error) {
	src := &sources{dotenv: readDotEnv(".env")}

	if path := src.get("INVSYNC_CONFIG", ""); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file.values()
	}

	cfg := &Config{
		APIBaseURL:     strings.TrimRight(src.get("INVSYNC_API_BASE_URL", ""), "/"),
		APIKey:         src.get("INVSYNC_API_KEY", ""),
		APIKeySecretID: src.get("INVSYNC_API_KEY_SECRET_ID", ""),
		AWSRegion:      src.get("INVSYNC_AWS_REGION", ""),
		QueueDriver:    strings.ToLower(src.get("INVSYNC_QUEUE_DRIVER", "sqlite")),
		QueueDSN:       src.get("INVSYNC_QUEUE_DSN", "./invsync-queue.sqlite"),
		CatalogDBPath:  src.get("INVSYNC_CATALOG_DB", "./invsync-catalog.sqlite"),
		BaseCurrency:   strings.ToUpper(src.get("INVSYNC_BASE_CURRENCY", "USD")),
		TargetCurrency: strings.ToUpper(src.get("INVSYNC_TARGET_CURRENCY", "USD")),
		DefaultTaxID:   src.get("INVSYNC_DEFAULT_TAX_ID", ""),
		LogLevel:       src.get("INVSYNC_LOG_LEVEL", "info"),
		BindAddr:       src.get("INVSYNC_BIND_ADDR", ":8080"),
	}

	var err error
	if cfg.BatchSize, err = parseBatchSize(src.get("INVSYNC_BATCH_SIZE", "")); err != nil {
		return nil, err
	}
	if cfg.DrainInterval, err = parseInterval(src.get("INVSYNC_DRAIN_INTERVAL", ""), time.Second, DefaultDrainInterval); err != nil {
		return nil, fmt.Errorf("INVSYNC_DRAIN_INTERVAL: %w", err)
	}
	if cfg.FullRunInterval, err = parseInterval(src.get("INVSYNC_FULL_RUN_INTERVAL", ""), time.Minute, DefaultFullRunInterval); err != nil {
		return nil, fmt.Errorf("INVSYNC_FULL_RUN_INTERVAL: %w", err)
	}
	if cfg.RequestTimeout, err = parseInterval(src.get("INVSYNC_REQUEST_TIMEOUT", ""), time.Second, MinRequestTimeout); err != nil {
		return nil, fmt.Errorf("INVSYNC_REQUEST_TIMEOUT: %w", err)
	}
	cfg.applyFloors()
	return cfg, nil
}

// applyFloors enforces the minimum full-run spacing and request timeout.
func (c *Config) applyFloors() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.FullRunInterval < MinFullRunInterval {
		c.FullRunInterval = MinFullRunInterval
	}
	if c.RequestTimeout < MinRequestTimeout {
		c.RequestTimeout = MinRequestTimeout
	}
}

func parseBatchSize(v string) (int, error) {
	if strings.TrimSpace(v) == "" {
		return DefaultBatchSize, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("INVSYNC_BATCH_SIZE: invalid integer %q", v)
	}
	if n <= 0 {
		return DefaultBatchSize, nil
	}
	return n, nil
}

func parseInterval(v string, unit, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return timeutil.ParseInterval(v, unit)
}

type sources struct {
	dotenv map[string]string
	file   map[string]string
}

func (s *sources) get(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := s.dotenv[key]; value != "" {
		return value
	}
	if value := s.file[key]; value != "" {
		return value
	}
	return defaultValue
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func readDotEnv(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
			v = v[1 : len(v)-1]
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}
