// Package config provides unified configuration for all Pivora services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeQuery  Mode = "query"
	ModeRollup Mode = "rollup"
)

// Config holds the unified configuration for all Pivora services.
type Config struct {
	// Mode specifies which services to run: all, query, rollup
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Table is the source fact table rollups aggregate and queries group
	Table string `json:"table" yaml:"table"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Warehouse configuration
	Warehouse WarehouseConfig `json:"warehouse" yaml:"warehouse"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Rollup daemon configuration
	Rollup RollupConfig `json:"rollup" yaml:"rollup"`

	// Advisor configuration
	Advisor AdvisorConfig `json:"advisor" yaml:"advisor"`

	// Storage configuration for the shared cache tier
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// QueryAddr is the HTTP address for the query service
	QueryAddr string `json:"query_addr" yaml:"query_addr"`

	// RollupAddr is the HTTP address for the rollup service
	RollupAddr string `json:"rollup_addr" yaml:"rollup_addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// WarehouseConfig holds warehouse adapter configuration.
type WarehouseConfig struct {
	// Driver is the warehouse driver: sqlite, clickhouse
	Driver string `json:"driver" yaml:"driver"`

	// Path is the SQLite database path (for sqlite driver)
	Path string `json:"path" yaml:"path"`

	// ClickHouse configuration (for clickhouse driver)
	ClickHouse ClickHouseConfig `json:"clickhouse" yaml:"clickhouse"`
}

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	// Addr lists the ClickHouse native protocol addresses
	Addr []string `json:"addr" yaml:"addr"`

	// Database is the ClickHouse database name
	Database string `json:"database" yaml:"database"`

	// Username is the ClickHouse user
	Username string `json:"username" yaml:"username"`

	// Password is the ClickHouse password
	Password string `json:"password" yaml:"password"`
}

// CacheConfig holds result cache configuration.
type CacheConfig struct {
	// Dir is the local cache tier directory
	Dir string `json:"dir" yaml:"dir"`

	// MaxBytes bounds the local cache tier
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`

	// AdmissionItems sizes the admission bloom filter
	AdmissionItems int `json:"admission_items" yaml:"admission_items"`

	// SharedTier enables the object storage tier shared across replicas
	SharedTier bool `json:"shared_tier" yaml:"shared_tier"`
}

// RollupConfig holds rollup daemon configuration.
type RollupConfig struct {
	// ScanInterval is the interval between catalog scans for buildable rollups
	ScanInterval time.Duration `json:"scan_interval" yaml:"scan_interval"`

	// BuildTimeout bounds a single rollup build
	BuildTimeout time.Duration `json:"build_timeout" yaml:"build_timeout"`

	// BackoffBase is the first retry delay after a failed build
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMax caps the retry delay
	BackoffMax time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// AdvisorConfig holds rollup advisor configuration.
type AdvisorConfig struct {
	// Window is how long routing statistics are retained
	Window time.Duration `json:"window" yaml:"window"`

	// Threshold is the miss frequency that triggers a recommendation
	Threshold int64 `json:"threshold" yaml:"threshold"`

	// MaxResults caps the number of recommendations served
	MaxResults int `json:"max_results" yaml:"max_results"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/pivora",
		Table:   "search_events",
		HTTP: HTTPConfig{
			QueryAddr:    ":8080",
			RollupAddr:   ":8081",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Warehouse: WarehouseConfig{
			Driver: "sqlite",
			Path:   "",
		},
		Cache: CacheConfig{
			Dir:            "",
			MaxBytes:       512 * 1024 * 1024,
			AdmissionItems: 100000,
			SharedTier:     false,
		},
		Rollup: RollupConfig{
			ScanInterval: time.Minute,
			BuildTimeout: 15 * time.Minute,
			BackoffBase:  30 * time.Second,
			BackoffMax:   30 * time.Minute,
		},
		Advisor: AdvisorConfig{
			Window:     24 * time.Hour,
			Threshold:  10,
			MaxResults: 20,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/pivora"
	}

	// Resolve warehouse path
	if c.Warehouse.Path == "" {
		c.Warehouse.Path = filepath.Join(c.DataDir, "warehouse.db")
	}

	// Resolve cache paths
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}

	// Resolve shared storage path
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "shared")
	}
}

// CatalogPath returns the path to the catalog database.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeQuery, ModeRollup:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, query, or rollup)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Table == "" {
		return fmt.Errorf("table is required")
	}

	switch c.Warehouse.Driver {
	case "sqlite":
	case "clickhouse":
		if len(c.Warehouse.ClickHouse.Addr) == 0 {
			return fmt.Errorf("clickhouse.addr is required when warehouse driver is clickhouse")
		}
		if c.Warehouse.ClickHouse.Database == "" {
			return fmt.Errorf("clickhouse.database is required when warehouse driver is clickhouse")
		}
	default:
		return fmt.Errorf("invalid warehouse driver: %s (must be sqlite or clickhouse)", c.Warehouse.Driver)
	}

	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Rollup.ScanInterval <= 0 {
		return fmt.Errorf("rollup.scan_interval must be positive, got %s", c.Rollup.ScanInterval)
	}

	if c.Advisor.Threshold < 1 {
		return fmt.Errorf("advisor.threshold must be at least 1, got %d", c.Advisor.Threshold)
	}

	return nil
}

// ShouldRunQuery returns true if the query service should run.
func (c *Config) ShouldRunQuery() bool {
	return c.Mode == ModeAll || c.Mode == ModeQuery
}

// ShouldRunRollup returns true if the rollup service should run.
func (c *Config) ShouldRunRollup() bool {
	return c.Mode == ModeAll || c.Mode == ModeRollup
}

// LoadDotEnv loads a .env file into the process environment when present.
// A missing file is not an error.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PIVORA_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PIVORA_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("PIVORA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PIVORA_TABLE"); v != "" {
		cfg.Table = v
	}

	// HTTP configuration
	if v := os.Getenv("PIVORA_HTTP_QUERY_ADDR"); v != "" {
		cfg.HTTP.QueryAddr = v
	}
	if v := os.Getenv("PIVORA_HTTP_ROLLUP_ADDR"); v != "" {
		cfg.HTTP.RollupAddr = v
	}

	// Warehouse configuration
	if v := os.Getenv("PIVORA_WAREHOUSE_DRIVER"); v != "" {
		cfg.Warehouse.Driver = v
	}
	if v := os.Getenv("PIVORA_WAREHOUSE_PATH"); v != "" {
		cfg.Warehouse.Path = v
	}
	if v := os.Getenv("PIVORA_CLICKHOUSE_ADDR"); v != "" {
		cfg.Warehouse.ClickHouse.Addr = strings.Split(v, ",")
	}
	if v := os.Getenv("PIVORA_CLICKHOUSE_DATABASE"); v != "" {
		cfg.Warehouse.ClickHouse.Database = v
	}
	if v := os.Getenv("PIVORA_CLICKHOUSE_USERNAME"); v != "" {
		cfg.Warehouse.ClickHouse.Username = v
	}
	if v := os.Getenv("PIVORA_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Warehouse.ClickHouse.Password = v
	}

	// Cache configuration
	if v := os.Getenv("PIVORA_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("PIVORA_CACHE_MAX_BYTES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Cache.MaxBytes)
	}
	if v := os.Getenv("PIVORA_CACHE_SHARED_TIER"); v != "" {
		cfg.Cache.SharedTier = v == "true" || v == "1"
	}

	// Rollup configuration
	if v := os.Getenv("PIVORA_ROLLUP_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rollup.ScanInterval = d
		}
	}
	if v := os.Getenv("PIVORA_ROLLUP_BUILD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Rollup.BuildTimeout = d
		}
	}

	// Advisor configuration
	if v := os.Getenv("PIVORA_ADVISOR_THRESHOLD"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Advisor.Threshold)
	}

	// Storage configuration
	if v := os.Getenv("PIVORA_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("PIVORA_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("PIVORA_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("PIVORA_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("PIVORA_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Cache.Dir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
