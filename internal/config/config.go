// Package config loads mediaproxy's configuration from a single YAML file,
// with a small set of environment-variable overrides for values operators
// typically inject per-deployment (listen address, object store bucket,
// Redis/ClickHouse endpoints) rather than bake into the YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/edgecomet/engine/internal/yamlutil"
	"github.com/edgecomet/engine/pkg/types"
)

// ServerConfig controls the public-facing fasthttp listener.
type ServerConfig struct {
	Listen         string         `yaml:"listen"`
	ReadTimeout    types.Duration `yaml:"read_timeout"`
	WriteTimeout   types.Duration `yaml:"write_timeout"`
	MaxConnsPerIP  int            `yaml:"max_conns_per_ip"`
	Concurrency    int            `yaml:"concurrency"`
}

// AdmissionConfig controls which origins may be fetched from.
type AdmissionConfig struct {
	Mode       types.AdmissionMode `yaml:"mode"`
	Allowlist  []string            `yaml:"allowlist"`
	Blocklist  []string            `yaml:"blocklist"`
}

// ObjectStoreConfig selects and configures the cache storage backend.
type ObjectStoreConfig struct {
	Backend        string `yaml:"backend"` // "memory" or "s3"
	S3Bucket       string `yaml:"s3_bucket"`
	S3Prefix       string `yaml:"s3_prefix"`
	S3ForcePath    bool   `yaml:"s3_force_path_style"`
}

// CacheConfig controls cache freshness and size limits.
type CacheConfig struct {
	DefaultTTL       types.Duration `yaml:"default_ttl"`
	ManifestTTL      types.Duration `yaml:"manifest_ttl"`
	MaxObjectSizeMB  int64          `yaml:"max_object_size_mb"`
	PrefetchSubranges int           `yaml:"prefetch_subranges"`
}

// RedisConfig configures the registry's Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ClickHouseConfig configures the billing writer's ClickHouse connection.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// UsageConfig controls usage accounting.
type UsageConfig struct {
	FlushInterval types.Duration `yaml:"flush_interval"`
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LogConfig mirrors internal/logging.Config's YAML shape.
type LogConfig struct {
	Level              string `yaml:"level"`
	ConsoleFormat      string `yaml:"console_format"`
	FileEnabled        bool   `yaml:"file_enabled"`
	FilePath           string `yaml:"file_path"`
	FileFormat         string `yaml:"file_format"`
	RotationMaxSizeMB  int    `yaml:"rotation_max_size_mb"`
	RotationMaxAgeDays int    `yaml:"rotation_max_age_days"`
	RotationMaxBackups int    `yaml:"rotation_max_backups"`
	RotationCompress   bool   `yaml:"rotation_compress"`
}

// Config is the top-level configuration for cmd/mediaproxy.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Admission   AdmissionConfig   `yaml:"admission"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Usage       UsageConfig       `yaml:"usage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// Load reads and validates configuration from path, then applies any
// recognized environment-variable overrides on top.
func Load(path string, logger *zap.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if logger != nil {
		logger.Info("configuration loaded",
			zap.String("path", path),
			zap.String("admission_mode", string(cfg.Admission.Mode)),
			zap.String("object_store_backend", cfg.ObjectStore.Backend))
	}

	return cfg, nil
}

// Default returns a Config populated with the same defaults a freshly
// unmarshalled zero-value YAML document would not otherwise set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			ReadTimeout:   types.Duration(30_000_000_000),
			WriteTimeout:  types.Duration(30_000_000_000),
			MaxConnsPerIP: 200,
			Concurrency:   256 * 1024,
		},
		Admission: AdmissionConfig{
			Mode: types.AdmissionOpen,
		},
		ObjectStore: ObjectStoreConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			DefaultTTL:        types.Duration(3600_000_000_000),
			ManifestTTL:       types.Duration(5_000_000_000),
			MaxObjectSizeMB:   512,
			PrefetchSubranges: 4,
		},
		Usage: UsageConfig{
			FlushInterval: types.Duration(60_000_000_000),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:         "info",
			ConsoleFormat: "console",
		},
	}
}

// Validate rejects configurations that would leave the service in an
// inconsistent or unsafe state.
func (c *Config) Validate() error {
	switch c.Admission.Mode {
	case types.AdmissionOpen, types.AdmissionList, types.AdmissionRegistered:
	default:
		return fmt.Errorf("admission.mode must be one of open, list, registered, got %q", c.Admission.Mode)
	}
	if c.Admission.Mode == types.AdmissionList && len(c.Admission.Allowlist) == 0 {
		return fmt.Errorf("admission.allowlist must be non-empty when admission.mode is \"list\"")
	}
	if c.Admission.Mode == types.AdmissionRegistered && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when admission.mode is \"registered\"")
	}

	switch c.ObjectStore.Backend {
	case "memory":
	case "s3":
		if c.ObjectStore.S3Bucket == "" {
			return fmt.Errorf("object_store.s3_bucket is required when object_store.backend is \"s3\"")
		}
	default:
		return fmt.Errorf("object_store.backend must be \"memory\" or \"s3\", got %q", c.ObjectStore.Backend)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == c.Server.Listen {
		return fmt.Errorf("metrics.listen must differ from server.listen")
	}

	return nil
}

// applyEnvOverrides lets operators inject deployment-specific secrets and
// endpoints without templating the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEDIAPROXY_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("MEDIAPROXY_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
	if v := os.Getenv("MEDIAPROXY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MEDIAPROXY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MEDIAPROXY_S3_BUCKET"); v != "" {
		cfg.ObjectStore.S3Bucket = v
	}
	if v := os.Getenv("MEDIAPROXY_CLICKHOUSE_ADDR"); v != "" {
		cfg.ClickHouse.Addr = v
	}
	if v := os.Getenv("MEDIAPROXY_CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}
	if v := os.Getenv("MEDIAPROXY_ADMISSION_MODE"); v != "" {
		cfg.Admission.Mode = types.AdmissionMode(strings.ToLower(v))
	}
}
