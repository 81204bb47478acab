package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// S3Config holds the settings of the "s3" storage type.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	PartSize     int64  `yaml:"part_size_bytes"`
}

// MinioConfig holds the settings of the "minio" storage type.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StorageConfig selects where SST files and manifests live.
type StorageConfig struct {
	Type    string      `yaml:"type"`     // "local", "memory", "s3" or "minio"
	DataDir string      `yaml:"data_dir"` // local root; also holds the engine LOCK file
	S3      S3Config    `yaml:"s3"`
	Minio   MinioConfig `yaml:"minio"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	Dir                 string `yaml:"dir"`
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	Compression         string `yaml:"compression"`
}

// MemtableConfig holds memtable-specific configurations.
type MemtableConfig struct {
	Type string `yaml:"type"`
}

// FlushConfig controls when memtables are flushed and how flush jobs run.
type FlushConfig struct {
	Strategy             string `yaml:"strategy"` // "size_based" or "manual"
	MaxMemtableBytes     int64  `yaml:"max_memtable_bytes"`
	MaxBackgroundJobs    int    `yaml:"max_background_jobs"`
	MaxRetries           uint   `yaml:"max_retries"`
	InitialRetryDelay    string `yaml:"initial_retry_delay"`
	MaxRetryDelay        string `yaml:"max_retry_delay"`
	WriteRateLimitBytes  int    `yaml:"write_rate_limit_bytes"`
	Level0AlertThreshold int    `yaml:"level0_alert_threshold"`
}

// SSTConfig holds SST file specific configurations.
type SSTConfig struct {
	Compression    string `yaml:"compression"`
	RowGroupSize   int    `yaml:"row_group_size"`
	IndexCacheSize int    `yaml:"index_cache_size"`
}

// ManifestConfig holds manifest specific configurations.
type ManifestConfig struct {
	// CheckpointMargin is the number of records after which a checkpoint is
	// written. Zero disables checkpoints.
	CheckpointMargin uint64 `yaml:"checkpoint_margin"`
}

// OutlierRuleConfig flags written values of one column that fall outside
// [min, max].
type OutlierRuleConfig struct {
	Region string  `yaml:"region"`
	Column string  `yaml:"column"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

// HooksConfig configures the built-in hook listeners.
type HooksConfig struct {
	OutlierRules []OutlierRuleConfig `yaml:"outlier_rules"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	// SystemMetricsInterval is how often host metrics are sampled.
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
}

// Config is the top-level configuration struct.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	WAL      WALConfig      `yaml:"wal"`
	Memtable MemtableConfig `yaml:"memtable"`
	Flush    FlushConfig    `yaml:"flush"`
	SST      SSTConfig      `yaml:"sst"`
	Manifest ManifestConfig `yaml:"manifest"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Debug    DebugConfig    `yaml:"debug"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Type:    "local",
			DataDir: "./data",
			S3: S3Config{
				Region: "us-east-1",
			},
			Minio: MinioConfig{
				Endpoint: "localhost:9000",
			},
		},
		WAL: WALConfig{
			Dir:                 "./data/wal",
			SyncMode:            "always",
			MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			Compression:         "snappy",
		},
		Memtable: MemtableConfig{
			Type: "skiplist",
		},
		Flush: FlushConfig{
			Strategy:             "size_based",
			MaxMemtableBytes:     64 * 1024 * 1024, // 64 MiB
			MaxBackgroundJobs:    4,
			MaxRetries:           3,
			InitialRetryDelay:    "100ms",
			MaxRetryDelay:        "5s",
			WriteRateLimitBytes:  0,
			Level0AlertThreshold: 16,
		},
		SST: SSTConfig{
			Compression:    "zstd",
			RowGroupSize:   4096,
			IndexCacheSize: 256,
		},
		Manifest: ManifestConfig{
			CheckpointMargin: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "regionstore.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:               false,
			ListenAddress:         "127.0.0.1:6060",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			MonitorUIEnabled:      true,
			SystemMetricsInterval: "15s",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the values that have a closed set of choices.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "local", "memory":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for storage type s3")
		}
	case "minio":
		if c.Storage.Minio.Bucket == "" || c.Storage.Minio.Endpoint == "" {
			return fmt.Errorf("storage.minio.endpoint and storage.minio.bucket are required for storage type minio")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	switch c.WAL.SyncMode {
	case "always", "disabled":
	default:
		return fmt.Errorf("unknown wal sync_mode %q", c.WAL.SyncMode)
	}
	if c.Memtable.Type != "skiplist" {
		return fmt.Errorf("unknown memtable type %q", c.Memtable.Type)
	}
	if c.Flush.MaxBackgroundJobs <= 0 {
		return fmt.Errorf("flush.max_background_jobs must be positive, got %d", c.Flush.MaxBackgroundJobs)
	}
	for _, rule := range c.Hooks.OutlierRules {
		if rule.Region == "" || rule.Column == "" {
			return fmt.Errorf("hooks.outlier_rules entries need a region and a column")
		}
		if rule.Min > rule.Max {
			return fmt.Errorf("outlier rule for %s.%s has min %g above max %g", rule.Region, rule.Column, rule.Min, rule.Max)
		}
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("unknown tracing protocol %q", c.Tracing.Protocol)
	}
	return nil
}
