package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
storage:
  type: minio
  minio:
    endpoint: "minio:9000"
    bucket: "regions"
    use_ssl: true
wal:
  dir: "/tmp/test_wal"
flush:
  max_memtable_bytes: 8388608 # 8 MiB
  max_background_jobs: 2
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "minio", cfg.Storage.Type)
	assert.Equal(t, "minio:9000", cfg.Storage.Minio.Endpoint)
	assert.True(t, cfg.Storage.Minio.UseSSL)
	assert.Equal(t, "/tmp/test_wal", cfg.WAL.Dir)
	assert.Equal(t, int64(8388608), cfg.Flush.MaxMemtableBytes)
	assert.Equal(t, 2, cfg.Flush.MaxBackgroundJobs)

	// Check a default value that was not overridden
	assert.Equal(t, "size_based", cfg.Flush.Strategy)
	assert.Equal(t, "zstd", cfg.SST.Compression)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
sst:
  row_group_size: 1024
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.SST.RowGroupSize)
	// Check default values are still there
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, uint64(10), cfg.Manifest.CheckpointMargin)
}

func TestLoad_OutlierRules(t *testing.T) {
	yamlContent := `
hooks:
  outlier_rules:
    - region: cpu
      column: usage
      min: 0
      max: 100
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.Len(t, cfg.Hooks.OutlierRules, 1)
	assert.Equal(t, OutlierRuleConfig{Region: "cpu", Column: "usage", Min: 0, Max: 100}, cfg.Hooks.OutlierRules[0])
}

func TestLoad_EmptyReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "always", cfg.WAL.SyncMode)
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
storage:
  data_dir: "/tmp/test_data"
  this: is: invalid: yaml
`
	_, err := Load(strings.NewReader(yamlContent))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_InvalidValues(t *testing.T) {
	testCases := []struct {
		name string
		yaml string
		msg  string
	}{
		{"storage type", "storage:\n  type: ftp\n", "unknown storage type"},
		{"s3 without bucket", "storage:\n  type: s3\n", "bucket is required"},
		{"sync mode", "wal:\n  sync_mode: sometimes\n", "sync_mode"},
		{"memtable type", "memtable:\n  type: btree\n", "memtable type"},
		{"background jobs", "flush:\n  max_background_jobs: 0\n", "max_background_jobs"},
		{"tracing protocol", "tracing:\n  protocol: udp\n", "tracing protocol"},
		{"outlier rule bounds", "hooks:\n  outlier_rules:\n    - {region: cpu, column: usage, min: 10, max: 1}\n", "min 10 above max 1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
storage:
  type: memory
`
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Storage.Type)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		// Should return default value
		assert.Equal(t, "local", cfg.Storage.Type)
	})
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			assert.Equal(t, tc.expected, ParseDuration(tc.input, defaultDuration, testLogger))
		})
	}
}
