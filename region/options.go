package region

import (
	"log/slog"

	"github.com/INLOpen/regionstore/compressors"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/flush"
	"github.com/INLOpen/regionstore/hooks"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/sst"
	"github.com/INLOpen/regionstore/wal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// StoreConfig wires a region to its storage back-ends. The engine builds one
// per region; tests build them directly.
type StoreConfig struct {
	// LogStore backs the region's write ahead log. Required.
	LogStore wal.LogStore
	// WalCompressor compresses WAL payloads. Nil selects snappy.
	WalCompressor core.Compressor
	// SstLayer reads and writes the region's SST files. Required.
	SstLayer sst.AccessLayer
	// Manifest is the region's opened manifest. Required.
	Manifest *manifest.RegionManifest

	MemtableBuilder memtable.Builder
	// Scheduler runs flush jobs. Nil runs them on a private single worker
	// pool that Close shuts down.
	Scheduler flush.Scheduler
	Strategy  flush.Strategy

	// SstCompressor and RowGroupSize shape flushed files.
	SstCompressor core.Compressor
	RowGroupSize  int
	Retry         flush.RetryPolicy
	// CheckpointMargin is how many manifest records may accumulate past the
	// last checkpoint before a flush writes a new one. Zero disables
	// checkpoints.
	CheckpointMargin uint64

	Hooks   hooks.HookManager
	Metrics *Metrics
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

func (c *StoreConfig) validate() error {
	if c.LogStore == nil {
		return core.NewValidationError("log_store", "", "region needs a log store")
	}
	if c.SstLayer == nil {
		return core.NewValidationError("sst_layer", "", "region needs an sst access layer")
	}
	if c.Manifest == nil {
		return core.NewValidationError("manifest", "", "region needs a manifest")
	}
	return nil
}

func (c *StoreConfig) applyDefaults() {
	if c.WalCompressor == nil {
		c.WalCompressor = compressors.NewSnappyCompressor()
	}
	if c.SstCompressor == nil {
		c.SstCompressor = compressors.NewSnappyCompressor()
	}
	if c.MemtableBuilder == nil {
		c.MemtableBuilder = memtable.DefaultBuilder{}
	}
	if c.Strategy == nil {
		c.Strategy = flush.NewSizeBasedStrategy(0)
	}
	if c.Retry == (flush.RetryPolicy{}) {
		c.Retry = flush.DefaultRetryPolicy()
	}
	if c.Hooks == nil {
		c.Hooks = hooks.NoopHookManager{}
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(false, "")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("region")
	}
}
