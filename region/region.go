// Package region orchestrates one region: it owns the WAL, the current
// Version, the manifest and flush scheduling, and serves writes, scans and
// schema changes.
package region

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/flush"
	"github.com/INLOpen/regionstore/hooks"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/version"
	"github.com/INLOpen/regionstore/wal"
	"github.com/caio/go-tdigest/v4"
	"go.opentelemetry.io/otel/trace"
)

// Region is a single-writer, multi-reader store for one table partition.
type Region struct {
	name     string
	cfg      StoreConfig
	wal      *wal.Wal
	manifest *manifest.RegionManifest
	vc       *version.VersionControl

	// writeMu serialises writes, freezes and schema changes.
	writeMu sync.Mutex
	// flushMu guards inFlight.
	flushMu  sync.Mutex
	inFlight *flush.Handle
	// ownPool is set when the region created its own scheduler.
	ownPool *flush.WorkerPool

	closed atomic.Bool

	statsMu       sync.Mutex
	flushLatency  *tdigest.TDigest
	flushCount    int64
	flushFailures int64
	lastFlushErr  error

	logger *slog.Logger
	tracer trace.Tracer
}

func newRegion(name string, v *version.Version, cfg StoreConfig) (*Region, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	r := &Region{
		name:         name,
		cfg:          cfg,
		manifest:     cfg.Manifest,
		vc:           version.NewVersionControl(v),
		flushLatency: td,
		logger:       cfg.Logger.With("component", "Region", "region", name),
		tracer:       cfg.Tracer,
	}
	r.wal = wal.New(name, cfg.LogStore, wal.WalOptions{
		Compressor: cfg.WalCompressor,
		Logger:     cfg.Logger,
		Tracer:     cfg.Tracer,
	})
	if r.cfg.Scheduler == nil {
		r.ownPool = flush.NewWorkerPool(1, cfg.Logger)
		r.cfg.Scheduler = flush.NewScheduler(r.ownPool)
	}
	if l, ok := cfg.SstLayer.(interface {
		SetIndexCacheMetrics(hits, misses *expvar.Int)
	}); ok {
		l.SetIndexCacheMetrics(cfg.Metrics.IndexCacheHits, cfg.Metrics.IndexCacheMisses)
	}
	return r, nil
}

// Create persists the initial metadata of a new region and opens it. It
// fails with core.ErrRegionExists when the manifest already has records.
func Create(ctx context.Context, meta *metadata.RegionMetadata, cfg StoreConfig) (*Region, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if cfg.Manifest.LastVersion() > 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrRegionExists, meta.Name())
	}

	actions := manifest.NewActionList(
		manifest.Action{Protocol: &manifest.ProtocolAction{
			MinReaderVersion: manifest.ReaderVersion,
			MinWriterVersion: manifest.WriterVersion,
		}},
		manifest.NewChange(meta, 0),
	)
	if _, err := cfg.Manifest.Update(ctx, actions); err != nil {
		return nil, fmt.Errorf("failed to create region %s: %w", meta.Name(), err)
	}

	v := version.New(meta, cfg.MemtableBuilder.Build(0, meta))
	r, err := newRegion(meta.Name(), v, cfg)
	if err != nil {
		return nil, err
	}
	r.logger.Info("Region created", "schema_version", meta.Version(), "columns", meta.NumColumns())
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPostOpenRegionEvent(hooks.RegionLifecyclePayload{Region: r.name}))
	return r, nil
}

// Open recovers a region from its manifest and replays its WAL. It fails
// with core.ErrRegionNotFound when the manifest is empty.
func Open(ctx context.Context, name string, cfg StoreConfig) (*Region, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	v, recovered, err := RecoverFromManifest(ctx, cfg.Manifest, cfg.MemtableBuilder, cfg.Logger.With("region", name))
	if err != nil {
		return nil, fmt.Errorf("failed to recover region %s: %w", name, err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRegionNotFound, name)
	}
	if v.Metadata().Name() != name {
		return nil, core.NewInternalError("manifest of region %s describes region %s", name, v.Metadata().Name())
	}

	r, err := newRegion(name, v, cfg)
	if err != nil {
		return nil, err
	}
	if err := r.replay(ctx, recovered); err != nil {
		r.shutdownPool(ctx)
		return nil, fmt.Errorf("failed to replay wal of region %s: %w", name, err)
	}
	r.logger.Info("Region opened", "version", r.vc.Current().String(), "committed_sequence", r.vc.CommittedSequence())
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPostOpenRegionEvent(hooks.RegionLifecyclePayload{Region: r.name}))
	return r, nil
}

func (r *Region) Name() string { return r.name }

// Metadata returns the current schema.
func (r *Region) Metadata() *metadata.RegionMetadata { return r.vc.Current().Metadata() }

// Version returns the current Version.
func (r *Region) Version() *version.Version { return r.vc.Current() }

// CommittedSequence is the highest sequence durably held in an SST or
// replayable from the WAL.
func (r *Region) CommittedSequence() core.SequenceNumber { return r.vc.CommittedSequence() }

// ManifestVersion is the manifest version of the last edit applied to the
// current Version.
func (r *Region) ManifestVersion() uint64 { return r.vc.Current().ManifestVersion() }

// Metrics returns the region's expvar variables.
func (r *Region) Metrics() *Metrics { return r.cfg.Metrics }

// Alter applies a schema change. The change is recorded in the manifest
// with the current committed sequence; the mutable memtable is frozen and
// a new one is built for the new metadata.
func (r *Region) Alter(ctx context.Context, req metadata.AlterRequest) (*metadata.RegionMetadata, error) {
	if r.closed.Load() {
		return nil, core.ErrRegionClosed
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.vc.Current().Metadata()
	committed := r.vc.CommittedSequence()
	if err := r.cfg.Hooks.Trigger(ctx, hooks.NewPreAlterEvent(hooks.AlterPayload{
		Region: r.name, Current: current, Request: &req, Sequence: committed,
	})); err != nil {
		return nil, err
	}
	altered, err := current.Alter(req)
	if err != nil {
		return nil, err
	}
	if _, err := r.updateManifest(ctx, manifest.NewActionList(manifest.NewChange(altered, committed))); err != nil {
		return nil, err
	}
	r.vc.SetMetadata(altered, r.cfg.MemtableBuilder)

	r.logger.Info("Region altered", "schema_version", altered.Version(), "committed_sequence", committed)
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPostAlterEvent(hooks.AlterPayload{
		Region: r.name, Current: current, Request: &req, Altered: altered, Sequence: committed,
	}))
	return altered, nil
}

// updateManifest writes one manifest record and fires PostManifestUpdate.
// Flush jobs reach it through manifestWriter.
func (r *Region) updateManifest(ctx context.Context, actions manifest.ActionList) (uint64, error) {
	v, err := r.manifest.Update(ctx, actions)
	if err != nil {
		return 0, err
	}
	r.cfg.Metrics.ManifestUpdateTotal.Add(1)
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPostManifestUpdateEvent(hooks.ManifestUpdatePayload{
		Region: r.name, Version: v, Actions: actions,
	}))
	return v, nil
}

type manifestWriter struct{ r *Region }

func (w manifestWriter) Update(ctx context.Context, actions manifest.ActionList) (uint64, error) {
	return w.r.updateManifest(ctx, actions)
}

// maybeCheckpoint folds the manifest once enough records piled up past the
// last checkpoint.
func (r *Region) maybeCheckpoint(ctx context.Context, upTo uint64) {
	margin := r.cfg.CheckpointMargin
	if margin == 0 {
		return
	}
	var since uint64
	if cp, ok := r.manifest.CheckpointVersion(); ok {
		if upTo <= cp {
			return
		}
		since = upTo - cp
	} else {
		since = upTo + 1
	}
	if since < margin {
		return
	}
	if err := r.manifest.Checkpoint(ctx, upTo); err != nil {
		r.logger.Warn("Manifest checkpoint failed", "version", upTo, "error", err)
		return
	}
	r.cfg.Metrics.CheckpointTotal.Add(1)
}

// Close waits for the in-flight flush, then closes the WAL. Buffered rows
// stay recoverable from the WAL.
func (r *Region) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = r.cfg.Hooks.Trigger(ctx, hooks.NewPreCloseRegionEvent(hooks.RegionLifecyclePayload{Region: r.name}))

	// no write or freeze runs past this point
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	var errs []error
	if h := r.currentFlush(); h != nil {
		if err := h.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("Flush in flight at close failed", "error", err)
		} else if err != nil {
			errs = append(errs, err)
		}
	}
	r.shutdownPool(ctx)
	if err := r.wal.Close(); err != nil {
		errs = append(errs, &core.WALError{Op: "close", Err: err})
	}
	r.logger.Info("Region closed", "committed_sequence", r.vc.CommittedSequence())
	return errors.Join(errs...)
}

func (r *Region) shutdownPool(ctx context.Context) {
	if r.ownPool == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.ownPool.Close(closeCtx); err != nil {
		r.logger.Warn("Flush pool did not drain", "error", err)
	}
}
