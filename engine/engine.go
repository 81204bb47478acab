// Package engine hosts the regions of one process: it lays out their storage,
// shares one flush worker pool between them and guards the data directory
// with an exclusive lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/regionstore/compressors"
	"github.com/INLOpen/regionstore/config"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/flush"
	"github.com/INLOpen/regionstore/hooks"
	"github.com/INLOpen/regionstore/hooks/listeners"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/objectstore"
	"github.com/INLOpen/regionstore/region"
	"github.com/INLOpen/regionstore/sst"
	"github.com/INLOpen/regionstore/sys"
	"github.com/INLOpen/regionstore/wal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEngineClosed = errors.New("engine is closed")
	ErrRegionOpen   = errors.New("region is already open")
)

// LockFileName is the data directory lock held while an engine runs.
const LockFileName = "LOCK"

const manifestDirName = "manifest"

// Options configures an Engine.
type Options struct {
	Config *config.Config
	// Store overrides the object store built from Config.Storage.
	Store objectstore.ObjectStore
	// Hooks receives region events. Nil creates a DefaultHookManager with
	// the built-in listeners registered.
	Hooks hooks.HookManager
	// PublishMetrics registers region metrics in the global expvar
	// namespace.
	PublishMetrics bool
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Engine owns a set of open regions.
type Engine struct {
	cfg    *config.Config
	opts   Options
	store  objectstore.ObjectStore
	pool   *flush.WorkerPool
	sched  flush.Scheduler
	hooks  hooks.HookManager
	unlock func() error

	mu      sync.RWMutex
	regions map[string]*region.Region
	closed  atomic.Bool

	logger *slog.Logger
	tracer trace.Tracer
}

// New locks the data directory, connects the object store and starts the
// flush worker pool.
func New(ctx context.Context, opts Options) (_ *Engine, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Engine")

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		return nil, fmt.Errorf("data directory must be specified")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	unlock, err := sys.AcquireDirLock(filepath.Join(dataDir, LockFileName))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = unlock()
		}
	}()

	store := opts.Store
	if store == nil {
		if store, err = NewObjectStore(ctx, cfg.Storage); err != nil {
			return nil, fmt.Errorf("failed to open object store: %w", err)
		}
	}

	e := &Engine{
		cfg:     cfg,
		opts:    opts,
		store:   store,
		hooks:   opts.Hooks,
		unlock:  unlock,
		regions: make(map[string]*region.Region),
		logger:  logger,
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/regionstore")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	if e.hooks == nil {
		hm := hooks.NewHookManager(logger.With("component", "HookManager"))
		hm.Register(hooks.EventPostFlush, listeners.NewLevel0AlerterListener(logger, cfg.Flush.Level0AlertThreshold))
		hm.Register(hooks.EventPostFlush, listeners.NewFlushAmplificationListener(logger))
		if len(cfg.Hooks.OutlierRules) > 0 {
			rules := make([]listeners.OutlierRule, len(cfg.Hooks.OutlierRules))
			for i, r := range cfg.Hooks.OutlierRules {
				rules[i] = listeners.OutlierRule{
					Region:     r.Region,
					Column:     r.Column,
					Thresholds: listeners.Thresholds{Min: r.Min, Max: r.Max},
				}
			}
			hm.Register(hooks.EventPreWrite, listeners.NewOutlierDetectionListener(logger, rules))
		}
		e.hooks = hm
	}
	e.pool = flush.NewWorkerPool(int64(cfg.Flush.MaxBackgroundJobs), logger)
	e.sched = flush.NewScheduler(e.pool)

	logger.Info("Engine started", "data_dir", dataDir, "storage", cfg.Storage.Type, "wal_dir", cfg.WAL.Dir,
		"max_background_jobs", cfg.Flush.MaxBackgroundJobs)
	return e, nil
}

// Hooks returns the hook manager regions report to.
func (e *Engine) Hooks() hooks.HookManager { return e.hooks }

// Store returns the object store holding SST files and manifests.
func (e *Engine) Store() objectstore.ObjectStore { return e.store }

func validateRegionName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return core.NewValidationError("region", name, "invalid region name")
	}
	return nil
}

// storeConfig opens the WAL and manifest of a region and assembles the rest
// of its configuration. The returned cleanup closes what was opened.
func (e *Engine) storeConfig(ctx context.Context, name string) (region.StoreConfig, func(), error) {
	cfg := e.cfg
	walCompressor, err := compressors.Parse(cfg.WAL.Compression)
	if err != nil {
		return region.StoreConfig{}, nil, core.NewValidationError("wal.compression", cfg.WAL.Compression, "%v", err)
	}
	sstCompressor, err := compressors.Parse(cfg.SST.Compression)
	if err != nil {
		return region.StoreConfig{}, nil, core.NewValidationError("sst.compression", cfg.SST.Compression, "%v", err)
	}
	strategy, err := flush.ParseStrategy(cfg.Flush.Strategy, cfg.Flush.MaxMemtableBytes)
	if err != nil {
		return region.StoreConfig{}, nil, core.NewValidationError("flush.strategy", cfg.Flush.Strategy, "%v", err)
	}

	logger := e.logger.With("region", name)
	logStore, err := wal.Open(wal.Options{
		Dir:            filepath.Join(cfg.WAL.Dir, name),
		SyncMode:       wal.SyncMode(cfg.WAL.SyncMode),
		MaxSegmentSize: cfg.WAL.MaxSegmentSizeBytes,
		Logger:         logger,
	})
	if err != nil {
		return region.StoreConfig{}, nil, &core.WALError{Op: "open", Err: err}
	}
	cleanup := func() { _ = logStore.Close() }

	m, err := manifest.Open(ctx, manifest.Options{
		Store:  e.store,
		Dir:    objectstore.Join(name, manifestDirName),
		Logger: logger,
		Tracer: e.tracer,
	})
	if err != nil {
		cleanup()
		return region.StoreConfig{}, nil, err
	}

	return region.StoreConfig{
		LogStore:      logStore,
		WalCompressor: walCompressor,
		SstLayer: sst.NewFsAccessLayer(sst.Options{
			Store:          e.store,
			Dir:            name,
			WriteRateLimit: cfg.Flush.WriteRateLimitBytes,
			IndexCacheSize: cfg.SST.IndexCacheSize,
			Logger:         logger,
			Tracer:         e.tracer,
		}),
		Manifest:        m,
		MemtableBuilder: memtable.DefaultBuilder{},
		Scheduler:       e.sched,
		Strategy:        strategy,
		SstCompressor:   sstCompressor,
		RowGroupSize:    cfg.SST.RowGroupSize,
		Retry: flush.RetryPolicy{
			MaxRetries:   cfg.Flush.MaxRetries,
			InitialDelay: config.ParseDuration(cfg.Flush.InitialRetryDelay, flush.DefaultRetryPolicy().InitialDelay, e.logger),
			MaxDelay:     config.ParseDuration(cfg.Flush.MaxRetryDelay, flush.DefaultRetryPolicy().MaxDelay, e.logger),
		},
		CheckpointMargin: cfg.Manifest.CheckpointMargin,
		Hooks:            e.hooks,
		Metrics:          region.NewMetrics(e.opts.PublishMetrics, "regionstore_"+name+"_"),
		Logger:           e.logger,
		Tracer:           e.tracer,
	}, cleanup, nil
}

// reserve fails when the engine is closed or name is already open.
func (e *Engine) reserve(name string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := validateRegionName(name); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.regions[name]; ok {
		return fmt.Errorf("%w: %s", ErrRegionOpen, name)
	}
	return nil
}

func (e *Engine) register(r *region.Region) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if _, ok := e.regions[r.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrRegionOpen, r.Name())
	}
	e.regions[r.Name()] = r
	return nil
}

// CreateRegion creates and opens a new region described by meta.
func (e *Engine) CreateRegion(ctx context.Context, meta *metadata.RegionMetadata) (*region.Region, error) {
	if err := e.reserve(meta.Name()); err != nil {
		return nil, err
	}
	cfg, cleanup, err := e.storeConfig(ctx, meta.Name())
	if err != nil {
		return nil, err
	}
	r, err := region.Create(ctx, meta, cfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := e.register(r); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return r, nil
}

// OpenRegion recovers an existing region.
func (e *Engine) OpenRegion(ctx context.Context, name string) (*region.Region, error) {
	if err := e.reserve(name); err != nil {
		return nil, err
	}
	cfg, cleanup, err := e.storeConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := region.Open(ctx, name, cfg)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := e.register(r); err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	return r, nil
}

// OpenRegions opens several regions concurrently. Regions opened before a
// failure stay open.
func (e *Engine) OpenRegions(ctx context.Context, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Flush.MaxBackgroundJobs, 1))
	for _, name := range names {
		g.Go(func() error {
			if _, err := e.OpenRegion(gctx, name); err != nil {
				return fmt.Errorf("open region %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// OpenAll opens every region found in the object store.
func (e *Engine) OpenAll(ctx context.Context) error {
	names, err := e.ListRegions(ctx)
	if err != nil {
		return err
	}
	return e.OpenRegions(ctx, names)
}

// Region returns an open region.
func (e *Engine) Region(name string) (*region.Region, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.regions[name]
	return r, ok
}

// OpenRegionNames lists the open regions, sorted.
func (e *Engine) OpenRegionNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.regions))
	for name := range e.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListRegions returns the names of every region with a manifest in the
// object store, open or not.
func (e *Engine) ListRegions(ctx context.Context) ([]string, error) {
	keys, err := e.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list object store: %w", err)
	}
	seen := make(map[string]struct{})
	var names []string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[1] != manifestDirName {
			continue
		}
		if _, ok := seen[parts[0]]; ok {
			continue
		}
		seen[parts[0]] = struct{}{}
		names = append(names, parts[0])
	}
	sort.Strings(names)
	return names, nil
}

// CloseRegion closes an open region. Its data stays on storage.
func (e *Engine) CloseRegion(ctx context.Context, name string) error {
	e.mu.Lock()
	r, ok := e.regions[name]
	delete(e.regions, name)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRegionNotFound, name)
	}
	return r.Close(ctx)
}

// Stats reports every open region.
func (e *Engine) Stats() []region.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]region.Stats, 0, len(e.regions))
	for _, r := range e.regions {
		out = append(out, r.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every region, drains the flush pool and waits for
// asynchronous hook listeners before releasing the data directory lock.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	regions := e.regions
	e.regions = make(map[string]*region.Region)
	e.mu.Unlock()

	var g errgroup.Group
	for name, r := range regions {
		g.Go(func() error {
			if err := r.Close(ctx); err != nil {
				return fmt.Errorf("close region %s: %w", name, err)
			}
			return nil
		})
	}
	closeErr := g.Wait()
	closeErr = errors.Join(closeErr, e.pool.Close(ctx))
	e.hooks.Stop()
	closeErr = errors.Join(closeErr, e.unlock())
	if closeErr != nil {
		e.logger.Error("Engine closed with errors", "error", closeErr)
		return fmt.Errorf("errors during close: %w", closeErr)
	}
	e.logger.Info("Engine closed", "regions", len(regions))
	return nil
}
