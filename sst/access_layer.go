package sst

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/INLOpen/regionstore/cache"
	"github.com/INLOpen/regionstore/compressors"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/objectstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// WriteOptions controls how a file is encoded.
type WriteOptions struct {
	Metadata     *metadata.RegionMetadata
	Compressor   core.Compressor // nil uses snappy
	RowGroupSize int
	Level        int
}

// ReadOptions controls projection and filtering of a file scan.
type ReadOptions struct {
	// Columns by name, nil for every column of the file. Columns the file
	// does not contain read as nulls.
	Columns         []string
	TimeRange       *core.TimeRange
	SequenceCeiling core.SequenceNumber
}

// AccessLayer reads and writes the SST files of one region.
type AccessLayer interface {
	// WriteSST drains source into a new file. It returns nil metadata and
	// writes nothing when source is empty.
	WriteSST(ctx context.Context, name string, source core.RowIterator, opts WriteOptions) (*FileMeta, error)
	// ReadSST streams the rows of a file. Tombstones are returned.
	ReadSST(ctx context.Context, name string, opts ReadOptions) (core.RowIterator, error)
	DeleteSST(ctx context.Context, name string) error
	ListSSTs(ctx context.Context) ([]string, error)
}

// NewFileName returns a fresh, collision free SST file name.
func NewFileName() string {
	return uuid.NewString() + core.SSTFileSuffix
}

type Options struct {
	Store objectstore.ObjectStore
	// Dir is the region directory relative to the store root.
	Dir string
	// WriteRateLimit caps the bytes per second put to the store. Zero
	// disables limiting.
	WriteRateLimit int
	// IndexCacheSize is the number of parsed file indexes kept in memory.
	IndexCacheSize int
	Logger         *slog.Logger
	Tracer         trace.Tracer
}

// FsAccessLayer stores SST files in an object store under one directory.
type FsAccessLayer struct {
	store   objectstore.ObjectStore
	dir     string
	limiter *rate.Limiter
	indexes *cache.LRU[string, *fileIndex]
	logger  *slog.Logger
	tracer  trace.Tracer
}

var _ AccessLayer = (*FsAccessLayer)(nil)

const defaultIndexCacheSize = 256

func NewFsAccessLayer(opts Options) *FsAccessLayer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("sst")
	}
	if opts.IndexCacheSize == 0 {
		opts.IndexCacheSize = defaultIndexCacheSize
	}
	l := &FsAccessLayer{
		store:   opts.Store,
		dir:     opts.Dir,
		indexes: cache.New[string, *fileIndex](opts.IndexCacheSize, nil),
		logger:  opts.Logger.With("component", "SstLayer", "dir", opts.Dir),
		tracer:  opts.Tracer,
	}
	if opts.WriteRateLimit > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(opts.WriteRateLimit), opts.WriteRateLimit)
	}
	return l
}

func (l *FsAccessLayer) path(name string) string {
	return objectstore.Join(l.dir, name)
}

// SetIndexCacheMetrics attaches hit and miss counters to the index cache.
func (l *FsAccessLayer) SetIndexCacheMetrics(hits, misses *expvar.Int) {
	l.indexes.SetMetrics(hits, misses)
}

func (l *FsAccessLayer) WriteSST(ctx context.Context, name string, source core.RowIterator, opts WriteOptions) (meta *FileMeta, err error) {
	ctx, span := l.tracer.Start(ctx, "SstLayer.WriteSST")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write_sst_failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("sst.name", name), attribute.Int("sst.level", opts.Level))

	if opts.Metadata == nil {
		return nil, core.NewInternalError("sst write of %s without metadata", name)
	}
	compressor := opts.Compressor
	if compressor == nil {
		if compressor, err = compressors.ForType(core.CompressionSnappy); err != nil {
			return nil, err
		}
	}

	w := NewWriter(opts.Metadata, compressor, opts.RowGroupSize)
	for source.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.Add(source.Row()); err != nil {
			return nil, fmt.Errorf("failed to add row to sst %s: %w", name, err)
		}
	}
	if err := source.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows for sst %s: %w", name, err)
	}
	if w.NumRows() == 0 {
		l.logger.Debug("Skipping empty sst", "name", name)
		return nil, nil
	}

	data, stats, err := w.Finish()
	if err != nil {
		return nil, err
	}
	if err := l.waitForQuota(ctx, len(data)); err != nil {
		return nil, err
	}
	if err := l.store.Put(ctx, l.path(name), data); err != nil {
		return nil, fmt.Errorf("failed to put sst %s: %w", name, err)
	}

	stats.FileName = name
	stats.Level = opts.Level
	span.SetAttributes(attribute.Int64("sst.rows", stats.NumRows), attribute.Int64("sst.bytes", stats.FileSize))
	l.logger.Info("Wrote sst", "name", name, "rows", stats.NumRows, "bytes", stats.FileSize,
		"min_seq", stats.MinSequence, "max_seq", stats.MaxSequence)
	return &stats, nil
}

// waitForQuota blocks until n bytes may be written. Requests larger than the
// limiter burst are split into burst sized chunks.
func (l *FsAccessLayer) waitForQuota(ctx context.Context, n int) error {
	if l.limiter == nil {
		return nil
	}
	burst := l.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("sst write throttled: %w", err)
		}
		n -= chunk
	}
	return nil
}

func (l *FsAccessLayer) ReadSST(ctx context.Context, name string, opts ReadOptions) (core.RowIterator, error) {
	blob, err := l.store.Open(ctx, l.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open sst %s: %w", name, err)
	}
	index, ok := l.indexes.Get(name)
	if !ok {
		index, err = readIndex(ctx, blob)
		if err != nil {
			_ = blob.Close()
			if errors.Is(err, ErrCorrupted) {
				return nil, &core.CorruptionError{Source: name, Offset: -1, Err: err}
			}
			return nil, fmt.Errorf("failed to read sst %s: %w", name, err)
		}
		l.indexes.Put(name, index)
	}
	return newRowIterator(ctx, name, blob, index, opts), nil
}

func (l *FsAccessLayer) DeleteSST(ctx context.Context, name string) error {
	l.indexes.Remove(name)
	if err := l.store.Delete(ctx, l.path(name)); err != nil {
		return fmt.Errorf("failed to delete sst %s: %w", name, err)
	}
	l.logger.Debug("Deleted sst", "name", name)
	return nil
}

// ListSSTs returns the names of all SST files in the region directory.
func (l *FsAccessLayer) ListSSTs(ctx context.Context) ([]string, error) {
	prefix := strings.TrimSuffix(l.dir, "/") + "/"
	if l.dir == "" {
		prefix = ""
	}
	names, err := l.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range names {
		rel := strings.TrimPrefix(n, prefix)
		if strings.Contains(rel, "/") || !strings.HasSuffix(rel, core.SSTFileSuffix) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}
