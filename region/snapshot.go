package region

import (
	"context"
	"fmt"
	"strconv"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/iterator"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/sst"
	"github.com/INLOpen/regionstore/version"
)

// Snapshot is a consistent read view of a region. It pins one Version, so
// flushes and schema changes after it was taken do not affect it.
type Snapshot struct {
	region  *Region
	version *version.Version
	visible core.SequenceNumber
}

// ScanRequest selects what a scan returns.
type ScanRequest struct {
	// Projection names the columns to return. Nil returns every column.
	Projection []string
	// TimeRange filters rows by timestamp. Nil is unbounded.
	TimeRange *core.TimeRange
	// Sequence is the visibility ceiling. Nil reads everything visible when
	// the snapshot was taken. A ceiling below the flushed sequence of the
	// snapshot is rejected.
	Sequence *core.SequenceNumber
	// BatchSize bounds the rows per chunk.
	BatchSize int
}

type ScanResponse struct {
	Reader iterator.ChunkReader
}

// Snapshot loads the current Version without locking. Its ceiling is the
// visible sequence, so a write still being applied is left out.
func (r *Region) Snapshot(_ context.Context) *Snapshot {
	// visible first: rows the Version holds are never above it
	visible := r.vc.VisibleSequence()
	return &Snapshot{region: r, version: r.vc.Current(), visible: visible}
}

func (s *Snapshot) Version() *version.Version { return s.version }

// Sequence is the default visibility ceiling of the snapshot.
func (s *Snapshot) Sequence() core.SequenceNumber { return s.visible }

// Scan merges the snapshot's memtables and SST files into one sorted stream
// holding the newest visible version of each row. Output columns follow the
// region's column order regardless of the projection's order.
func (s *Snapshot) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	meta := s.version.Metadata()
	schema, err := projectSchema(meta, req.Projection)
	if err != nil {
		return ScanResponse{}, err
	}
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	ceiling := s.visible
	if req.Sequence != nil {
		ceiling = *req.Sequence
		// flushed files keep only the newest version of each key
		if flushed := s.version.FlushedSequence(); ceiling < flushed {
			return ScanResponse{}, core.NewValidationError("sequence", strconv.FormatUint(ceiling, 10),
				"sequence is below the flushed sequence %d, older versions are no longer kept", flushed)
		}
	}
	if req.TimeRange != nil && req.TimeRange.Start > req.TimeRange.End {
		return ScanResponse{}, core.NewValidationError("time_range", fmt.Sprintf("[%d, %d)", req.TimeRange.Start, req.TimeRange.End), "time range start is after its end")
	}

	var sources []core.RowIterator
	closeAll := func() {
		for _, src := range sources {
			_ = src.Close()
		}
	}
	for _, m := range s.version.Memtables().All() {
		it, err := m.Iter(memtable.IterOptions{
			SequenceCeiling: ceiling,
			Columns:         names,
			TimeRange:       req.TimeRange,
			BatchSize:       req.BatchSize,
			KeepTombstones:  true,
		})
		if err != nil {
			closeAll()
			return ScanResponse{}, core.NewInternalError("memtable %d cannot be iterated: %v", m.ID(), err)
		}
		sources = append(sources, it)
	}
	// newest files first so that ties resolve the same way on every scan
	files := s.version.SSTs().Files()
	for i := len(files) - 1; i >= 0; i-- {
		f := files[i]
		if !f.Overlaps(req.TimeRange) || f.MinSequence > ceiling {
			continue
		}
		it, err := s.region.cfg.SstLayer.ReadSST(ctx, f.FileName, sst.ReadOptions{
			Columns:         names,
			TimeRange:       req.TimeRange,
			SequenceCeiling: ceiling,
		})
		if err != nil {
			closeAll()
			return ScanResponse{}, err
		}
		sources = append(sources, it)
	}

	s.region.cfg.Metrics.ScanTotal.Add(1)
	return ScanResponse{
		Reader: iterator.NewChunkReader(iterator.NewMergeReader(sources), schema, req.BatchSize),
	}, nil
}

// projectSchema resolves a projection against meta, keeping meta's order.
func projectSchema(meta *metadata.RegionMetadata, projection []string) ([]metadata.ColumnSchema, error) {
	idx, err := meta.Projection(projection)
	if err != nil {
		return nil, err
	}
	cols := meta.Columns()
	out := make([]metadata.ColumnSchema, len(idx))
	for i, c := range idx {
		out[i] = cols[c]
	}
	return out, nil
}
