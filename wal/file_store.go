package wal

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/sys"
)

// Options holds configuration for a FileLogStore.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	RecordsWritten *expvar.Int
	Logger         *slog.Logger
}

type segmentInfo struct {
	index  uint64
	maxSeq core.SequenceNumber
	empty  bool
}

// FileLogStore is a LogStore over a directory of segment files.
type FileLogStore struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment *SegmentWriter
	segments      []segmentInfo

	logger *slog.Logger
	// set when a failed append could not be undone; every later append
	// returns it
	failed error

	testingOnlyInjectAppendError error
	testingOnlyInjectSyncError   error
}

var _ LogStore = (*FileLogStore)(nil)

// Open creates or opens a WAL directory. Existing segments are scanned so
// that a torn record at the tail of the newest segment is cut off, and a
// damaged record anywhere else is reported as corruption. Appends always go
// to a fresh segment.
func Open(opts Options) (*FileLogStore, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "WAL")
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	s := &FileLogStore{
		dir:    opts.Dir,
		opts:   opts,
		logger: opts.Logger,
	}

	indexes, err := s.listSegments()
	if err != nil {
		return nil, err
	}
	for i, index := range indexes {
		info, err := s.scanSegment(index, i == len(indexes)-1)
		if err != nil {
			return nil, err
		}
		if info != nil {
			s.segments = append(s.segments, *info)
		}
	}

	if err := s.rotateLocked(); err != nil {
		return nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}
	s.logger.Info("WAL opened", "dir", opts.Dir, "segments", len(s.segments))
	return s, nil
}

// listSegments scans the WAL directory for segment files, sorted by index.
func (s *FileLogStore) listSegments() ([]uint64, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory %s: %w", s.dir, err)
	}
	indexes := make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(file.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// scanSegment reads every record of a segment to learn its highest sequence.
// A torn tail in the last segment is truncated away. A nil info means the
// segment was discarded.
func (s *FileLogStore) scanSegment(index uint64, last bool) (*segmentInfo, error) {
	path := filepath.Join(s.dir, core.FormatSegmentFileName(index))
	info := &segmentInfo{index: index, empty: true}

	reader, err := OpenSegmentForRead(path)
	if err != nil {
		if last {
			// a crash while creating the newest segment leaves a short header
			s.logger.Warn("Discarding unreadable last WAL segment", "path", path, "error", err)
			if rmErr := os.Remove(path); rmErr != nil {
				return nil, fmt.Errorf("failed to remove unreadable WAL segment %s: %w", path, rmErr)
			}
			return nil, nil
		}
		return nil, &core.CorruptionError{Source: path, Err: err}
	}
	defer reader.Close()

	for {
		rec, err := reader.ReadRecord()
		if err == nil {
			info.empty = false
			if rec.Sequences.Last > info.maxSeq {
				info.maxSeq = rec.Sequences.Last
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if isTornRecord(err) && last {
			s.logger.Warn("Truncating torn record at WAL tail", "path", path, "offset", reader.Offset(), "error", err)
			if truncErr := os.Truncate(path, reader.Offset()); truncErr != nil {
				return nil, fmt.Errorf("failed to truncate torn WAL segment %s: %w", path, truncErr)
			}
			return info, nil
		}
		return nil, &core.CorruptionError{Source: path, Offset: reader.Offset(), Err: err}
	}
}

func (s *FileLogStore) SetTestingOnlyInjectAppendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testingOnlyInjectAppendError = err
}

// SetTestingOnlyInjectSyncError makes the next appends fail after the record
// was handed to the segment writer.
func (s *FileLogStore) SetTestingOnlyInjectSyncError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testingOnlyInjectSyncError = err
}

// Append writes a record to the active segment, rotating first if the
// segment already holds data and the record would overflow it. A failed
// append leaves no trace of the record: the segment is cut back to where the
// record started, and if that fails too the store refuses further appends.
func (s *FileLogStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.testingOnlyInjectAppendError != nil {
		return s.testingOnlyInjectAppendError
	}
	if s.failed != nil {
		return s.failed
	}
	if s.activeSegment == nil {
		return errors.New("wal is closed or not open for writing")
	}

	recordSize := int64(len(rec.Payload) + recordHeaderSize + recordOverhead)
	current := s.activeSegment.Size()
	if current > segmentHeaderSize && current+recordSize > s.opts.MaxSegmentSize {
		s.logger.Debug("Rotating WAL segment due to size", "current_size", current, "new_record_size", recordSize, "max_size", s.opts.MaxSegmentSize)
		if err := s.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	// earlier records reach the file first so a rewind drops only this one
	if err := s.activeSegment.Flush(); err != nil {
		s.failed = fmt.Errorf("wal is unusable after a failed flush: %w", err)
		return s.failed
	}
	start := s.activeSegment.Size()
	if err := s.writeLocked(rec); err != nil {
		s.undoLocked(start, err)
		return err
	}

	active := &s.segments[len(s.segments)-1]
	active.empty = false
	if rec.Sequences.Last > active.maxSeq {
		active.maxSeq = rec.Sequences.Last
	}
	if s.opts.BytesWritten != nil {
		s.opts.BytesWritten.Add(recordSize)
	}
	if s.opts.RecordsWritten != nil {
		s.opts.RecordsWritten.Add(1)
	}
	return nil
}

func (s *FileLogStore) writeLocked(rec Record) error {
	if err := s.activeSegment.WriteRecord(rec); err != nil {
		return err
	}
	if s.testingOnlyInjectSyncError != nil {
		return s.testingOnlyInjectSyncError
	}
	if s.opts.SyncMode == SyncAlways {
		if err := s.activeSegment.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL segment: %w", err)
		}
	}
	return nil
}

// undoLocked removes a record whose append failed part way.
func (s *FileLogStore) undoLocked(start int64, cause error) {
	err := s.activeSegment.Rewind(start)
	if err == nil {
		s.logger.Warn("WAL append failed, record discarded", "path", s.activeSegment.path, "offset", start, "error", cause)
		return
	}
	s.logger.Error("Failed to discard partial WAL record", "path", s.activeSegment.path, "offset", start, "error", err)
	s.failed = fmt.Errorf("wal is unusable after a failed append: %w", cause)
}

// Replay streams records from a snapshot of the current segment list.
func (s *FileLogStore) Replay(ctx context.Context, from core.SequenceNumber) (RecordIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSegment != nil {
		if err := s.activeSegment.Flush(); err != nil {
			return nil, fmt.Errorf("failed to flush active segment before replay: %w", err)
		}
	}
	indexes := make([]uint64, 0, len(s.segments))
	for _, seg := range s.segments {
		if seg.empty || seg.maxSeq < from {
			continue
		}
		indexes = append(indexes, seg.index)
	}
	return &fileRecordIterator{ctx: ctx, dir: s.dir, indexes: indexes, from: from, logger: s.logger}, nil
}

// Obsolete deletes inactive segments whose records are all at or below upTo.
func (s *FileLogStore) Obsolete(ctx context.Context, upTo core.SequenceNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.segments[:0]
	var purged int
	for i, seg := range s.segments {
		active := i == len(s.segments)-1
		if active || seg.maxSeq > upTo {
			remaining = append(remaining, seg)
			continue
		}
		path := filepath.Join(s.dir, core.FormatSegmentFileName(seg.index))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Error("Failed to purge WAL segment", "path", path, "error", err)
			remaining = append(remaining, seg)
			continue
		}
		purged++
	}
	s.segments = remaining
	if purged > 0 {
		s.logger.Info("Purged WAL segments", "count", purged, "up_to_sequence", upTo)
	}
	return nil
}

// Close closes the active segment.
func (s *FileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeSegment == nil {
		return nil
	}
	err := s.activeSegment.Close()
	s.activeSegment = nil
	if err != nil {
		s.logger.Error("Error during WAL close.", "error", err)
		return err
	}
	s.logger.Info("WAL closed.")
	return nil
}

// Path returns the directory path of the WAL.
func (s *FileLogStore) Path() string {
	return s.dir
}

// ActiveSegmentIndex returns the index of the current active segment file.
func (s *FileLogStore) ActiveSegmentIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSegment == nil {
		return 0
	}
	return s.activeSegment.index
}

// SegmentCount returns the number of segment files, including the active one.
func (s *FileLogStore) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (s *FileLogStore) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(s.segments) > 0 {
		nextIndex = s.segments[len(s.segments)-1].index + 1
	}

	newSegment, err := CreateSegment(s.dir, nextIndex)
	if err != nil {
		return err
	}
	if err := newSegment.Sync(); err != nil {
		newSegment.Close()
		return err
	}
	if err := sys.Preallocate(newSegment.file, s.opts.MaxSegmentSize); err != nil && !errors.Is(err, sys.ErrPreallocNotSupported) {
		s.logger.Debug("WAL segment preallocation failed", "path", newSegment.path, "error", err)
	}

	if s.activeSegment != nil {
		if err := s.activeSegment.Close(); err != nil {
			s.logger.Error("failed to close active segment during rotation", "path", s.activeSegment.path, "error", err)
		}
	}

	s.activeSegment = newSegment
	s.segments = append(s.segments, segmentInfo{index: nextIndex, empty: true})
	s.logger.Debug("Rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)
	return nil
}

type fileRecordIterator struct {
	ctx     context.Context
	dir     string
	indexes []uint64
	pos     int
	from    core.SequenceNumber
	logger  *slog.Logger

	reader *SegmentReader
	cur    Record
	err    error
	done   bool
}

func (it *fileRecordIterator) Next() bool {
	for !it.done {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			it.done = true
			return false
		}
		if it.reader == nil {
			if it.pos >= len(it.indexes) {
				it.done = true
				return false
			}
			path := filepath.Join(it.dir, core.FormatSegmentFileName(it.indexes[it.pos]))
			it.pos++
			reader, err := OpenSegmentForRead(path)
			if err != nil {
				it.err = &core.CorruptionError{Source: path, Err: err}
				it.done = true
				return false
			}
			it.reader = reader
		}

		rec, err := it.reader.ReadRecord()
		if err == nil {
			if rec.Sequences.Last < it.from {
				continue
			}
			it.cur = rec
			return true
		}
		path, offset := it.reader.path, it.reader.Offset()
		it.reader.Close()
		it.reader = nil
		if errors.Is(err, io.EOF) {
			continue
		}
		if isTornRecord(err) && it.pos == len(it.indexes) {
			// only reachable when the active segment was torn after Open
			it.logger.Warn("Stopping replay at torn WAL record", "path", path, "offset", offset, "error", err)
			it.done = true
			return false
		}
		it.err = &core.CorruptionError{Source: path, Offset: offset, Err: err}
		it.done = true
	}
	return false
}

func (it *fileRecordIterator) Record() Record { return it.cur }

func (it *fileRecordIterator) Err() error { return it.err }

func (it *fileRecordIterator) Close() error {
	it.done = true
	if it.reader != nil {
		err := it.reader.Close()
		it.reader = nil
		return err
	}
	return nil
}
