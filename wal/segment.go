package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/regionstore/core"
)

// recordOverhead is the framing around every record: length + checksum.
const recordOverhead = 8

// recordHeaderSize is the sequence range stored at the front of record data.
const recordHeaderSize = 2 * core.SeqNumSize

// maxRecordSize guards allocation when a length prefix is garbage.
const maxRecordSize = 1 << 30

var errChecksumMismatch = errors.New("record checksum mismatch")

var segmentHeaderSize = int64(binary.Size(core.FileHeader{}))

// Segment represents a single WAL segment file.
type Segment struct {
	file  *os.File
	path  string
	index uint64
}

// SegmentWriter handles writing records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	size   int64
}

// SegmentReader handles reading records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
	offset int64
}

// CreateSegment creates a new segment file in the given directory.
func CreateSegment(dir string, index uint64) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    segmentHeaderSize,
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	if _, err := core.ReadFileHeader(file, core.WALMagicNumber); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	return &SegmentReader{
		Segment: &Segment{file: file, path: path, index: index},
		reader:  bufio.NewReader(file),
		offset:  segmentHeaderSize,
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | first seq (8) | last seq (8) | payload | checksum (4 bytes)
// The checksum covers the sequence range and payload.
func (sw *SegmentWriter) WriteRecord(rec Record) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	dataLen := recordHeaderSize + len(rec.Payload)

	var hdr [4 + recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(dataLen))
	binary.LittleEndian.PutUint64(hdr[4:], rec.Sequences.First)
	binary.LittleEndian.PutUint64(hdr[12:], rec.Sequences.Last)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(rec.Payload)

	if _, err := sw.writer.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := sw.writer.Write(rec.Payload); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	if err := binary.Write(sw.writer, binary.LittleEndian, crc.Sum32()); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.size += int64(dataLen + recordOverhead)
	return nil
}

// Size returns the number of bytes written to the segment, including buffered ones.
func (sw *SegmentWriter) Size() int64 { return sw.size }

// Rewind discards buffered bytes and cuts the file back to offset, so the
// next record starts there. The cut is synced.
func (sw *SegmentWriter) Rewind(offset int64) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	sw.writer.Reset(sw.file)
	if err := sw.file.Truncate(offset); err != nil {
		return err
	}
	if _, err := sw.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	sw.size = offset
	return sw.file.Sync()
}

// Flush pushes buffered records to the OS without fsync.
func (sw *SegmentWriter) Flush() error {
	if sw.file == nil {
		return nil
	}
	return sw.writer.Flush()
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.writer.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// ReadRecord reads the next record. It returns io.EOF at a clean record
// boundary, and io.ErrUnexpectedEOF or errChecksumMismatch for a torn or
// damaged record.
func (sr *SegmentReader) ReadRecord() (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(sr.reader, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, io.ErrUnexpectedEOF
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])
	if dataLen < recordHeaderSize || dataLen > maxRecordSize {
		return Record{}, fmt.Errorf("%w: invalid record length %d", errChecksumMismatch, dataLen)
	}

	data := make([]byte, dataLen+4)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	body, sum := data[:dataLen], binary.LittleEndian.Uint32(data[dataLen:])
	if crc32.ChecksumIEEE(body) != sum {
		return Record{}, errChecksumMismatch
	}
	sr.offset += int64(4 + len(data))
	return Record{
		Sequences: core.SequenceRange{
			First: binary.LittleEndian.Uint64(body[0:]),
			Last:  binary.LittleEndian.Uint64(body[8:]),
		},
		Payload: body[recordHeaderSize:],
	}, nil
}

// Offset is the end of the last record read successfully.
func (sr *SegmentReader) Offset() int64 { return sr.offset }

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}

// isTornRecord reports whether err describes a record that was only partially
// written or damaged, as opposed to an I/O failure.
func isTornRecord(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errChecksumMismatch)
}
