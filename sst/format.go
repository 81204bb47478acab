package sst

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/RoaringBitmap/roaring"
)

// File layout:
//
//	FileHeader | row group blocks ... | index (JSON) | footer
//
// Each row group stores one block per column: the internal columns __key,
// __sequence and __op_type, then the schema columns in metadata order.
// A block is: compression flag (1) | crc32 of payload (4) | payload.
// The decompressed payload is: uvarint bitmap len | roaring null bitmap |
// encoded non-null values in row order.
//
// Footer: index offset (8) | index length (4) | index crc32 (4) | magic.

const (
	KeyColumnName      = "__key"
	SequenceColumnName = "__sequence"
	OpTypeColumnName   = "__op_type"

	numInternalColumns = 3

	blockHeaderSize = 1 + core.ChecksumSize
	footerFixedSize = 8 + 4 + 4
	FooterSize      = footerFixedSize + core.SSTMagicStringLen
)

var ErrCorrupted = errors.New("sst data is corrupted")

// FileMeta describes one SST file. It is what the manifest records.
type FileMeta struct {
	FileName     string              `json:"file_name"`
	Level        int                 `json:"level"`
	FileSize     int64               `json:"file_size"`
	NumRows      int64               `json:"num_rows"`
	MinSequence  core.SequenceNumber `json:"min_sequence"`
	MaxSequence  core.SequenceNumber `json:"max_sequence"`
	MinTimestamp int64               `json:"min_timestamp"`
	MaxTimestamp int64               `json:"max_timestamp"`
}

// Overlaps reports whether the file may hold rows in tr.
func (m *FileMeta) Overlaps(tr *core.TimeRange) bool {
	return tr.Overlaps(m.MinTimestamp, m.MaxTimestamp)
}

type blockHandle struct {
	Offset int64  `json:"offset"`
	Length uint32 `json:"length"`
}

type rowGroupMeta struct {
	NumRows      int                 `json:"num_rows"`
	MinTimestamp int64               `json:"min_timestamp"`
	MaxTimestamp int64               `json:"max_timestamp"`
	MinSequence  core.SequenceNumber `json:"min_sequence"`
	MaxSequence  core.SequenceNumber `json:"max_sequence"`
	// Blocks holds the internal columns first, then the schema columns.
	Blocks []blockHandle `json:"blocks"`
}

// fileIndex is the parsed index section of a file.
type fileIndex struct {
	RegionID        uint64                  `json:"region_id"`
	SchemaVersion   uint32                  `json:"schema_version"`
	Columns         []metadata.ColumnSchema `json:"columns"`
	TimestampColumn string                  `json:"timestamp_column"`
	NumRows         int64                   `json:"num_rows"`
	RowGroups       []rowGroupMeta          `json:"row_groups"`
}

func (idx *fileIndex) columnIndex(name string) int {
	for i, c := range idx.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func encodeFooter(indexOffset int64, index []byte) []byte {
	footer := make([]byte, 0, FooterSize)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(indexOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(index)))
	footer = binary.LittleEndian.AppendUint32(footer, crc32.ChecksumIEEE(index))
	return append(footer, core.SSTMagicString...)
}

func decodeFooter(footer []byte) (offset int64, length uint32, checksum uint32, err error) {
	if len(footer) != FooterSize {
		return 0, 0, 0, fmt.Errorf("footer has %d bytes: %w", len(footer), ErrCorrupted)
	}
	if string(footer[footerFixedSize:]) != core.SSTMagicString {
		return 0, 0, 0, fmt.Errorf("bad magic string %q: %w", footer[footerFixedSize:], ErrCorrupted)
	}
	offset = int64(binary.LittleEndian.Uint64(footer[0:8]))
	length = binary.LittleEndian.Uint32(footer[8:12])
	checksum = binary.LittleEndian.Uint32(footer[12:16])
	return offset, length, checksum, nil
}

// encodeColumn builds the uncompressed payload of one column block.
func encodeColumn(dst []byte, values []core.Value) ([]byte, error) {
	nulls := roaring.New()
	for i, v := range values {
		if v.IsNull() {
			nulls.Add(uint32(i))
		}
	}
	var bitmap []byte
	if !nulls.IsEmpty() {
		var err error
		if bitmap, err = nulls.ToBytes(); err != nil {
			return nil, fmt.Errorf("failed to serialize null bitmap: %w", err)
		}
	}
	dst = binary.AppendUvarint(dst, uint64(len(bitmap)))
	dst = append(dst, bitmap...)
	for _, v := range values {
		if !v.IsNull() {
			dst = core.AppendValue(dst, v)
		}
	}
	return dst, nil
}

// decodeColumn is the inverse of encodeColumn.
func decodeColumn(src []byte, numRows int) ([]core.Value, error) {
	n, w := binary.Uvarint(src)
	if w <= 0 || uint64(len(src)-w) < n {
		return nil, fmt.Errorf("bad null bitmap length: %w", ErrCorrupted)
	}
	src = src[w:]
	nulls := roaring.New()
	if n > 0 {
		if _, err := nulls.ReadFrom(bytes.NewReader(src[:n])); err != nil {
			return nil, fmt.Errorf("bad null bitmap: %v: %w", err, ErrCorrupted)
		}
	}
	src = src[n:]

	values := make([]core.Value, numRows)
	for i := 0; i < numRows; i++ {
		if nulls.Contains(uint32(i)) {
			continue
		}
		v, read, err := core.DecodeValue(src)
		if err != nil {
			return nil, fmt.Errorf("row %d: %v: %w", i, err, ErrCorrupted)
		}
		values[i] = v
		src = src[read:]
	}
	return values, nil
}

func encodeBlock(dst []byte, payload []byte, compressor core.Compressor) ([]byte, error) {
	compressed, err := compressor.Compress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to compress block: %w", err)
	}
	dst = append(dst, byte(compressor.Type()))
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(compressed))
	return append(dst, compressed...), nil
}

// verifyBlock checks the block checksum and returns the compression type
// and the still-compressed payload.
func verifyBlock(raw []byte) (core.CompressionType, []byte, error) {
	if len(raw) < blockHeaderSize {
		return 0, nil, fmt.Errorf("block of %d bytes too small: %w", len(raw), ErrCorrupted)
	}
	payload := raw[blockHeaderSize:]
	stored := binary.LittleEndian.Uint32(raw[1:blockHeaderSize])
	if stored != crc32.ChecksumIEEE(payload) {
		return 0, nil, fmt.Errorf("block checksum mismatch: %w", ErrCorrupted)
	}
	return core.CompressionType(raw[0]), payload, nil
}
