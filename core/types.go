package core

import (
	"fmt"
	"math"
)

// SequenceNumber orders every mutation applied to a region. It is strictly
// increasing and never reused.
type SequenceNumber = uint64

// MaxSequenceNumber is used as an "everything visible" read ceiling.
const MaxSequenceNumber SequenceNumber = math.MaxUint64

// SequenceRange is the inclusive range of sequence numbers assigned to one
// write batch at WAL append time.
type SequenceRange struct {
	First SequenceNumber
	Last  SequenceNumber
}

func (r SequenceRange) Contains(seq SequenceNumber) bool {
	return seq >= r.First && seq <= r.Last
}

func (r SequenceRange) String() string {
	return fmt.Sprintf("[%d, %d]", r.First, r.Last)
}

// OpType is the kind of a mutation.
type OpType byte

const (
	OpPut    OpType = 1
	OpDelete OpType = 2
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", byte(o))
	}
}

// TimeRange is a half-open interval [Start, End) of millisecond timestamps.
// A nil *TimeRange means unbounded.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether ts falls inside the range. A nil range contains
// everything.
func (r *TimeRange) Contains(ts int64) bool {
	if r == nil {
		return true
	}
	return ts >= r.Start && ts < r.End
}

// Overlaps reports whether [min, max] (inclusive) intersects the range.
func (r *TimeRange) Overlaps(min, max int64) bool {
	if r == nil {
		return true
	}
	return max >= r.Start && min < r.End
}

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor compresses and decompresses whole blocks.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

const (
	SeqNumSize   = 8 // uint64 for sequence number
	ChecksumSize = 4 // uint32 for CRC32 checksum
)
