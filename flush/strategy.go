package flush

import (
	"fmt"
	"strings"
)

// DefaultMaxMemtableBytes is the size-based flush threshold.
const DefaultMaxMemtableBytes = 32 * 1024 * 1024

// Strategy decides when the mutable memtable of a region is frozen and
// flushed.
type Strategy interface {
	// ShouldFlush is asked after every write with the bytes held by the
	// mutable memtable and by all memtables of the region.
	ShouldFlush(mutableBytes, totalBytes int64) bool
}

// SizeBasedStrategy flushes once the mutable memtable holds more bytes than
// a threshold.
type SizeBasedStrategy struct {
	MaxMemtableBytes int64
}

func NewSizeBasedStrategy(maxBytes int64) *SizeBasedStrategy {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMemtableBytes
	}
	return &SizeBasedStrategy{MaxMemtableBytes: maxBytes}
}

func (s *SizeBasedStrategy) ShouldFlush(mutableBytes, _ int64) bool {
	return mutableBytes > s.MaxMemtableBytes
}

// ManualStrategy never triggers; regions flush only on request.
type ManualStrategy struct{}

func (ManualStrategy) ShouldFlush(int64, int64) bool { return false }

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string, maxBytes int64) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "size_based":
		return NewSizeBasedStrategy(maxBytes), nil
	case "manual":
		return ManualStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown flush strategy %q", name)
	}
}
