package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/regionstore/core"
)

var (
	noneCompressor   = &NoCompressionCompressor{}
	snappyCompressor = NewSnappyCompressor()
	lz4Compressor    = NewLz4Compressor()
	zstdCompressor   = NewZstdCompressor()
)

// ForType returns the shared compressor for a stored compression type.
func ForType(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return noneCompressor, nil
	case core.CompressionSnappy:
		return snappyCompressor, nil
	case core.CompressionLZ4:
		return lz4Compressor, nil
	case core.CompressionZSTD:
		return zstdCompressor, nil
	default:
		return nil, fmt.Errorf("unknown compression type %d", t)
	}
}

// Parse maps a configuration name ("none", "snappy", "lz4", "zstd") to a compressor.
// An empty name selects snappy.
func Parse(name string) (core.Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return noneCompressor, nil
	case "", "snappy":
		return snappyCompressor, nil
	case "lz4":
		return lz4Compressor, nil
	case "zstd":
		return zstdCompressor, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", name)
	}
}
