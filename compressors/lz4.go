package compressors

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/regionstore/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using LZ4 blocks.
// The block format does not carry the decompressed size, so Compress
// prefixes it as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

// maxLZ4BlockSize bounds the size prefix accepted on decompression.
const maxLZ4BlockSize = 256 * 1024 * 1024

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	dst := make([]byte, binary.MaxVarintLen64+1+lz4.CompressBlockBound(len(data)))
	hdr := binary.PutUvarint(dst, uint64(len(data)))
	if len(data) == 0 {
		return dst[:hdr], nil
	}
	n, err := lz4.CompressBlock(data, dst[hdr+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		// incompressible input is stored raw behind a zero marker byte
		dst[hdr] = 0
		return append(dst[:hdr+1], data...), nil
	}
	dst[hdr] = 1
	return dst[:hdr+1+n], nil
}

func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	size, hdr := binary.Uvarint(data)
	if hdr <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: bad size prefix")
	}
	if size > maxLZ4BlockSize {
		return nil, fmt.Errorf("lz4 decompress error: block of %d bytes exceeds limit", size)
	}
	if size == 0 {
		return []byte{}, nil
	}
	if len(data) <= hdr {
		return nil, fmt.Errorf("lz4 decompress error: missing block marker")
	}
	body := data[hdr+1:]
	if data[hdr] == 0 {
		if uint64(len(body)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw block is %d bytes, want %d", len(body), size)
		}
		out := make([]byte, size)
		copy(out, body)
		return out, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(body, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(n) != size {
		return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", n, size)
	}
	return dst, nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
