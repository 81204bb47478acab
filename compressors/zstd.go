package compressors

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/regionstore/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using zstd. Encoders and
// decoders are expensive to build, so both are pooled.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

// maxZstdDecodedSize caps the memory a single decode may allocate.
const maxZstdDecodedSize = 256 * 1024 * 1024

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil)
				if err != nil {
					slog.Default().Error("Error creating new zstd encoder", "error", err)
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxZstdDecodedSize))
				if err != nil {
					slog.Default().Error("Error creating new zstd decoder", "error", err)
					return nil
				}
				return dec
			},
		},
	}
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return nil, fmt.Errorf("zstd compress error: encoder unavailable")
	}
	defer c.encoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+16)), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return nil, fmt.Errorf("zstd decompress error: decoder unavailable")
	}
	defer c.decoderPool.Put(dec)
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
