package core

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// FileHeader is a standard header for all persistent log and data files.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a new header with the current time and specified magic number.
func NewFileHeader(magic uint32, compressorType CompressionType) FileHeader {
	return FileHeader{
		Magic:          magic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
	}
}

// ReadFileHeader reads a header and checks its magic number.
func ReadFileHeader(r io.Reader, magic uint32) (FileHeader, error) {
	var h FileHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, err
	}
	if h.Magic != magic {
		return h, fmt.Errorf("invalid magic number: got %x, want %x", h.Magic, magic)
	}
	if h.Version > FormatVersion {
		return h, fmt.Errorf("unsupported format version %d", h.Version)
	}
	return h, nil
}
