package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other identifiers used across the storage engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// SSTMagicNumber identifies a columnar SST file.
	SSTMagicNumber uint32 = 0x53535443 // "SSTC"
	// CheckpointMagicNumber identifies a manifest checkpoint object.
	CheckpointMagicNumber uint32 = 0x54504B43
)

// --- Magic Strings ---
const (
	// SSTMagicString is placed at the very end of every SST file.
	SSTMagicString    = "REGION-SST-V1"
	SSTMagicStringLen = len(SSTMagicString)
)

// --- File Names & Suffixes ---
const (
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// SSTFileSuffix is the suffix for SST objects.
	SSTFileSuffix = ".sst"
	// ManifestFileSuffix is the suffix for manifest delta objects.
	ManifestFileSuffix = ".json"
	// CheckpointFileName is the manifest checkpoint object name.
	CheckpointFileName = "_checkpoint"
	// LockFileName guards a data directory against concurrent engines.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 64 * 1024 * 1024
	// DefaultRowGroupSize is the default number of rows per SST row group.
	DefaultRowGroupSize = 4096
	// DefaultScanBatchSize is the default number of rows per scanned chunk.
	DefaultScanBatchSize = 1024
)

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatManifestFileName names the delta object for a manifest version.
func FormatManifestFileName(version uint64) string {
	return fmt.Sprintf("%020d%s", version, ManifestFileSuffix)
}

// ParseManifestFileName is the inverse of FormatManifestFileName.
func ParseManifestFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, ManifestFileSuffix) {
		return 0, fmt.Errorf("object %s is not a manifest delta", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, ManifestFileSuffix), 10, 64)
}
