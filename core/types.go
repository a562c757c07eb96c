package core

import (
	"bytes"
	"fmt"
	"io"
	"strings"
)

// CompressionType identifies the compression algorithm used.
// This is stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
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

// ParseCompressionType maps a configuration string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

const (
	SeqNumSize   = 8 // uint64 sequence number
	ChecksumSize = 4 // uint32 CRC32 checksum
)

// SyncMode defines how frequently a file-backed stream is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync on every completed item
	SyncInterval SyncMode = "interval" // fsync on Flush (after each inbox batch)
	SyncDisabled SyncMode = "disabled" // never fsync (tests/benchmarks)
)
