// Package compressors provides the item compressors a file-backed journal
// stream can be configured with. The compression type is recorded in each
// segment header, so a journal written with one compressor can still be
// replayed after the configuration changes.
package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/mailjournal/core"
)

// ForType returns the compressor registered for ct.
func ForType(ct core.CompressionType) (core.Compressor, error) {
	switch ct {
	case core.CompressionNone:
		return none, nil
	case core.CompressionSnappy:
		return snappyCompressor, nil
	case core.CompressionLZ4:
		return lz4Compressor, nil
	case core.CompressionZSTD:
		return zstdCompressor, nil
	default:
		return nil, fmt.Errorf("no compressor for type %d", ct)
	}
}

// ForName parses a configuration value such as "snappy" and returns its compressor.
func ForName(name string) (core.Compressor, error) {
	ct, err := core.ParseCompressionType(name)
	if err != nil {
		return nil, err
	}
	return ForType(ct)
}

var (
	none             = &NoCompressionCompressor{}
	snappyCompressor = NewSnappyCompressor()
	lz4Compressor    = NewLz4Compressor()
	zstdCompressor   = NewZstdCompressor()
)

// DecompressAll is a convenience for callers that want the whole payload.
func DecompressAll(c core.Compressor, data []byte) ([]byte, error) {
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// nopReadCloser serves an already decompressed payload.
type nopReadCloser struct {
	*bytes.Reader
}

func (nopReadCloser) Close() error { return nil }

func newReadCloser(b []byte) io.ReadCloser {
	return nopReadCloser{Reader: bytes.NewReader(b)}
}
