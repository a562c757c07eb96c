package compressors

import (
	"bytes"
	"fmt"
	"io"

	"github.com/INLOpen/mailjournal/core"
	"github.com/golang/snappy"
)

// SnappyCompressor uses the snappy block format, which carries its own
// decoded length.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

func (c *SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress error: %w", err)
	}
	return newReadCloser(decoded), nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}

func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	// Encode into the buffer's spare capacity when it is large enough.
	need := snappy.MaxEncodedLen(len(src))
	if need < 0 {
		return fmt.Errorf("snappy: item of %d bytes is too large", len(src))
	}
	dst.Grow(need)
	encoded := snappy.Encode(dst.AvailableBuffer()[:need], src)
	_, err := dst.Write(encoded)
	return err
}
