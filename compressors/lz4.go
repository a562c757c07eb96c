package compressors

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/mailjournal/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// maxDecodedSize bounds how large one decoded item may be.
const maxDecodedSize = 64 << 20

// Payload modes following the length prefix.
const (
	lz4Raw   byte = 0
	lz4Block byte = 1
)

// LZ4Compressor uses the lz4 block format. The block format does not record
// the decoded size, so each payload is prefixed with it as a uvarint and a
// mode byte.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(src)))
	dst.Write(hdr[:n])
	if len(src) == 0 {
		return nil
	}

	block := make([]byte, lz4.CompressBlockBound(len(src)))
	var compressor lz4.Compressor
	written, err := compressor.CompressBlock(src, block)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if written == 0 || written >= len(src) {
		// lz4 reports incompressible input with a zero length.
		dst.WriteByte(lz4Raw)
		dst.Write(src)
		return nil
	}
	dst.WriteByte(lz4Block)
	dst.Write(block[:written])
	return nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	size, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("lz4 decompress error: bad length prefix")
	}
	if size > maxDecodedSize {
		return nil, fmt.Errorf("lz4 decompress error: decoded size %d exceeds %d", size, maxDecodedSize)
	}
	if size == 0 {
		return newReadCloser(nil), nil
	}
	if len(data) <= n {
		return nil, fmt.Errorf("lz4 decompress error: missing payload")
	}
	mode, payload := data[n], data[n+1:]
	switch mode {
	case lz4Raw:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("lz4 decompress error: raw payload is %d bytes, want %d", len(payload), size)
		}
		return newReadCloser(payload), nil
	case lz4Block:
		out := make([]byte, size)
		written, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress error: %w", err)
		}
		if uint64(written) != size {
			return nil, fmt.Errorf("lz4 decompress error: got %d bytes, want %d", written, size)
		}
		return newReadCloser(out), nil
	default:
		return nil, fmt.Errorf("lz4 decompress error: unknown block mode %d", mode)
	}
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
