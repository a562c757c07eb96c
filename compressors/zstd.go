package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/mailjournal/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor compresses whole items with EncodeAll/DecodeAll. Both are
// safe for concurrent use on a single encoder and decoder, which are created
// on first use.
type ZstdCompressor struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

func (c *ZstdCompressor) init() error {
	c.once.Do(func() {
		c.encoder, c.initErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if c.initErr != nil {
			return
		}
		c.decoder, c.initErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return c.initErr
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	return c.encoder.EncodeAll(data, nil), nil
}

func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	if err := c.init(); err != nil {
		return fmt.Errorf("zstd init error: %w", err)
	}
	dst.Reset()
	_, err := dst.Write(c.encoder.EncodeAll(src, dst.AvailableBuffer()))
	return err
}

func (c *ZstdCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	if err := c.init(); err != nil {
		return nil, fmt.Errorf("zstd init error: %w", err)
	}
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return newReadCloser(out), nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
