package core

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// SegmentHeaderSize is the encoded size of a SegmentHeader. Records start
// at this offset in every journal segment.
const SegmentHeaderSize = 14

// ErrBadSegmentHeader reports a segment whose header is not one this build
// wrote.
var ErrBadSegmentHeader = errors.New("bad journal segment header")

// SegmentHeader opens every journal segment file. It is written once when
// the segment is created and never rewritten.
//
// Layout (little endian):
//
//	magic(4) | version(1) | compression(1) | created unix nanos(8)
type SegmentHeader struct {
	Magic       uint32
	Version     uint8
	Compression CompressionType
	Created     time.Time
}

// NewSegmentHeader returns the header for a segment created now whose items
// are compressed with c.
func NewSegmentHeader(c CompressionType) SegmentHeader {
	return SegmentHeader{
		Magic:       JournalSegmentMagicNumber,
		Version:     FormatVersion,
		Compression: c,
		Created:     time.Now(),
	}
}

// AppendTo appends the encoded header to buf.
func (h SegmentHeader) AppendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, h.Magic)
	buf = append(buf, h.Version, byte(h.Compression))
	return binary.LittleEndian.AppendUint64(buf, uint64(h.Created.UnixNano()))
}

// WriteSegmentHeader writes h to w.
func WriteSegmentHeader(w io.Writer, h SegmentHeader) error {
	var buf [SegmentHeaderSize]byte
	_, err := w.Write(h.AppendTo(buf[:0]))
	return err
}

// ReadSegmentHeader reads and checks a segment header. A header cut short
// returns io.ErrUnexpectedEOF (or io.EOF for an empty file); a header from a
// foreign file or format version wraps ErrBadSegmentHeader.
func ReadSegmentHeader(r io.Reader) (SegmentHeader, error) {
	var buf [SegmentHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SegmentHeader{}, err
	}
	h := SegmentHeader{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Version:     buf[4],
		Compression: CompressionType(buf[5]),
		Created:     time.Unix(0, int64(binary.LittleEndian.Uint64(buf[6:14]))),
	}
	if h.Magic != JournalSegmentMagicNumber {
		return h, fmt.Errorf("invalid magic number: got %x, want %x: %w", h.Magic, JournalSegmentMagicNumber, ErrBadSegmentHeader)
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported segment version %d: %w", h.Version, ErrBadSegmentHeader)
	}
	if h.Compression > CompressionZSTD {
		return h, fmt.Errorf("unknown compression type %d: %w", h.Compression, ErrBadSegmentHeader)
	}
	return h, nil
}
