package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/sys"
)

const (
	// MaxSegmentSize is the default maximum size for a journal segment file.
	MaxSegmentSize = 16 * 1024 * 1024
	// recordOverhead is the length prefix plus the trailing checksum.
	recordOverhead = 4 + core.ChecksumSize
	// maxRecordSize bounds the length prefix accepted by the reader.
	maxRecordSize = 256 * 1024 * 1024
)

// errBadRecord marks a record that is cut short or fails its checksum. At the
// tail of the newest segment this is a torn write; anywhere else it is
// corruption.
var errBadRecord = errors.New("bad journal record")

const headerSize = int64(core.SegmentHeaderSize)

// Segment represents a single journal segment file.
type Segment struct {
	file   sys.FileHandle
	path   string
	index  uint64
	header core.SegmentHeader
}

// SegmentWriter appends records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	size   int64
}

// SegmentReader reads records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
	offset int64
}

// CreateSegment creates (or truncates) a segment file in dir and writes its header.
func CreateSegment(dir string, index uint64, compression core.CompressionType) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewSegmentHeader(compression)
	if err := core.WriteSegmentHeader(file, header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index, header: header},
		writer:  bufio.NewWriter(file),
		size:    headerSize,
	}, nil
}

// OpenSegmentForRead opens an existing segment file and verifies its header.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	header, err := core.ReadSegmentHeader(file)
	if err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("segment file %s is truncated at header: %w", path, errBadRecord)
		}
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	return &SegmentReader{
		Segment: &Segment{file: file, path: path, index: index, header: header},
		reader:  bufio.NewReader(file),
		offset:  headerSize,
	}, nil
}

// WriteRecord appends a single record.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(data)))
	if _, err := sw.writer.Write(scratch[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	binary.LittleEndian.PutUint32(scratch[:], crc32.ChecksumIEEE(data))
	if _, err := sw.writer.Write(scratch[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}
	sw.size += int64(len(data) + recordOverhead)
	return nil
}

// Size returns the segment size including buffered records.
func (sw *SegmentWriter) Size() int64 { return sw.size }

// Empty reports whether the segment holds only its header.
func (sw *SegmentWriter) Empty() bool { return sw.size <= headerSize }

// Flush hands buffered records to the operating system.
func (sw *SegmentWriter) Flush() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return sw.writer.Flush()
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// ReadRecord reads the next record. It returns io.EOF at a clean end of the
// segment and errBadRecord for a short or damaged record.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	var scratch [4]byte
	if _, err := io.ReadFull(sr.reader, scratch[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, badRecord(err, "length")
	}
	length := binary.LittleEndian.Uint32(scratch[:])
	if length > maxRecordSize {
		return nil, fmt.Errorf("record length %d exceeds limit: %w", length, errBadRecord)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(sr.reader, data); err != nil {
		return nil, badRecord(err, "data")
	}
	if _, err := io.ReadFull(sr.reader, scratch[:]); err != nil {
		return nil, badRecord(err, "checksum")
	}
	if want, got := binary.LittleEndian.Uint32(scratch[:]), crc32.ChecksumIEEE(data); want != got {
		return nil, fmt.Errorf("record checksum mismatch: got %x, want %x: %w", got, want, errBadRecord)
	}
	sr.offset += int64(length) + recordOverhead
	return data, nil
}

func badRecord(err error, part string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("record %s cut short: %w", part, errBadRecord)
	}
	return fmt.Errorf("failed to read record %s: %w", part, err)
}

// Offset returns the end of the last record read successfully.
func (sr *SegmentReader) Offset() int64 { return sr.offset }

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
