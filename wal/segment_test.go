package wal

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/mailjournal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFileNameFormat(t *testing.T) {
	tests := []struct {
		index    uint64
		expected string
	}{
		{1, "00000001.wal"},
		{12345, "00012345.wal"},
		{99999999, "99999999.wal"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			fileName := core.FormatSegmentFileName(tt.index)
			assert.Equal(t, tt.expected, fileName)

			parsedIndex, err := core.ParseSegmentFileName(fileName)
			require.NoError(t, err)
			assert.Equal(t, tt.index, parsedIndex)
		})
	}

	t.Run("ParseError", func(t *testing.T) {
		_, err := core.ParseSegmentFileName("not_a_segment.log")
		assert.Error(t, err)
		_, err = core.ParseSegmentFileName("00000001.wal_backup")
		assert.Error(t, err)
	})
}

func TestCreateSegment(t *testing.T) {
	tempDir := t.TempDir()

	t.Run("SuccessfulCreation", func(t *testing.T) {
		sw, err := CreateSegment(tempDir, 1, core.CompressionSnappy)
		require.NoError(t, err)
		defer sw.Close()

		info, err := os.Stat(sw.path)
		require.NoError(t, err)
		assert.Equal(t, headerSize, info.Size(), "initial size should be just the header")
		assert.True(t, sw.Empty())
	})

	t.Run("CreationInNonExistentDir", func(t *testing.T) {
		_, err := CreateSegment(filepath.Join(tempDir, "nonexistent"), 1, core.CompressionNone)
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestSegment_WriteAndReadRecord(t *testing.T) {
	tempDir := t.TempDir()
	sw, err := CreateSegment(tempDir, 1, core.CompressionZSTD)
	require.NoError(t, err)

	records := [][]byte{[]byte("first"), bytes.Repeat([]byte("b"), 5000), []byte("third")}
	for _, r := range records {
		require.NoError(t, sw.WriteRecord(r))
	}
	wantSize := headerSize
	for _, r := range records {
		wantSize += int64(len(r) + recordOverhead)
	}
	assert.Equal(t, wantSize, sw.Size())
	require.NoError(t, sw.Close())

	sr, err := OpenSegmentForRead(sw.path)
	require.NoError(t, err)
	defer sr.Close()
	assert.Equal(t, core.CompressionZSTD, sr.header.Compression)
	assert.Equal(t, uint64(1), sr.index)

	for _, want := range records {
		got, err := sr.ReadRecord()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = sr.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, wantSize, sr.Offset())
}

func TestSegment_ReadDamagedRecords(t *testing.T) {
	writeSegment := func(t *testing.T, data []byte) string {
		t.Helper()
		dir := t.TempDir()
		sw, err := CreateSegment(dir, 7, core.CompressionNone)
		require.NoError(t, err)
		require.NoError(t, sw.WriteRecord(data))
		require.NoError(t, sw.Close())
		return sw.path
	}

	t.Run("ChecksumMismatch", func(t *testing.T) {
		path := writeSegment(t, []byte("payload"))
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[headerSize+4] ^= 0xFF
		require.NoError(t, os.WriteFile(path, raw, 0644))

		sr, err := OpenSegmentForRead(path)
		require.NoError(t, err)
		defer sr.Close()
		_, err = sr.ReadRecord()
		assert.ErrorIs(t, err, errBadRecord)
		assert.Equal(t, headerSize, sr.Offset())
	})

	t.Run("TruncatedRecord", func(t *testing.T) {
		path := writeSegment(t, []byte("payload"))
		info, err := os.Stat(path)
		require.NoError(t, err)
		for cut := int64(1); cut < int64(len("payload")+recordOverhead); cut++ {
			require.NoError(t, os.Truncate(path, info.Size()-cut))
			sr, err := OpenSegmentForRead(path)
			require.NoError(t, err)
			_, err = sr.ReadRecord()
			assert.ErrorIs(t, err, errBadRecord, "cut %d bytes", cut)
			sr.Close()
		}
	})

	t.Run("GarbageLength", func(t *testing.T) {
		path := writeSegment(t, []byte("payload"))
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(raw[headerSize:], maxRecordSize+1)
		require.NoError(t, os.WriteFile(path, raw, 0644))

		sr, err := OpenSegmentForRead(path)
		require.NoError(t, err)
		defer sr.Close()
		_, err = sr.ReadRecord()
		assert.ErrorIs(t, err, errBadRecord)
	})

	t.Run("TruncatedHeader", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), core.FormatSegmentFileName(1))
		require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))
		_, err := OpenSegmentForRead(path)
		assert.ErrorIs(t, err, errBadRecord)
	})

	t.Run("WrongMagic", func(t *testing.T) {
		path := writeSegment(t, []byte("payload"))
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[0] ^= 0xFF
		require.NoError(t, os.WriteFile(path, raw, 0644))
		_, err = OpenSegmentForRead(path)
		require.ErrorIs(t, err, core.ErrBadSegmentHeader)
		assert.Contains(t, err.Error(), "invalid magic number")
	})
}
