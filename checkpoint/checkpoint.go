// Package checkpoint persists how far a segmented journal has been
// checkpointed. The file is replaced atomically with write-and-rename.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/sys"
)

// FileName is the checkpoint file inside a journal directory.
const FileName = core.CheckpointFileName

// TempFileName is the file a new checkpoint is written to before the rename.
var TempFileName = core.FormatTempFilename(core.CheckpointFileName, "tmp")

// Checkpoint records that every segment up to and including
// LastSafeSegmentIndex may be discarded, and the item sequence reached at
// that point.
type Checkpoint struct {
	LastSafeSegmentIndex uint64
	Sequence             int64
}

// encoded layout: magic | version | last safe segment | sequence | crc32 of the preceding bytes
const encodedSize = 4 + 1 + 8 + 8 + 4

func (cp Checkpoint) encode() []byte {
	buf := make([]byte, encodedSize)
	binary.LittleEndian.PutUint32(buf[0:4], core.CheckpointMagicNumber)
	buf[4] = core.FormatVersion
	binary.LittleEndian.PutUint64(buf[5:13], cp.LastSafeSegmentIndex)
	binary.LittleEndian.PutUint64(buf[13:21], uint64(cp.Sequence))
	binary.LittleEndian.PutUint32(buf[21:25], crc32.ChecksumIEEE(buf[:21]))
	return buf
}

func decode(buf []byte) (Checkpoint, error) {
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != core.CheckpointMagicNumber {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}
	if buf[4] != core.FormatVersion {
		return Checkpoint{}, fmt.Errorf("unsupported checkpoint version %d", buf[4])
	}
	if sum := binary.LittleEndian.Uint32(buf[21:25]); sum != crc32.ChecksumIEEE(buf[:21]) {
		return Checkpoint{}, fmt.Errorf("checkpoint checksum mismatch")
	}
	return Checkpoint{
		LastSafeSegmentIndex: binary.LittleEndian.Uint64(buf[5:13]),
		Sequence:             int64(binary.LittleEndian.Uint64(buf[13:21])),
	}, nil
}

// Write atomically replaces the checkpoint in dir.
func Write(dir string, cp Checkpoint) error {
	tempPath := filepath.Join(dir, TempFileName)
	file, err := sys.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	if _, err := file.Write(cp.encode()); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}
	// Close before rename; Windows refuses to rename open files.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	if err := sys.Rename(tempPath, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}
	return nil
}

// Read returns the checkpoint stored in dir and whether one exists. A missing
// file is not an error.
func Read(dir string) (Checkpoint, bool, error) {
	file, err := sys.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, encodedSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	cp, err := decode(buf)
	if err != nil {
		return Checkpoint{}, true, err
	}
	return cp, true, nil
}
