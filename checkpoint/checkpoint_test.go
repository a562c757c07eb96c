package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/mailjournal/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_WriteAndRead_Successful(t *testing.T) {
	tempDir := t.TempDir()
	cp := Checkpoint{LastSafeSegmentIndex: 123, Sequence: 4567}

	require.NoError(t, Write(tempDir, cp))

	_, err := os.Stat(filepath.Join(tempDir, FileName))
	require.NoError(t, err, "CHECKPOINT file should exist after write")
	_, err = os.Stat(filepath.Join(tempDir, TempFileName))
	require.True(t, os.IsNotExist(err), "temp file should not exist after successful write")

	readCp, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cp, readCp)
}

func TestCheckpoint_Read_NonExistent(t *testing.T) {
	cp, found, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Checkpoint{}, cp)
}

func TestCheckpoint_Write_Overwrite(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, Write(tempDir, Checkpoint{LastSafeSegmentIndex: 10, Sequence: 1}))
	require.NoError(t, Write(tempDir, Checkpoint{LastSafeSegmentIndex: 20, Sequence: 2}))

	cp, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Checkpoint{LastSafeSegmentIndex: 20, Sequence: 2}, cp)
}

func TestCheckpoint_Read_Corrupted(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(b []byte) []byte
		errMsg string
	}{
		{"BadMagic", func(b []byte) []byte { b[0] ^= 0xFF; return b }, "invalid checkpoint magic number"},
		{"BadVersion", func(b []byte) []byte { b[4] = 99; return b }, "unsupported checkpoint version"},
		{"BitFlip", func(b []byte) []byte { b[10] ^= 0x01; return b }, "checksum mismatch"},
		{"Truncated", func(b []byte) []byte { return b[:7] }, "failed to read checkpoint"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tempDir := t.TempDir()
			data := tc.mutate(Checkpoint{LastSafeSegmentIndex: 5, Sequence: 9}.encode())
			require.NoError(t, os.WriteFile(filepath.Join(tempDir, FileName), data, 0644))

			_, found, err := Read(tempDir)
			assert.True(t, found)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestCheckpoint_Write_RenameFailureKeepsOldCheckpoint(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, Write(tempDir, Checkpoint{LastSafeSegmentIndex: 1, Sequence: 10}))

	orig := sys.Rename
	sys.Rename = func(string, string) error { return errors.New("rename refused") }
	t.Cleanup(func() { sys.Rename = orig })

	err := Write(tempDir, Checkpoint{LastSafeSegmentIndex: 2, Sequence: 20})
	require.Error(t, err)

	cp, found, err := Read(tempDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Checkpoint{LastSafeSegmentIndex: 1, Sequence: 10}, cp)
}
