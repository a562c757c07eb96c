package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnsupportedErrors(t *testing.T) {
	wrapped := fmt.Errorf("open journal %q: %w", "/inv", ErrJournalsUnsupported)
	assert.True(t, IsUnsupportedError(wrapped))
	assert.True(t, errors.Is(wrapped, ErrJournalsUnsupported))
	assert.False(t, errors.Is(wrapped, ErrPeerJournalsUnsupported), "peer and primary capability errors must be distinguishable")
	assert.Equal(t, "peer journals not supported", ErrPeerJournalsUnsupported.Error())

	assert.False(t, IsUnsupportedError(ErrCorruptRecord))
	assert.True(t, IsUnsupportedTypeError(fmt.Errorf("arg 0: %w", &UnsupportedTypeError{Message: "chan int"})))
}

func TestJournalDirName_RoundTrip(t *testing.T) {
	for _, name := range []string{"/inventory/42", "cat:7", "", "../../etc"} {
		dir := JournalDirName(name)
		assert.NotContains(t, dir, "/")
		got, err := ParseJournalDirName(dir)
		assert.NoError(t, err)
		assert.Equal(t, JournalID{Name: name}, got)
	}
	for _, bad := range []string{"other", "j-zz", "p-6162", "p-6162.", "p-zz.62"} {
		_, err := ParseJournalDirName(bad)
		assert.Error(t, err, bad)
	}
}

func TestJournalID_PeerNamespace(t *testing.T) {
	peer := PeerJournal("a", "b")
	primary := JournalID{Name: "a@b"}
	assert.Equal(t, peer.String(), primary.String())
	assert.NotEqual(t, peer.DirName(), primary.DirName())

	got, err := ParseJournalDirName(peer.DirName())
	assert.NoError(t, err)
	assert.Equal(t, peer, got)

	got, err = ParseJournalDirName(PeerJournal("/inv/4.2", "node.b").DirName())
	assert.NoError(t, err)
	assert.Equal(t, PeerJournal("/inv/4.2", "node.b"), got)
}

func TestSegmentFileName(t *testing.T) {
	name := FormatSegmentFileName(12)
	assert.Equal(t, "00000012.wal", name)
	idx, err := ParseSegmentFileName(name)
	assert.NoError(t, err)
	assert.Equal(t, uint64(12), idx)
	_, err = ParseSegmentFileName("CHECKPOINT")
	assert.Error(t, err)
}

func TestRecordKind(t *testing.T) {
	assert.Equal(t, "SEND", KindSend.String())
	assert.Equal(t, "QUERY", KindQuery.String())
	assert.False(t, RecordKind(9).Valid())
	ct, err := ParseCompressionType("ZSTD")
	assert.NoError(t, err)
	assert.Equal(t, CompressionZSTD, ct)
	_, err = ParseCompressionType("brotli")
	assert.Error(t, err)
}
