package wal

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/INLOpen/mailjournal/checkpoint"
	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"github.com/INLOpen/mailjournal/internal/testutil"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/INLOpen/mailjournal/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(dir string) Options {
	return Options{
		Dir:      dir,
		SyncMode: core.SyncDisabled,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openWALStream(t *testing.T, s *Store, name string) *Stream {
	t.Helper()
	st, err := s.OpenStream(name)
	require.NoError(t, err)
	return st.(*Stream)
}

func TestStore_StreamSuite(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			testutil.RunStreamSuite(t, func(t *testing.T) testutil.StreamOpener {
				opts := testOptions(t.TempDir())
				opts.Compression = ct
				store := openStore(t, opts)
				return func(t *testing.T, name string) journal.Stream {
					st, err := store.OpenStream(name)
					require.NoError(t, err)
					return st
				}
			})
		})
	}
}

func TestStore_SmallSegmentsStreamSuite(t *testing.T) {
	testutil.RunStreamSuite(t, func(t *testing.T) testutil.StreamOpener {
		opts := testOptions(t.TempDir())
		opts.MaxSegmentSize = 64
		opts.SyncMode = core.SyncAlways
		store := openStore(t, opts)
		return func(t *testing.T, name string) journal.Stream {
			st, err := store.OpenStream(name)
			require.NoError(t, err)
			return st
		}
	})
}

func TestStore_DirectoryLock(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, testOptions(dir))

	_, err := Open(testOptions(dir))
	require.ErrorIs(t, err, sys.ErrLocked)

	require.NoError(t, s.Close())
	s2, err := Open(testOptions(dir))
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestStore_StreamInUse(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	st := openWALStream(t, s, "a")

	_, err := s.OpenStream("a")
	require.ErrorIs(t, err, ErrStreamInUse)

	require.NoError(t, st.Close())
	st = openWALStream(t, s, "a")
	require.NoError(t, st.Close())
}

func TestStore_JournalsAndPeers(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	for _, name := range []string{"/inventory/42", "orders"} {
		require.NoError(t, openWALStream(t, s, name).Close())
	}
	peer, err := s.OpenPeerStream("orders", "node-2")
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	ids, err := s.Journals()
	require.NoError(t, err)
	assert.Equal(t, []core.JournalID{
		{Name: "/inventory/42"},
		{Name: "orders"},
		core.PeerJournal("orders", "node-2"),
	}, ids)
}

func TestStore_PeerJournalsDoNotCollideWithNames(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, testOptions(dir))
	own := openWALStream(t, s, "orders@node-2")
	testutil.WriteItem(t, own, []byte("own"))

	peer, err := s.OpenPeerStream("orders", "node-2")
	require.NoError(t, err, "a peer stream must not be mistaken for the open journal")
	testutil.WriteItem(t, peer, []byte("peer"))
	require.NoError(t, peer.Close())
	require.NoError(t, own.Close())

	own = openWALStream(t, s, "orders@node-2")
	defer own.Close()
	assert.Equal(t, [][]byte{[]byte("own")}, testutil.ReplayAll(t, own))
	reopened, err := s.OpenJournal(core.PeerJournal("orders", "node-2"))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, [][]byte{[]byte("peer")}, testutil.ReplayAll(t, reopened))

	ids, err := ListJournals(dir)
	require.NoError(t, err)
	assert.Equal(t, []core.JournalID{core.PeerJournal("orders", "node-2"), {Name: "orders@node-2"}}, ids)
}

func TestStream_RotatesBySize(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.MaxSegmentSize = 100
	hm := hooks.NewHookManager(nil)
	var mu sync.Mutex
	var rotations []hooks.JournalRotatePayload
	hm.Register(hooks.EventPostJournalRotate, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		mu.Lock()
		defer mu.Unlock()
		rotations = append(rotations, e.Payload().(hooks.JournalRotatePayload))
		return nil
	}))
	opts.HookManager = hm
	s := openStore(t, opts)
	st := openWALStream(t, s, "big")

	for i := 0; i < 10; i++ {
		testutil.WriteItem(t, st, []byte(fmt.Sprintf("item-%02d-%s", i, "0123456789012345678901234567890123456789")))
	}
	assert.Greater(t, len(st.segments), 3)
	mu.Lock()
	require.NotEmpty(t, rotations)
	assert.Equal(t, rotations[0].OldSegmentID+1, rotations[0].NewSegmentID)
	mu.Unlock()

	got := testutil.ReplayAll(t, st)
	require.Len(t, got, 10)
	assert.Equal(t, "item-09-0123456789012345678901234567890123456789", string(got[9]))
	require.NoError(t, st.Close())
	testutil.RequireSegmentsPresent(t, s.JournalDir("big"))
}

func TestStream_OversizedItemGetsOwnSegment(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.MaxSegmentSize = 64
	s := openStore(t, opts)
	st := openWALStream(t, s, "oversized")

	big := make([]byte, 1000)
	testutil.WriteItem(t, st, big)
	testutil.WriteItem(t, st, []byte("small"))
	assert.Equal(t, [][]byte{big, []byte("small")}, testutil.ReplayAll(t, st))
	require.NoError(t, st.Close())
}

func TestStream_SequenceSurvivesCheckpointAndReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, testOptions(dir))
	st := openWALStream(t, s, "seq")
	for i := 0; i < 4; i++ {
		testutil.WriteItem(t, st, []byte{byte(i)})
	}
	st.SaveStart()
	st.SaveEnd(true)
	assert.Equal(t, int64(4), st.ReplaySequence())
	require.NoError(t, st.Close())

	cp, found, err := checkpoint.Read(s.JournalDir("seq"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(4), cp.Sequence)

	st = openWALStream(t, s, "seq")
	assert.Equal(t, int64(4), st.ReplaySequence())
	assert.Empty(t, testutil.ReplayAll(t, st))
	testutil.WriteItem(t, st, []byte("next"))
	assert.Equal(t, int64(5), st.ReplaySequence())
	require.NoError(t, st.Close())
}

func TestStream_ReopenKeepsSequenceNumbers(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionNone, core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		for _, n := range []int{1, 5, 40, 300} {
			t.Run(fmt.Sprintf("%s/%d", ct, n), func(t *testing.T) {
				dir := t.TempDir()
				opts := testOptions(dir)
				opts.Compression = ct
				opts.MaxSegmentSize = 512
				s, err := Open(opts)
				require.NoError(t, err)
				st := openWALStream(t, s, "k")
				var want [][]byte
				for i := 0; i < n; i++ {
					item := []byte(fmt.Sprintf("payload-%04d", i))
					want = append(want, item)
					testutil.WriteItem(t, st, item)
				}
				require.NoError(t, st.Close())
				require.NoError(t, s.Close())

				s = openStore(t, opts)
				st = openWALStream(t, s, "k")
				defer st.Close()
				assert.Equal(t, int64(n), st.ReplaySequence())
				assert.Equal(t, want, testutil.ReplayAll(t, st))

				var seqs []int64
				_, err = ScanJournal(s.JournalDir("k"), func(it Item) error {
					seqs = append(seqs, it.Sequence)
					return nil
				})
				require.NoError(t, err)
				require.Len(t, seqs, n)
				for i, seq := range seqs {
					assert.Equal(t, int64(i), seq)
				}
			})
		}
	}
}

func TestStream_CheckpointPurgesSegments(t *testing.T) {
	opts := testOptions(t.TempDir())
	hm := hooks.NewHookManager(nil)
	var mu sync.Mutex
	var checkpoints []hooks.CheckpointPayload
	var purged []uint64
	hm.Register(hooks.EventPostCheckpoint, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		mu.Lock()
		defer mu.Unlock()
		checkpoints = append(checkpoints, e.Payload().(hooks.CheckpointPayload))
		return nil
	}))
	hm.Register(hooks.EventPostJournalPurge, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		mu.Lock()
		defer mu.Unlock()
		purged = append(purged, e.Payload().(hooks.JournalPurgePayload).SegmentIDs...)
		return nil
	}))
	opts.HookManager = hm
	s := openStore(t, opts)
	st := openWALStream(t, s, "purge")
	dir := s.JournalDir("purge")

	testutil.WriteItem(t, st, []byte("a"))
	st.SaveStart()
	testutil.WriteItem(t, st, []byte("b"))
	st.SaveEnd(true)

	files, err := testutil.ListSegmentFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{core.FormatSegmentFileName(2)}, files)
	mu.Lock()
	assert.Equal(t, []hooks.CheckpointPayload{{Dir: dir, LastSafeSegmentIndex: 1, Sequence: 1}}, checkpoints)
	assert.Equal(t, []uint64{1}, purged)
	mu.Unlock()
	require.NoError(t, st.Close())
}

func TestStream_FinishesInterruptedPurge(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	st := openWALStream(t, s, "crash")
	dir := s.JournalDir("crash")
	testutil.WriteItem(t, st, []byte("old"))
	require.NoError(t, st.Close())

	st = openWALStream(t, s, "crash")
	testutil.WriteItem(t, st, []byte("new"))
	require.NoError(t, st.Close())

	// Crash between checkpoint write and purge.
	require.NoError(t, checkpoint.Write(dir, checkpoint.Checkpoint{LastSafeSegmentIndex: 1, Sequence: 1}))
	files, err := testutil.ListSegmentFiles(dir)
	require.NoError(t, err)
	require.Contains(t, files, core.FormatSegmentFileName(1))

	st = openWALStream(t, s, "crash")
	defer st.Close()
	assert.Equal(t, [][]byte{[]byte("new")}, testutil.ReplayAll(t, st))
	files, err = testutil.ListSegmentFiles(dir)
	require.NoError(t, err)
	assert.NotContains(t, files, core.FormatSegmentFileName(1))
}

func TestStream_SaveAfterSegments(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.SaveAfterSegments = 2
	s := openStore(t, opts)
	st := openWALStream(t, s, "policy")
	defer st.Close()

	testutil.WriteItem(t, st, []byte("1"))
	assert.False(t, st.SaveStart(), "one sealed segment")
	st.SaveEnd(false)

	testutil.WriteItem(t, st, []byte("2"))
	assert.True(t, st.SaveStart(), "two sealed segments")
	st.SaveEnd(true)

	assert.False(t, st.SaveStart(), "checkpoint dropped the sealed segments")
	st.SaveEnd(true)
}

func TestStream_TornTailIsTruncated(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	st := openWALStream(t, s, "torn")
	dir := s.JournalDir("torn")
	testutil.WriteItem(t, st, []byte("kept-1"))
	testutil.WriteItem(t, st, []byte("kept-2"))
	require.NoError(t, st.Close())

	path := filepath.Join(dir, core.FormatSegmentFileName(1))
	info, err := os.Stat(path)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{200, 0, 0, 0, 'p', 'a', 'r'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := ScanJournal(dir, nil)
	require.NoError(t, err)
	assert.True(t, res.TornTail)
	assert.Equal(t, 2, res.Items)

	st = openWALStream(t, s, "torn")
	defer st.Close()
	assert.Equal(t, [][]byte{[]byte("kept-1"), []byte("kept-2")}, testutil.ReplayAll(t, st))
	assert.Equal(t, int64(2), st.ReplaySequence())
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), info2.Size())
}

func TestStream_CorruptionInSealedSegmentFailsReplay(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	dir := s.JournalDir("rot")
	st := openWALStream(t, s, "rot")
	testutil.WriteItem(t, st, []byte("first"))
	require.NoError(t, st.Close())
	st = openWALStream(t, s, "rot")
	testutil.WriteItem(t, st, []byte("second"))
	require.NoError(t, st.Close())

	path := filepath.Join(dir, core.FormatSegmentFileName(1))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = ScanJournal(dir, nil)
	require.ErrorIs(t, err, core.ErrCorruptRecord)

	st = openWALStream(t, s, "rot")
	defer st.Close()
	err = st.Replay(&discardCallback{})
	require.ErrorIs(t, err, core.ErrCorruptRecord)
}

func TestStream_Metrics(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.ItemsWritten = new(expvar.Int)
	opts.BytesWritten = new(expvar.Int)
	s := openStore(t, opts)
	st := openWALStream(t, s, "metrics")
	defer st.Close()

	testutil.WriteItem(t, st, []byte("abc"))
	testutil.WriteItem(t, st, []byte("defg"))
	assert.Equal(t, int64(2), opts.ItemsWritten.Value())
	assert.Equal(t, int64(2*(core.SeqNumSize+recordOverhead)+7), opts.BytesWritten.Value())
}

func TestScanJournal_ReportsItems(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	st := openWALStream(t, s, "scan")
	testutil.WriteItem(t, st, []byte("a"))
	st.SaveStart()
	st.SaveEnd(true)
	testutil.WriteItem(t, st, []byte("b"))
	testutil.WriteItem(t, st, []byte("c"))
	require.NoError(t, st.Close())

	var seen []Item
	res, err := ScanJournal(s.JournalDir("scan"), func(it Item) error {
		seen = append(seen, it)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Items)
	assert.False(t, res.TornTail)
	assert.Equal(t, int64(1), res.Checkpoint.Sequence)
	require.Len(t, seen, 2)
	assert.Equal(t, int64(1), seen[0].Sequence)
	assert.Equal(t, []byte("c"), seen[1].Data)
	assert.Equal(t, headerSize, seen[0].Offset)
}

func TestStream_UseAfterClose(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	st := openWALStream(t, s, "closed")
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	assert.ErrorIs(t, st.Start(), core.ErrStreamClosed)
	assert.ErrorIs(t, st.Flush(), core.ErrStreamClosed)
	assert.ErrorIs(t, st.Replay(&discardCallback{}), core.ErrStreamClosed)
	assert.False(t, st.SaveStart())
}

func TestStream_ProtocolErrors(t *testing.T) {
	s := openStore(t, testOptions(t.TempDir()))
	st := openWALStream(t, s, "protocol")
	defer st.Close()

	assert.ErrorIs(t, st.Write([]byte("x")), core.ErrNoActiveItem)
	assert.ErrorIs(t, st.Complete(), core.ErrNoActiveItem)
	require.NoError(t, st.Start())
	assert.ErrorIs(t, st.Start(), core.ErrItemInProgress)
}

type discardCallback struct{ completed bool }

func (c *discardCallback) OnItem(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (c *discardCallback) Completed() { c.completed = true }
