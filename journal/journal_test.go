package journal_test

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"github.com/INLOpen/mailjournal/internal/testutil"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/INLOpen/mailjournal/memstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openJournal(t *testing.T, store *memstream.Store, name string, opts journal.Options) *journal.Journal {
	t.Helper()
	s, err := store.OpenStream(name)
	require.NoError(t, err)
	opts.Name = name
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return journal.New(s, opts)
}

func replay(t *testing.T, j *journal.Journal) []journal.Message {
	t.Helper()
	q := testutil.NewRecordingQueue()
	require.NoError(t, j.ReplayStart(context.Background(), q, q))
	return q.Messages()
}

func TestJournal_ScenarioA_SendsReplayInOrder(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})
	inbox := testutil.NewRecordingQueue()

	j := openJournal(t, store, "inv", journal.Options{})
	j.WriteSend(inbox, "inv:42", "increment", []any{1})
	j.WriteSend(inbox, "inv:42", "increment", []any{2})
	require.NoError(t, j.Flush())
	require.NoError(t, j.Close())

	// Restart.
	j = openJournal(t, store, "inv", journal.Options{})
	defer j.Close()
	q := testutil.NewRecordingQueue()
	require.NoError(t, j.ReplayStart(context.Background(), inbox, q))

	assert.Equal(t, []journal.Message{
		&journal.ReplaySendMessage{ActorKey: "inv:42", Method: "increment", Args: []any{1}},
		&journal.ReplaySendMessage{ActorKey: "inv:42", Method: "increment", Args: []any{2}},
	}, q.Messages())
	assert.Equal(t, 1, q.Wakes())
	assert.Equal(t, 1, inbox.Wakes())
}

func TestJournal_ScenarioB_QueryHasNoReplyTarget(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})
	j := openJournal(t, store, "cat", journal.Options{})
	j.WriteQuery(testutil.NewRecordingQueue(), "cat:7", "price", []any{"sku-9"})

	msgs := replay(t, openJournal(t, store, "cat", journal.Options{}))
	require.Len(t, msgs, 1)
	q, ok := msgs[0].(*journal.ReplayQueryMessage)
	require.True(t, ok, "got %T", msgs[0])
	assert.True(t, q.Replay())
	assert.Equal(t, "cat:7", q.ActorKey)
	assert.Equal(t, "price", q.Method)
	assert.Equal(t, []any{"sku-9"}, q.Args)
}

func TestJournal_ScenarioC_NoProvider(t *testing.T) {
	d := journal.NewDriver(nil)
	j, err := d.Open("inv")
	require.Error(t, err)
	assert.Nil(t, j)
	assert.True(t, core.IsUnsupportedError(err))
	assert.ErrorIs(t, err, core.ErrJournalsUnsupported)
	assert.False(t, errors.Is(err, core.ErrPeerJournalsUnsupported))
}

func TestJournal_ScenarioD_WriteFaultIsSwallowed(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})
	s, err := store.OpenStream("inv")
	require.NoError(t, err)
	faulty := testutil.NewFaultyStream(s)
	faulty.FailWrite = 1

	faults := new(expvar.Int)
	items := new(expvar.Int)
	j := journal.New(faulty, journal.Options{Name: "inv", Logger: discardLogger(), WriteFaults: faults, ItemsWritten: items})

	assert.NotPanics(t, func() {
		j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})
	})
	assert.Equal(t, int64(1), faults.Value())
	assert.Equal(t, int64(0), items.Value())
	_, _, _, aborts := faulty.Counts()
	assert.Equal(t, 1, aborts)

	assert.Empty(t, replay(t, openJournal(t, store, "inv", journal.Options{})))
}

func TestJournal_WriteFaults(t *testing.T) {
	cases := []struct {
		name   string
		inject func(f *testutil.FaultyStream)
	}{
		{"start fails", func(f *testutil.FaultyStream) { f.FailStart = 1 }},
		{"complete fails", func(f *testutil.FaultyStream) { f.FailComplete = 1 }},
		{"write panics", func(f *testutil.FaultyStream) { f.PanicOnWrite = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memstream.NewStore(memstream.Options{})
			s, err := store.OpenStream("inv")
			require.NoError(t, err)
			faulty := testutil.NewFaultyStream(s)
			tc.inject(faulty)
			j := journal.New(faulty, journal.Options{Name: "inv", Logger: discardLogger()})

			assert.NotPanics(t, func() {
				j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})
			})
			assert.Zero(t, j.Items())
			assert.Empty(t, replay(t, openJournal(t, store, "inv", journal.Options{})))
		})
	}

	t.Run("unsupported argument is discarded", func(t *testing.T) {
		store := memstream.NewStore(memstream.Options{})
		j := openJournal(t, store, "inv", journal.Options{})
		j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "subscribe", []any{make(chan int)})
		j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{3})
		msgs := replay(t, openJournal(t, store, "inv", journal.Options{}))
		require.Len(t, msgs, 1)
		assert.Equal(t, "increment", msgs[0].(*journal.ReplaySendMessage).Method)
	})

	t.Run("stream without abort completes the failed item", func(t *testing.T) {
		store := memstream.NewStore(memstream.Options{})
		s, err := store.OpenStream("inv")
		require.NoError(t, err)
		faulty := testutil.NewFaultyStream(s)
		faulty.FailWrite = 1
		faulty.HideAbort = true
		j := journal.New(faulty.AsStream(), journal.Options{Name: "inv", Logger: discardLogger()})
		j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})

		_, _, completes, _ := faulty.Counts()
		assert.Equal(t, 1, completes)
		// The empty item is visible and cannot be decoded.
		q := testutil.NewRecordingQueue()
		err = openJournal(t, store, "inv", journal.Options{}).ReplayStart(context.Background(), q, q)
		assert.ErrorIs(t, err, core.ErrCorruptRecord)
	})
}

func TestJournal_OrderingAcrossKinds(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})
	j := openJournal(t, store, "mixed", journal.Options{})
	inbox := testutil.NewRecordingQueue()

	var want []journal.Message
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("acct:%d", i%3)
		if i%4 == 0 {
			j.WriteQuery(inbox, key, "balance", []any{int64(i)})
			want = append(want, &journal.ReplayQueryMessage{ActorKey: key, Method: "balance", Args: []any{int64(i)}})
			continue
		}
		j.WriteSend(inbox, key, "deposit", []any{i, "ref"})
		want = append(want, &journal.ReplaySendMessage{ActorKey: key, Method: "deposit", Args: []any{i, "ref"}})
	}
	assert.Equal(t, int64(100), j.Items())
	assert.Equal(t, want, replay(t, openJournal(t, store, "mixed", journal.Options{})))
	assert.Equal(t, 100, store.Len("mixed"), "replay must not grow the log")
}

func TestJournal_Checkpoint(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})
	inbox := testutil.NewRecordingQueue()
	j := openJournal(t, store, "inv", journal.Options{})

	j.WriteSend(inbox, "inv:42", "increment", []any{1})
	assert.False(t, j.SaveStart(), "zero policy only forwards the stream's answer")
	j.WriteSend(inbox, "inv:42", "increment", []any{2})
	j.SaveEnd(true)

	after := replay(t, openJournal(t, store, "inv", journal.Options{}))
	require.Len(t, after, 1)
	assert.Equal(t, []any{2}, after[0].(*journal.ReplaySendMessage).Args)

	seq := j.SequenceReplay()
	j.SaveStart()
	j.SaveEnd(true)
	j.SaveStart()
	j.SaveEnd(true)
	assert.Equal(t, seq, j.SequenceReplay())
	assert.Empty(t, replay(t, openJournal(t, store, "inv", journal.Options{})))

	t.Run("abandoned window keeps items", func(t *testing.T) {
		j.WriteSend(inbox, "inv:42", "increment", []any{3})
		j.SaveStart()
		j.SaveEnd(false)
		assert.Len(t, replay(t, openJournal(t, store, "inv", journal.Options{})), 1)
	})
}

func TestJournal_SavePolicyMaxItems(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})
	inbox := testutil.NewRecordingQueue()
	j := openJournal(t, store, "inv", journal.Options{Policy: journal.SavePolicy{MaxItems: 2}})

	for i := 0; i < 2; i++ {
		j.WriteSend(inbox, "inv:42", "increment", []any{i})
	}
	assert.False(t, j.SaveStart())
	j.SaveEnd(false)

	j.WriteSend(inbox, "inv:42", "increment", []any{2})
	assert.True(t, j.SaveStart())
	j.SaveEnd(true)

	assert.False(t, j.SaveStart(), "counters reset after a completed save")
	j.SaveEnd(false)
}

func TestJournal_StreamRequestsSave(t *testing.T) {
	store := memstream.NewStore(memstream.Options{SaveAfterItems: 1})
	j := openJournal(t, store, "inv", journal.Options{})
	j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})
	assert.True(t, j.SaveStart())
	j.SaveEnd(true)
}

func TestJournal_ReplayFailures(t *testing.T) {
	t.Run("second replay is rejected", func(t *testing.T) {
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{})
		q := testutil.NewRecordingQueue()
		require.NoError(t, j.ReplayStart(context.Background(), q, q))
		assert.ErrorIs(t, j.ReplayStart(context.Background(), q, q), core.ErrReplayAlreadyStarted)
	})

	t.Run("queue refusal aborts the scan", func(t *testing.T) {
		store := memstream.NewStore(memstream.Options{})
		j := openJournal(t, store, "inv", journal.Options{})
		inbox := testutil.NewRecordingQueue()
		for i := 0; i < 3; i++ {
			j.WriteSend(inbox, "inv:42", "increment", []any{i})
		}

		q := testutil.NewRecordingQueue()
		q.Capacity = 1
		replayed := new(expvar.Int)
		r := openJournal(t, store, "inv", journal.Options{ReplayOfferTimeout: time.Millisecond, ItemsReplay: replayed})
		err := r.ReplayStart(context.Background(), inbox, q)
		require.ErrorIs(t, err, core.ErrReplayEnqueueTimeout)
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, int64(1), replayed.Value())
		assert.Zero(t, q.Wakes(), "a failed replay must not resume the worker")
	})

	t.Run("corrupt record aborts the scan", func(t *testing.T) {
		store := memstream.NewStore(memstream.Options{})
		j := openJournal(t, store, "inv", journal.Options{})
		j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})
		require.NoError(t, j.Close())

		raw, err := store.OpenStream("inv")
		require.NoError(t, err)
		testutil.WriteItem(t, raw, []byte{9, 9, 9, 9})
		require.NoError(t, raw.Close())

		q := testutil.NewRecordingQueue()
		err = openJournal(t, store, "inv", journal.Options{}).ReplayStart(context.Background(), q, q)
		require.ErrorIs(t, err, core.ErrCorruptRecord)
		assert.Equal(t, 1, q.Len(), "records before the damaged one were delivered")
	})

	t.Run("nil collaborators", func(t *testing.T) {
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{})
		assert.Error(t, j.ReplayStart(context.Background(), nil, testutil.NewRecordingQueue()))
	})
}

func TestJournal_IdleAlarm(t *testing.T) {
	t.Run("queues a save request after writes", func(t *testing.T) {
		store := memstream.NewStore(memstream.Options{})
		inbox := testutil.NewRecordingQueue()
		j := openJournal(t, store, "inv", journal.Options{IdleDelay: 10 * time.Millisecond})
		defer j.Close()

		j.WriteSend(inbox, "inv:42", "increment", []any{1})
		j.WriteSend(inbox, "inv:42", "increment", []any{2})
		require.True(t, inbox.WaitOffered(2*time.Second))

		msgs := inbox.Messages()
		require.Len(t, msgs, 1)
		req, ok := msgs[0].(*journal.SaveRequest)
		require.True(t, ok)
		assert.Equal(t, "inv", req.Journal)
		assert.False(t, req.Replay())
		assert.Eventually(t, func() bool { return inbox.Wakes() == 1 }, time.Second, 5*time.Millisecond)

		// Rearmed by the next write.
		j.WriteSend(inbox, "inv:42", "increment", []any{3})
		require.True(t, inbox.WaitOffered(2*time.Second))
		assert.Equal(t, 2, inbox.Len())
	})

	t.Run("detached journal never fires", func(t *testing.T) {
		inbox := testutil.NewRecordingQueue()
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{IdleDelay: 20 * time.Millisecond})
		j.WriteSend(inbox, "inv:42", "increment", []any{1})
		j.Detach()
		j.WriteSend(inbox, "inv:42", "increment", []any{2})
		assert.False(t, inbox.WaitOffered(100*time.Millisecond))
	})

	t.Run("closed inbox is skipped", func(t *testing.T) {
		inbox := testutil.NewRecordingQueue()
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{IdleDelay: 10 * time.Millisecond})
		defer j.Close()
		j.Attach(inbox)
		inbox.Close()
		j.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})
		assert.False(t, inbox.WaitOffered(100*time.Millisecond))
	})

	t.Run("weakly attached owner", func(t *testing.T) {
		var offers atomic.Int32
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{IdleDelay: 10 * time.Millisecond})
		defer j.Close()

		owner := &countingInbox{offers: &offers}
		journal.AttachWeak(j, owner)
		j.WriteSend(owner, "inv:42", "increment", []any{1})
		assert.Eventually(t, func() bool { return offers.Load() == 1 }, time.Second, 5*time.Millisecond)
		runtime.KeepAlive(owner)
	})

	t.Run("collected owner is never offered", func(t *testing.T) {
		var offers atomic.Int32
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{IdleDelay: 10 * time.Millisecond})
		defer j.Close()

		journal.AttachWeak(j, &countingInbox{offers: &offers})
		runtime.GC()
		runtime.GC()

		other := testutil.NewRecordingQueue()
		j.WriteSend(other, "inv:42", "increment", []any{1})
		assert.False(t, other.WaitOffered(100*time.Millisecond))
		assert.Zero(t, offers.Load())
	})

	t.Run("disabled by default", func(t *testing.T) {
		inbox := testutil.NewRecordingQueue()
		j := openJournal(t, memstream.NewStore(memstream.Options{}), "inv", journal.Options{IdleDelay: -1})
		defer j.Close()
		j.WriteSend(inbox, "inv:42", "increment", []any{1})
		assert.False(t, inbox.WaitOffered(50*time.Millisecond))
		assert.Equal(t, time.Duration(-1), j.IdleDelay())
	})
}

type countingInbox struct {
	offers *atomic.Int32
}

func (c *countingInbox) Offer(journal.Message, time.Duration) bool {
	c.offers.Add(1)
	return true
}

func (c *countingInbox) Wake() {}

type noPeerProvider struct{ store *memstream.Store }

func (p noPeerProvider) OpenStream(name string) (journal.Stream, error) {
	return p.store.OpenStream(name)
}

type unsupportedPeer struct{}

func (unsupportedPeer) OpenPeerStream(name, peerName string) (journal.Stream, error) {
	return nil, &core.UnsupportedError{Capability: "peer " + peerName}
}

func TestDriver(t *testing.T) {
	store := memstream.NewStore(memstream.Options{})

	t.Run("opens fresh journals", func(t *testing.T) {
		d := journal.NewDriver(store, journal.WithJournalOptions(journal.Options{Logger: discardLogger(), IdleDelay: -1}))
		a, err := d.Open("inv")
		require.NoError(t, err)
		b, err := d.Open("inv")
		require.NoError(t, err)
		assert.NotSame(t, a, b)
		assert.Equal(t, "inv", a.Name())
		assert.Equal(t, time.Duration(-1), a.IdleDelay())
	})

	t.Run("peer through primary provider", func(t *testing.T) {
		d := journal.NewDriver(store)
		p, err := d.OpenPeer("inv", "node-b")
		require.NoError(t, err)
		assert.Equal(t, "inv@node-b", p.Name())
		p.WriteSend(testutil.NewRecordingQueue(), "inv:42", "increment", []any{1})
		assert.Equal(t, 1, store.PeerLen("inv", "node-b"))
	})

	t.Run("no peer provider", func(t *testing.T) {
		d := journal.NewDriver(noPeerProvider{store})
		_, err := d.Open("inv")
		require.NoError(t, err)
		_, err = d.OpenPeer("inv", "node-b")
		require.ErrorIs(t, err, core.ErrPeerJournalsUnsupported)
		assert.True(t, core.IsUnsupportedError(err))
	})

	t.Run("peer provider reports unsupported", func(t *testing.T) {
		d := journal.NewDriver(store, journal.WithPeerProvider(unsupportedPeer{}))
		_, err := d.OpenPeer("inv", "node-b")
		require.ErrorIs(t, err, core.ErrPeerJournalsUnsupported)
	})

	t.Run("pre-open hook can refuse", func(t *testing.T) {
		hm := hooks.NewHookManager(discardLogger())
		refused := errors.New("path quarantined")
		hm.Register(hooks.EventPreJournalOpen, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
			if e.Payload().(hooks.JournalOpenPayload).Name == "bad" {
				return refused
			}
			return nil
		}))
		d := journal.NewDriver(store, journal.WithJournalOptions(journal.Options{HookManager: hm}))
		_, err := d.Open("bad")
		assert.ErrorIs(t, err, refused)
		_, err = d.Open("good")
		assert.NoError(t, err)
	})
}

func TestJournal_Hooks(t *testing.T) {
	hm := hooks.NewHookManager(discardLogger())
	var replayed hooks.JournalReplayPayload
	var saves []hooks.JournalSavePayload
	var faults int
	hm.Register(hooks.EventPostJournalReplay, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		replayed = e.Payload().(hooks.JournalReplayPayload)
		return nil
	}))
	hm.Register(hooks.EventPostJournalSave, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		saves = append(saves, e.Payload().(hooks.JournalSavePayload))
		return nil
	}))
	hm.Register(hooks.EventOnWriteFault, hooks.ListenerFunc(func(_ context.Context, e hooks.HookEvent) error {
		faults++
		return nil
	}))
	hm.Register(hooks.EventPreJournalSave, hooks.ListenerFunc(func(context.Context, hooks.HookEvent) error {
		return errors.New("snapshot store offline")
	}))

	store := memstream.NewStore(memstream.Options{SaveAfterItems: 1})
	opts := journal.Options{HookManager: hm}
	j := openJournal(t, store, "inv", opts)
	inbox := testutil.NewRecordingQueue()
	j.WriteSend(inbox, "inv:42", "increment", []any{1})
	j.WriteQuery(inbox, "inv:42", "get", nil)
	j.WriteSend(inbox, "inv:42", "bad", []any{func() {}})

	assert.False(t, j.SaveStart(), "vetoed by pre-save hook")
	j.SaveEnd(false)
	require.Len(t, saves, 1)
	assert.False(t, saves[0].Complete)

	require.NoError(t, openJournal(t, store, "inv", opts).ReplayStart(context.Background(), inbox, testutil.NewRecordingQueue()))
	assert.Equal(t, "inv", replayed.Name)
	assert.Equal(t, 1, replayed.Sends)
	assert.Equal(t, 1, replayed.Queries)
	assert.NoError(t, replayed.Error)
	assert.Equal(t, 1, faults)
}
