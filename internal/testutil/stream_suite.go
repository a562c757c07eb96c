package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/INLOpen/mailjournal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StreamOpener opens the stream of a named journal. Opening a name again
// after Close must reopen the same journal.
type StreamOpener func(t *testing.T, name string) journal.Stream

// StoreFactory creates a fresh, empty backing store and returns its opener.
type StoreFactory func(t *testing.T) StreamOpener

// WriteItem writes one complete item in two chunks.
func WriteItem(t *testing.T, s journal.Stream, payload []byte) {
	t.Helper()
	require.NoError(t, s.Start())
	half := len(payload) / 2
	require.NoError(t, s.Write(payload[:half]))
	require.NoError(t, s.Write(payload[half:]))
	require.NoError(t, s.Complete())
}

// ReplayAll returns every retained item of s.
func ReplayAll(t *testing.T, s journal.Stream) [][]byte {
	t.Helper()
	c := &collector{}
	require.NoError(t, s.Replay(c))
	require.True(t, c.completed, "replay must signal completion")
	return c.items
}

type collector struct {
	items     [][]byte
	completed bool
}

func (c *collector) OnItem(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.items = append(c.items, data)
	return nil
}

func (c *collector) Completed() { c.completed = true }

func item(i int) []byte {
	return []byte(fmt.Sprintf("item-%03d:%s", i, bytes.Repeat([]byte{'x'}, i%7)))
}

func items(from, to int) [][]byte {
	var out [][]byte
	for i := from; i <= to; i++ {
		out = append(out, item(i))
	}
	return out
}

// RunStreamSuite checks the behaviour every journal stream must share:
// write order on replay, durability across reopen, discarded items staying
// invisible, and the checkpoint handshake.
func RunStreamSuite(t *testing.T, newStore StoreFactory) {
	t.Run("replays in write order across reopen", func(t *testing.T) {
		open := newStore(t)
		s := open(t, "order")
		for i := 1; i <= 5; i++ {
			WriteItem(t, s, item(i))
		}
		require.NoError(t, s.Flush())
		seq := s.ReplaySequence()
		require.NoError(t, s.Close())

		s = open(t, "order")
		defer s.Close()
		assert.Equal(t, items(1, 5), ReplayAll(t, s))
		assert.GreaterOrEqual(t, s.ReplaySequence(), seq)
	})

	t.Run("aborted and unfinished items are not replayed", func(t *testing.T) {
		open := newStore(t)
		s := open(t, "abort")
		WriteItem(t, s, item(1))

		a, ok := s.(journal.Aborter)
		require.True(t, ok, "stream should support aborting an item")
		require.NoError(t, s.Start())
		require.NoError(t, s.Write([]byte("half a rec")))
		a.Abort()

		WriteItem(t, s, item(2))

		// Simulated crash: the item is never completed.
		require.NoError(t, s.Start())
		require.NoError(t, s.Write([]byte("torn")))
		require.NoError(t, s.Close())

		s = open(t, "abort")
		defer s.Close()
		assert.Equal(t, items(1, 2), ReplayAll(t, s))
	})

	t.Run("completed save discards items before the mark", func(t *testing.T) {
		open := newStore(t)
		s := open(t, "save")
		for i := 1; i <= 3; i++ {
			WriteItem(t, s, item(i))
		}
		before := s.ReplaySequence()
		s.SaveStart()
		WriteItem(t, s, item(4))
		s.SaveEnd(true)
		assert.GreaterOrEqual(t, s.ReplaySequence(), before)

		assert.Equal(t, items(4, 4), ReplayAll(t, s))
		require.NoError(t, s.Close())

		s = open(t, "save")
		defer s.Close()
		assert.Equal(t, items(4, 4), ReplayAll(t, s))
	})

	t.Run("abandoned save keeps everything", func(t *testing.T) {
		open := newStore(t)
		s := open(t, "abandon")
		defer s.Close()
		WriteItem(t, s, item(1))
		s.SaveStart()
		WriteItem(t, s, item(2))
		s.SaveEnd(false)
		assert.Equal(t, items(1, 2), ReplayAll(t, s))
	})

	t.Run("repeated save without writes changes nothing", func(t *testing.T) {
		open := newStore(t)
		s := open(t, "idempotent")
		defer s.Close()
		WriteItem(t, s, item(1))
		WriteItem(t, s, item(2))
		s.SaveStart()
		s.SaveEnd(true)
		first := ReplayAll(t, s)
		seq := s.ReplaySequence()

		s.SaveStart()
		s.SaveEnd(true)
		assert.Equal(t, first, ReplayAll(t, s))
		assert.Equal(t, seq, s.ReplaySequence())

		WriteItem(t, s, item(3))
		assert.Equal(t, append(first, item(3)), ReplayAll(t, s))
	})

	t.Run("callback error stops the scan", func(t *testing.T) {
		open := newStore(t)
		s := open(t, "callback-error")
		defer s.Close()
		for i := 1; i <= 3; i++ {
			WriteItem(t, s, item(i))
		}
		c := &failingCollector{failAt: 2}
		err := s.Replay(c)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInjected))
		assert.Equal(t, 1, c.seen)
		assert.False(t, c.completed)
	})

	t.Run("journals are isolated", func(t *testing.T) {
		open := newStore(t)
		a := open(t, "iso-a")
		defer a.Close()
		b := open(t, "iso-b")
		defer b.Close()
		WriteItem(t, a, item(1))
		WriteItem(t, b, item(2))
		WriteItem(t, a, item(3))
		assert.Equal(t, [][]byte{item(1), item(3)}, ReplayAll(t, a))
		assert.Equal(t, [][]byte{item(2)}, ReplayAll(t, b))
	})
}

type failingCollector struct {
	failAt    int
	seen      int
	completed bool
}

func (c *failingCollector) OnItem(r io.Reader) error {
	if c.seen+1 == c.failAt {
		return ErrInjected
	}
	c.seen++
	return nil
}

func (c *failingCollector) Completed() { c.completed = true }
