package pebblestore

import (
	"bytes"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/cockroachdb/pebble"
)

// Stream is one journal inside a pebble Store.
type Stream struct {
	store *Store
	id    core.JournalID
	name  string

	// base is the first retained sequence, next the one the next item gets.
	base int64
	next int64
	mark int64

	cur    bytes.Buffer
	open   bool
	closed bool
}

var (
	_ journal.Stream  = (*Stream)(nil)
	_ journal.Aborter = (*Stream)(nil)
)

func (s *Stream) Start() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if s.open {
		return core.ErrItemInProgress
	}
	s.cur.Reset()
	s.open = true
	return nil
}

func (s *Stream) Write(p []byte) error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if !s.open {
		return core.ErrNoActiveItem
	}
	s.cur.Write(p)
	return nil
}

func (s *Stream) Complete() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if !s.open {
		return core.ErrNoActiveItem
	}
	defer s.Abort()
	if err := s.store.db.Set(itemKey(s.id, s.next), s.cur.Bytes(), s.store.writeOpts); err != nil {
		return err
	}
	s.next++
	return nil
}

func (s *Stream) Abort() {
	s.open = false
	s.cur.Reset()
}

// Flush syncs the pebble WAL unless syncing is disabled.
func (s *Stream) Flush() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if s.store.opts.SyncMode == core.SyncDisabled {
		return nil
	}
	return s.store.db.LogData(nil, pebble.Sync)
}

func (s *Stream) SaveStart() bool {
	if s.closed {
		return false
	}
	s.mark = s.next
	n := s.store.opts.SaveAfterItems
	return n > 0 && s.next-s.base >= int64(n)
}

func (s *Stream) SaveEnd(complete bool) {
	mark := s.mark
	s.mark = -1
	if !complete || mark <= s.base || s.closed {
		return
	}
	b := s.store.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(itemKey(s.id, s.base), itemKey(s.id, mark), nil); err != nil {
		s.store.logger.Error("Failed to stage journal purge", "journal", s.name, "error", err)
		return
	}
	if err := b.Set(metaKey(s.id), encodeBase(mark), nil); err != nil {
		s.store.logger.Error("Failed to stage journal checkpoint", "journal", s.name, "error", err)
		return
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.store.logger.Error("Failed to commit journal checkpoint", "journal", s.name, "error", err)
		return
	}
	s.base = mark
}

func (s *Stream) ReplaySequence() int64 { return s.next }

func (s *Stream) Replay(cb journal.ReplayCallback) error {
	if s.closed {
		return core.ErrStreamClosed
	}
	iter, err := s.store.db.NewIter(&pebble.IterOptions{
		LowerBound: itemKey(s.id, s.base),
		UpperBound: itemKey(s.id, s.next),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		item := append([]byte(nil), iter.Value()...)
		if err := cb.OnItem(bytes.NewReader(item)); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	cb.Completed()
	return nil
}

func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.Abort()
	s.closed = true
	s.store.forget(s.id)
	return nil
}
