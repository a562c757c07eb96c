package badgerstore

import (
	"bytes"
	"encoding/binary"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	badger "github.com/dgraph-io/badger/v4"
)

// Stream is one journal inside a badger Store.
type Stream struct {
	store *Store
	id    core.JournalID
	name  string

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
	value := append([]byte(nil), s.cur.Bytes()...)
	err := s.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(s.id, s.next), value)
	})
	if err != nil {
		return err
	}
	s.next++
	return nil
}

func (s *Stream) Abort() {
	s.open = false
	s.cur.Reset()
}

// Flush syncs badger's value log unless syncing is disabled.
func (s *Stream) Flush() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if s.store.opts.SyncMode == core.SyncDisabled || s.store.opts.InMemory {
		return nil
	}
	return s.store.db.Sync()
}

func (s *Stream) SaveStart() bool {
	if s.closed {
		return false
	}
	s.mark = s.next
	n := s.store.opts.SaveAfterItems
	return n > 0 && s.next-s.base >= int64(n)
}

// SaveEnd deletes the items before the mark and moves the base in one batch.
func (s *Stream) SaveEnd(complete bool) {
	mark := s.mark
	s.mark = -1
	if !complete || mark <= s.base || s.closed {
		return
	}
	wb := s.store.db.NewWriteBatch()
	defer wb.Cancel()
	for seq := s.base; seq < mark; seq++ {
		if err := wb.Delete(itemKey(s.id, seq)); err != nil {
			s.store.logger.Error("Failed to stage journal purge", "journal", s.name, "error", err)
			return
		}
	}
	if err := wb.Set(metaKey(s.id), binary.BigEndian.AppendUint64(nil, uint64(mark))); err != nil {
		s.store.logger.Error("Failed to stage journal checkpoint", "journal", s.name, "error", err)
		return
	}
	if err := wb.Flush(); err != nil {
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
	var items [][]byte
	err := s.store.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := itemsPrefix(s.id)
		for it.Seek(itemKey(s.id, s.base)); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Callbacks run outside the read transaction; they may block on a full queue.
	for _, v := range items {
		if err := cb.OnItem(bytes.NewReader(v)); err != nil {
			return err
		}
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
