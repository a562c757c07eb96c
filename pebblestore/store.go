// Package pebblestore keeps journal streams in a cockroachdb/pebble database.
// Every item is one key; a completed save deletes the range of keys before
// the mark.
package pebblestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrStreamInUse is returned when a journal's stream is opened twice.
var ErrStreamInUse = errors.New("journal stream already open")

var (
	itemPrefix = []byte("item/")
	metaPrefix = []byte("meta/")
)

// Options configures a Store.
type Options struct {
	Dir string
	// FS defaults to the local disk. Tests pass vfs.NewMem().
	FS       vfs.FS
	SyncMode core.SyncMode
	// SaveAfterItems makes SaveStart ask for a state save once this many
	// items are retained. Zero never asks.
	SaveAfterItems int
	Logger         *slog.Logger
}

// Store is a journal stream provider over one pebble database.
type Store struct {
	db        *pebble.DB
	opts      Options
	writeOpts *pebble.WriteOptions
	logger    *slog.Logger

	mu      sync.Mutex
	streams map[core.JournalID]*Stream
}

var (
	_ journal.Provider     = (*Store)(nil)
	_ journal.PeerProvider = (*Store)(nil)
)

// Open opens (or creates) the database in opts.Dir.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.SyncInterval
	}
	db, err := pebble.Open(opts.Dir, &pebble.Options{FS: opts.FS})
	if err != nil {
		return nil, fmt.Errorf("open pebble journal store %s: %w", opts.Dir, err)
	}
	writeOpts := pebble.NoSync
	if opts.SyncMode == core.SyncAlways {
		writeOpts = pebble.Sync
	}
	return &Store{
		db:        db,
		opts:      opts,
		writeOpts: writeOpts,
		logger:    opts.Logger.With("component", "PebbleStore"),
		streams:   make(map[core.JournalID]*Stream),
	}, nil
}

func journalKey(id core.JournalID) []byte {
	return []byte(id.DirName() + "/")
}

func metaKey(id core.JournalID) []byte {
	return append(append([]byte{}, metaPrefix...), journalKey(id)...)
}

// itemKey sorts by journal and then by sequence.
func itemKey(id core.JournalID, seq int64) []byte {
	k := append(append([]byte{}, itemPrefix...), journalKey(id)...)
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

// OpenStream opens the stream of journal name.
func (s *Store) OpenStream(name string) (journal.Stream, error) {
	return s.OpenJournal(core.JournalID{Name: name})
}

// OpenPeerStream opens the stream kept for name on behalf of peer.
func (s *Store) OpenPeerStream(name, peer string) (journal.Stream, error) {
	return s.OpenJournal(core.PeerJournal(name, peer))
}

// OpenJournal opens the stream of id, a journal or a peer journal.
func (s *Store) OpenJournal(id core.JournalID) (journal.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrStreamInUse)
	}
	st, err := s.openStream(id)
	if err != nil {
		return nil, fmt.Errorf("open journal stream %s: %w", id, err)
	}
	s.streams[id] = st
	return st, nil
}

func (s *Store) openStream(id core.JournalID) (*Stream, error) {
	st := &Stream{store: s, id: id, name: id.String(), mark: -1}

	val, closer, err := s.db.Get(metaKey(id))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		// First open: record the journal so Journals can list it.
		if err := s.db.Set(metaKey(id), encodeBase(0), pebble.Sync); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		st.base, err = decodeBase(val)
		closer.Close()
		if err != nil {
			return nil, err
		}
	}

	st.next = st.base
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: itemKey(id, st.base),
		UpperBound: itemKey(id, -1),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	if iter.Last() {
		st.next = int64(binary.BigEndian.Uint64(iter.Key()[len(iter.Key())-8:])) + 1
	}
	return st, iter.Error()
}

func encodeBase(base int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(base))
}

func decodeBase(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("journal metadata of %d bytes: %w", len(b), core.ErrCorruptRecord)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (s *Store) forget(id core.JournalID) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// Journals lists the journals recorded in the database.
func (s *Store) Journals() ([]core.JournalID, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: metaPrefix,
		UpperBound: []byte("meta0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []core.JournalID
	for iter.First(); iter.Valid(); iter.Next() {
		dir := string(bytes.TrimSuffix(bytes.TrimPrefix(iter.Key(), metaPrefix), []byte("/")))
		id, err := core.ParseJournalDirName(dir)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, iter.Error()
}

// Compact compacts the item keyspace so that purged ranges release disk space.
func (s *Store) Compact() error {
	end := append(append([]byte{}, itemPrefix[:len(itemPrefix)-1]...), itemPrefix[len(itemPrefix)-1]+1)
	if err := s.db.Compact(itemPrefix, end, true); err != nil {
		return fmt.Errorf("compact journal items: %w", err)
	}
	return nil
}

// Close closes the open streams and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	open := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		open = append(open, st)
	}
	s.mu.Unlock()

	var err error
	for _, st := range open {
		err = errors.Join(err, st.Close())
	}
	return errors.Join(err, s.db.Close())
}
