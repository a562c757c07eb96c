// Package badgerstore keeps journal streams in a dgraph-io/badger database.
package badgerstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	badger "github.com/dgraph-io/badger/v4"
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
	// InMemory keeps everything in RAM; Dir is ignored.
	InMemory bool
	SyncMode core.SyncMode
	// SaveAfterItems makes SaveStart ask for a state save once this many
	// items are retained. Zero never asks.
	SaveAfterItems int
	// LowMemory shrinks badger's memtables and caches.
	LowMemory bool
	Logger    *slog.Logger
}

// Store is a journal stream provider over one badger database.
type Store struct {
	db     *badger.DB
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	streams map[core.JournalID]*Stream
}

var (
	_ journal.Provider     = (*Store)(nil)
	_ journal.PeerProvider = (*Store)(nil)
)

// Open opens (or creates) the database.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.SyncInterval
	}
	logger := opts.Logger.With("component", "BadgerStore")

	badgerOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{logger}).
		WithSyncWrites(opts.SyncMode == core.SyncAlways)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger journal store: %w", err)
	}
	return &Store{
		db:      db,
		opts:    opts,
		logger:  logger,
		streams: make(map[core.JournalID]*Stream),
	}, nil
}

func journalKey(id core.JournalID) []byte {
	return []byte(id.DirName() + "/")
}

func metaKey(id core.JournalID) []byte {
	return append(append([]byte{}, metaPrefix...), journalKey(id)...)
}

func itemsPrefix(id core.JournalID) []byte {
	return append(append([]byte{}, itemPrefix...), journalKey(id)...)
}

func itemKey(id core.JournalID, seq int64) []byte {
	return binary.BigEndian.AppendUint64(itemsPrefix(id), uint64(seq))
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
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(id))
		if err == badger.ErrKeyNotFound {
			return txn.Set(metaKey(id), binary.BigEndian.AppendUint64(nil, 0))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("journal metadata of %d bytes: %w", len(val), core.ErrCorruptRecord)
			}
			st.base = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	st.next = st.base
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := itemsPrefix(id)
		it.Seek(itemKey(id, -1))
		if it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			st.next = int64(binary.BigEndian.Uint64(key[len(key)-8:])) + 1
		}
		return nil
	})
	return st, err
}

func (s *Store) forget(id core.JournalID) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// Journals lists the journals recorded in the database.
func (s *Store) Journals() ([]core.JournalID, error) {
	var ids []core.JournalID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(metaPrefix); it.ValidForPrefix(metaPrefix); it.Next() {
			dir := bytes.TrimSuffix(bytes.TrimPrefix(it.Item().Key(), metaPrefix), []byte("/"))
			id, err := core.ParseJournalDirName(string(dir))
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// Compact flattens the LSM tree and rewrites value log files until badger
// finds nothing worth reclaiming.
func (s *Store) Compact() error {
	if s.opts.InMemory {
		return nil
	}
	if err := s.db.Flatten(1); err != nil {
		return fmt.Errorf("flatten journal store: %w", err)
	}
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
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

// badgerLogger routes badger's logging into slog. Badger is chatty at info
// level, so it is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
