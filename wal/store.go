// Package wal stores journal streams as directories of CRC framed segment
// files, one directory per journal. Completed saves write a checkpoint and
// purge the segments it covers.
package wal

import (
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/INLOpen/mailjournal/compressors"
	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/INLOpen/mailjournal/sys"
)

// ErrStreamInUse is returned when a journal's stream is opened twice.
var ErrStreamInUse = errors.New("journal stream already open")

// Options holds configuration for a Store.
type Options struct {
	Dir            string
	SyncMode       core.SyncMode
	MaxSegmentSize int64
	Compression    core.CompressionType
	// SaveAfterSegments makes SaveStart ask for a state save once this many
	// sealed segments are retained. Zero never asks.
	SaveAfterSegments int

	ItemsWritten *expvar.Int
	BytesWritten *expvar.Int
	Logger       *slog.Logger
	HookManager  hooks.HookManager
}

// Store is a journal stream provider over a data directory.
type Store struct {
	dir        string
	opts       Options
	logger     *slog.Logger
	compressor core.Compressor
	release    func() error

	mu      sync.Mutex
	streams map[core.JournalID]*Stream
	closed  bool
}

var (
	_ journal.Provider     = (*Store)(nil)
	_ journal.PeerProvider = (*Store)(nil)
)

// Open locks the data directory and returns a Store over it.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("wal store needs a directory")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = MaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = core.SyncInterval
	}
	compressor, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", opts.Dir, err)
	}
	release, err := sys.LockFile(filepath.Join(opts.Dir, core.LockFileName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        opts.Dir,
		opts:       opts,
		logger:     opts.Logger.With("component", "WALStore"),
		compressor: compressor,
		release:    release,
		streams:    make(map[core.JournalID]*Stream),
	}
	s.logger.Info("Journal store opened", "dir", opts.Dir, "sync_mode", opts.SyncMode, "compression", opts.Compression)
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// JournalDir returns the directory holding the journal name.
func (s *Store) JournalDir(name string) string {
	return filepath.Join(s.dir, core.JournalDirName(name))
}

// Dir of id.
func (s *Store) journalDir(id core.JournalID) string {
	return filepath.Join(s.dir, id.DirName())
}

// OpenStream opens the stream of journal name, recovering it from disk.
func (s *Store) OpenStream(name string) (journal.Stream, error) {
	return s.openID(core.JournalID{Name: name})
}

// OpenPeerStream opens the stream this process keeps for name on behalf of peer.
func (s *Store) OpenPeerStream(name, peer string) (journal.Stream, error) {
	return s.openID(core.PeerJournal(name, peer))
}

// OpenJournal opens the stream of id, a journal or a peer journal.
func (s *Store) OpenJournal(id core.JournalID) (journal.Stream, error) {
	return s.openID(id)
}

func (s *Store) openID(id core.JournalID) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrStreamClosed
	}
	if _, ok := s.streams[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrStreamInUse)
	}
	st, err := openStream(s, id, s.journalDir(id))
	if err != nil {
		return nil, fmt.Errorf("open journal stream %s: %w", id, err)
	}
	s.streams[id] = st
	return st, nil
}

func (s *Store) forget(id core.JournalID) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

// Journals lists the journals and peer journals present in the store.
func (s *Store) Journals() ([]core.JournalID, error) {
	return ListJournals(s.dir)
}

// ListJournals lists the journals found under a store directory, ordered by
// name and then peer.
func ListJournals(dir string) ([]core.JournalID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory %s: %w", dir, err)
	}
	var ids []core.JournalID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := core.ParseJournalDirName(e.Name()); err == nil {
			ids = append(ids, id)
		}
	}
	core.SortJournalIDs(ids)
	return ids, nil
}

// Close closes every stream still open and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		open = append(open, st)
	}
	s.mu.Unlock()

	var err error
	for _, st := range open {
		err = errors.Join(err, st.Close())
	}
	err = errors.Join(err, s.release())
	s.logger.Info("Journal store closed", "dir", s.dir)
	return err
}
