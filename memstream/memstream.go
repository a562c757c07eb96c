// Package memstream keeps journal streams in process memory. Journals
// survive Close and reopen within the same Store, which makes it the
// provider of choice for tests and for deployments that only need replay
// across inbox restarts, not process restarts.
package memstream

import (
	"bytes"
	"sync"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
)

// Options configures a Store.
type Options struct {
	// SaveAfterItems makes SaveStart ask for a snapshot once this many items
	// are retained. Zero never asks.
	SaveAfterItems int
}

// Store holds the journals of a process.
type Store struct {
	mu       sync.Mutex
	opts     Options
	journals map[core.JournalID]*memLog
}

var (
	_ journal.Provider     = (*Store)(nil)
	_ journal.PeerProvider = (*Store)(nil)
)

type memLog struct {
	items [][]byte
	// base is the sequence of items[0]; items before it were discarded.
	base int64
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	return &Store{opts: opts, journals: make(map[core.JournalID]*memLog)}
}

// OpenStream opens the stream of name, creating it on first use.
func (s *Store) OpenStream(name string) (journal.Stream, error) {
	return s.open(core.JournalID{Name: name}), nil
}

// OpenPeerStream opens the copy peerName keeps of name in the same store.
func (s *Store) OpenPeerStream(name, peerName string) (journal.Stream, error) {
	return s.open(core.PeerJournal(name, peerName)), nil
}

// Len returns the number of retained items of name.
func (s *Store) Len(name string) int {
	return s.len(core.JournalID{Name: name})
}

// PeerLen returns the number of retained items of the copy peerName keeps of name.
func (s *Store) PeerLen(name, peerName string) int {
	return s.len(core.PeerJournal(name, peerName))
}

func (s *Store) len(id core.JournalID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.journals[id]; ok {
		return len(l.items)
	}
	return 0
}

func (s *Store) open(id core.JournalID) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.journals[id]
	if !ok {
		l = &memLog{}
		s.journals[id] = l
	}
	return &Stream{store: s, log: l, mark: -1}
}

// Stream is one open handle on a journal of the store.
type Stream struct {
	store *Store
	log   *memLog

	cur    bytes.Buffer
	open   bool
	closed bool
	// mark is the sequence recorded by SaveStart, or -1 outside a window.
	mark int64
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
	s.open = true
	s.cur.Reset()
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
	s.open = false
	data := bytes.Clone(s.cur.Bytes())
	s.store.mu.Lock()
	s.log.items = append(s.log.items, data)
	s.store.mu.Unlock()
	return nil
}

func (s *Stream) Abort() {
	s.open = false
	s.cur.Reset()
}

func (s *Stream) Flush() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	return nil
}

func (s *Stream) SaveStart() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.mark = s.log.base + int64(len(s.log.items))
	return s.store.opts.SaveAfterItems > 0 && len(s.log.items) >= s.store.opts.SaveAfterItems
}

func (s *Stream) SaveEnd(complete bool) {
	mark := s.mark
	s.mark = -1
	if !complete || mark < 0 {
		return
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	drop := mark - s.log.base
	if drop <= 0 {
		return
	}
	s.log.items = append([][]byte(nil), s.log.items[drop:]...)
	s.log.base = mark
}

// ReplaySequence counts every item ever completed on the journal.
func (s *Stream) ReplaySequence() int64 {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.log.base + int64(len(s.log.items))
}

func (s *Stream) Replay(cb journal.ReplayCallback) error {
	s.store.mu.Lock()
	snapshot := append([][]byte(nil), s.log.items...)
	s.store.mu.Unlock()

	for _, data := range snapshot {
		if err := cb.OnItem(bytes.NewReader(data)); err != nil {
			return err
		}
	}
	cb.Completed()
	return nil
}

// Close drops an unfinished item.
func (s *Stream) Close() error {
	s.Abort()
	s.closed = true
	return nil
}
