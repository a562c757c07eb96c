package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/INLOpen/mailjournal/checkpoint"
	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/INLOpen/mailjournal/sys"
)

// Stream is the segmented log of one journal. Like every journal stream it
// is driven by a single goroutine.
type Stream struct {
	store  *Store
	id     core.JournalID
	name   string
	dir    string
	logger *slog.Logger

	active   *SegmentWriter
	segments []uint64
	nextSeq  int64
	cp       checkpoint.Checkpoint

	cur    *bytes.Buffer
	open   bool
	closed bool
	mark   *saveMark
}

type saveMark struct {
	segment uint64
	seq     int64
}

var (
	_ journal.Stream  = (*Stream)(nil)
	_ journal.Aborter = (*Stream)(nil)
)

func openStream(store *Store, id core.JournalID, dir string) (*Stream, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", dir, err)
	}
	cp, _, err := checkpoint.Read(dir)
	if err != nil {
		return nil, err
	}
	st := &Stream{
		store:  store,
		id:     id,
		name:   id.String(),
		dir:    dir,
		logger: store.logger.With("journal", id.String()),
		cp:     cp,
	}
	if err := st.loadSegments(); err != nil {
		return nil, err
	}
	if err := st.recoverTail(); err != nil {
		return nil, err
	}
	if err := st.openForAppend(); err != nil {
		return nil, err
	}
	st.logger.Debug("Journal stream opened", "segments", len(st.segments), "next_sequence", st.nextSeq)
	return st, nil
}

func (s *Stream) segmentPath(index uint64) string {
	return filepath.Join(s.dir, core.FormatSegmentFileName(index))
}

// loadSegments lists the segments, finishing a purge a crash interrupted
// and dropping header-only segments that are not the newest.
func (s *Stream) loadSegments() error {
	all, err := listSegments(s.dir)
	if err != nil {
		return err
	}
	s.segments = s.segments[:0]
	for i, index := range all {
		path := s.segmentPath(index)
		if index <= s.cp.LastSafeSegmentIndex {
			if err := sys.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to purge checkpointed segment %s: %w", path, err)
			}
			continue
		}
		if i < len(all)-1 {
			if info, err := os.Stat(path); err == nil && info.Size() <= headerSize {
				_ = sys.Remove(path)
				continue
			}
		}
		s.segments = append(s.segments, index)
	}
	return nil
}

// recoverTail finds the next item sequence and cuts a torn record off the
// newest segment.
func (s *Stream) recoverTail() error {
	s.nextSeq = s.cp.Sequence
	for i := len(s.segments) - 1; i >= 0; i-- {
		index := s.segments[i]
		path := s.segmentPath(index)
		valid, lastSeq, err := scanSegment(path, -1, nil)
		newest := i == len(s.segments)-1
		if errors.Is(err, errBadRecord) && newest {
			if valid < headerSize {
				s.logger.Warn("Removing segment with torn header", "segment", index)
				if err := sys.Remove(path); err != nil {
					return fmt.Errorf("failed to remove torn segment %s: %w", path, err)
				}
				s.segments = s.segments[:i]
				continue
			}
			s.logger.Warn("Truncating torn tail of journal segment", "segment", index, "offset", valid, "error", err)
			if err := os.Truncate(path, valid); err != nil {
				return fmt.Errorf("failed to truncate torn segment %s: %w", path, err)
			}
		} else if err != nil {
			return fmt.Errorf("segment %d: %w", index, err)
		}
		if lastSeq >= 0 {
			if lastSeq+1 > s.nextSeq {
				s.nextSeq = lastSeq + 1
			}
			return nil
		}
	}
	return nil
}

// openForAppend never appends to a segment written by an earlier process:
// a segment holding records is sealed and a new one is started.
func (s *Stream) openForAppend() error {
	if len(s.segments) == 0 {
		return s.rotate()
	}
	last := s.segments[len(s.segments)-1]
	info, err := os.Stat(s.segmentPath(last))
	if err != nil {
		return fmt.Errorf("failed to stat last segment: %w", err)
	}
	if info.Size() > headerSize {
		return s.rotate()
	}
	seg, err := CreateSegment(s.dir, last, s.store.compressor.Type())
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", last, err)
	}
	s.active = seg
	return nil
}

// rotate seals the active segment and starts the next one.
func (s *Stream) rotate() error {
	next := s.cp.LastSafeSegmentIndex + 1
	if n := len(s.segments); n > 0 {
		next = s.segments[n-1] + 1
	}
	seg, err := CreateSegment(s.dir, next, s.store.compressor.Type())
	if err != nil {
		return err
	}

	var old uint64
	if s.active != nil {
		old = s.active.index
		if err := s.active.Close(); err != nil {
			s.logger.Error("Failed to close segment during rotation", "path", s.active.path, "error", err)
		}
	}
	s.active = seg
	s.segments = append(s.segments, next)
	s.logger.Debug("Rotated to new journal segment", "index", next)
	if old > 0 {
		_ = hooks.Trigger(context.Background(), s.store.opts.HookManager, hooks.NewPostJournalRotateEvent(hooks.JournalRotatePayload{
			Dir:          s.dir,
			OldSegmentID: old,
			NewSegmentID: next,
		}))
	}
	return nil
}

func (s *Stream) Start() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if s.open {
		return core.ErrItemInProgress
	}
	s.cur = core.BufferPool.Get()
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
	_, err := s.cur.Write(p)
	return err
}

// Complete frames the item as one record: its sequence number followed by
// the compressed item bytes.
func (s *Stream) Complete() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if !s.open {
		return core.ErrNoActiveItem
	}
	defer s.Abort()

	// CompressTo resets its destination, so the sequence is prepended after.
	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	if err := s.store.compressor.CompressTo(compressed, s.cur.Bytes()); err != nil {
		return fmt.Errorf("compress journal item: %w", err)
	}
	payload := core.BufferPool.Get()
	defer core.BufferPool.Put(payload)
	payload.Reset()
	var seq [core.SeqNumSize]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(s.nextSeq))
	payload.Write(seq[:])
	payload.Write(compressed.Bytes())

	recordSize := int64(payload.Len() + recordOverhead)
	if !s.active.Empty() && s.active.Size()+recordSize > s.store.opts.MaxSegmentSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal segment: %w", err)
		}
	}
	if err := s.active.WriteRecord(payload.Bytes()); err != nil {
		return err
	}
	s.nextSeq++
	if v := s.store.opts.ItemsWritten; v != nil {
		v.Add(1)
	}
	if v := s.store.opts.BytesWritten; v != nil {
		v.Add(recordSize)
	}
	if s.store.opts.SyncMode == core.SyncAlways {
		return s.active.Sync()
	}
	return nil
}

// Abort drops the open item.
func (s *Stream) Abort() {
	if s.cur != nil {
		core.BufferPool.Put(s.cur)
		s.cur = nil
	}
	s.open = false
}

func (s *Stream) Flush() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if s.store.opts.SyncMode == core.SyncDisabled {
		return s.active.Flush()
	}
	return s.active.Sync()
}

// SaveStart seals the active segment when it holds items, so that the mark
// falls on a segment boundary.
func (s *Stream) SaveStart() bool {
	s.mark = nil
	if s.closed {
		return false
	}
	if !s.active.Empty() {
		if err := s.rotate(); err != nil {
			s.logger.Error("Failed to rotate journal segment for save", "error", err)
			return false
		}
	}
	s.mark = &saveMark{segment: s.active.index - 1, seq: s.nextSeq}
	sealed := len(s.segments) - 1
	return s.store.opts.SaveAfterSegments > 0 && sealed >= s.store.opts.SaveAfterSegments
}

// SaveEnd writes a checkpoint at the mark and purges the segments it covers.
func (s *Stream) SaveEnd(complete bool) {
	m := s.mark
	s.mark = nil
	if !complete || m == nil || s.closed {
		return
	}
	if m.segment <= s.cp.LastSafeSegmentIndex {
		return
	}
	cp := checkpoint.Checkpoint{LastSafeSegmentIndex: m.segment, Sequence: m.seq}
	if err := checkpoint.Write(s.dir, cp); err != nil {
		s.logger.Error("Failed to write journal checkpoint", "error", err)
		return
	}
	s.cp = cp
	ctx := context.Background()
	_ = hooks.Trigger(ctx, s.store.opts.HookManager, hooks.NewPostCheckpointEvent(hooks.CheckpointPayload{
		Dir:                  s.dir,
		LastSafeSegmentIndex: cp.LastSafeSegmentIndex,
		Sequence:             cp.Sequence,
	}))

	var purged []uint64
	remaining := s.segments[:0]
	for _, index := range s.segments {
		if index > cp.LastSafeSegmentIndex {
			remaining = append(remaining, index)
			continue
		}
		// A failed removal is retried when the journal is next opened.
		if err := sys.Remove(s.segmentPath(index)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to purge journal segment", "segment", index, "error", err)
			continue
		}
		purged = append(purged, index)
	}
	s.segments = remaining
	if len(purged) > 0 {
		s.logger.Debug("Purged journal segments", "count", len(purged), "up_to_index", cp.LastSafeSegmentIndex)
		_ = hooks.Trigger(ctx, s.store.opts.HookManager, hooks.NewPostJournalPurgeEvent(hooks.JournalPurgePayload{
			Dir:        s.dir,
			SegmentIDs: purged,
		}))
	}
}

// ReplaySequence is the number of items ever completed on this journal.
func (s *Stream) ReplaySequence() int64 { return s.nextSeq }

func (s *Stream) Replay(cb journal.ReplayCallback) error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if err := s.active.Flush(); err != nil {
		return fmt.Errorf("flush before replay: %w", err)
	}
	lastSeq := s.cp.Sequence - 1
	for _, index := range s.segments {
		var err error
		_, lastSeq, err = scanSegment(s.segmentPath(index), lastSeq, func(it Item) error {
			return cb.OnItem(bytes.NewReader(it.Data))
		})
		if errors.Is(err, errBadRecord) {
			return fmt.Errorf("journal %s segment %d: %v: %w", s.name, index, err, core.ErrCorruptRecord)
		}
		if err != nil {
			return err
		}
	}
	cb.Completed()
	return nil
}

// Close drops an unfinished item and closes the active segment.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.Abort()
	s.closed = true
	s.store.forget(s.id)
	if s.active == nil {
		return nil
	}
	return s.active.Close()
}
