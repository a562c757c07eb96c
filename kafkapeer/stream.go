package kafkapeer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/journal"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	kindHeader     = "kind"
	idHeader       = "item-id"
	kindItem       = "item"
	kindCheckpoint = "checkpoint"
)

// Stream is one peer journal topic.
type Stream struct {
	store *Store
	id    core.JournalID
	name  string
	topic string

	base int64
	next int64
	mark int64

	cur    bytes.Buffer
	open   bool
	closed bool

	pending []pendingItem
	// retained maps each published, unhidden sequence to the offset of its
	// latest copy in the log.
	retained map[int64]int64
	// recovered holds the scan made on open until the first replay, unless
	// the stream changes first.
	recovered *scanResult
}

type pendingItem struct {
	seq int64
	msg *sarama.ProducerMessage
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

// Complete queues the item for publishing, or publishes it right away in
// SyncAlways mode. A failed publish keeps the item queued; the retry may
// duplicate it in the log, which replay drops by item id.
func (s *Stream) Complete() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	if !s.open {
		return core.ErrNoActiveItem
	}
	value := append([]byte(nil), s.cur.Bytes()...)
	s.Abort()

	s.pending = append(s.pending, pendingItem{seq: s.next, msg: s.newItem(s.next, value)})
	s.next++
	s.recovered = nil
	if s.store.opts.SyncMode == core.SyncAlways {
		return s.publish()
	}
	return nil
}

func (s *Stream) Abort() {
	s.open = false
	s.cur.Reset()
}

// Flush publishes the queued items.
func (s *Stream) Flush() error {
	if s.closed {
		return core.ErrStreamClosed
	}
	return s.publish()
}

func (s *Stream) SaveStart() bool {
	if s.closed {
		return false
	}
	s.mark = s.next
	n := s.store.opts.SaveAfterItems
	return n > 0 && s.next-s.base >= int64(n)
}

// SaveEnd appends a checkpoint record hiding the items before the mark and
// trims the log when a deleter is configured.
func (s *Stream) SaveEnd(complete bool) {
	mark := s.mark
	s.mark = -1
	if !complete || mark <= s.base || s.closed {
		return
	}
	logger := s.store.logger
	if err := s.publish(); err != nil {
		logger.Error("Failed to publish peer journal items before checkpoint", "journal", s.name, "error", err)
		return
	}
	_, offset, err := s.store.opts.Producer.SendMessage(s.newCheckpoint(mark))
	if err != nil {
		logger.Error("Failed to publish peer journal checkpoint", "journal", s.name, "error", err)
		return
	}
	s.base = mark
	s.recovered = nil
	s.trim(mark, offset)
}

// trim drops the hidden sequences and deletes the log below the oldest
// record still needed.
func (s *Stream) trim(mark, checkpointOffset int64) {
	upTo := checkpointOffset
	for seq, off := range s.retained {
		if seq < mark {
			delete(s.retained, seq)
		} else if off < upTo {
			upTo = off
		}
	}
	if s.store.opts.Deleter == nil {
		return
	}
	if err := s.store.opts.Deleter.DeleteRecords(s.topic, map[int32]int64{partition: upTo}); err != nil {
		s.store.logger.Warn("Failed to trim peer journal topic", "journal", s.name, "topic", s.topic, "offset", upTo, "error", err)
	}
}

func (s *Stream) ReplaySequence() int64 { return s.next }

func (s *Stream) Replay(cb journal.ReplayCallback) error {
	if s.closed {
		return core.ErrStreamClosed
	}
	res := s.recovered
	s.recovered = nil
	if res == nil {
		if err := s.publish(); err != nil {
			return err
		}
		var err error
		if res, err = s.scan(); err != nil {
			return err
		}
	}
	for _, it := range res.items {
		if err := cb.OnItem(bytes.NewReader(it.value)); err != nil {
			return err
		}
	}
	cb.Completed()
	return nil
}

// Close publishes what is still queued and releases the stream.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.Abort()
	err := s.publish()
	s.closed = true
	s.store.forget(s.id)
	return err
}

func (s *Stream) publish() error {
	if len(s.pending) == 0 {
		return nil
	}
	producer := s.store.opts.Producer
	if len(s.pending) == 1 {
		_, offset, err := producer.SendMessage(s.pending[0].msg)
		if err != nil {
			return fmt.Errorf("publish item to %s: %w", s.topic, err)
		}
		s.pending[0].msg.Offset = offset
	} else {
		msgs := make([]*sarama.ProducerMessage, len(s.pending))
		for i, p := range s.pending {
			msgs[i] = p.msg
		}
		if err := producer.SendMessages(msgs); err != nil {
			return fmt.Errorf("publish %d items to %s: %w", len(msgs), s.topic, err)
		}
	}
	if s.retained == nil {
		s.retained = make(map[int64]int64)
	}
	for _, p := range s.pending {
		s.retained[p.seq] = p.msg.Offset
	}
	s.pending = s.pending[:0]
	return nil
}

func (s *Stream) newItem(seq int64, value []byte) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic:     s.topic,
		Partition: partition,
		Key:       sarama.ByteEncoder(binary.BigEndian.AppendUint64(nil, uint64(seq))),
		Value:     sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(kindHeader), Value: []byte(kindItem)},
			{Key: []byte(idHeader), Value: []byte(uuid.NewString())},
		},
	}
}

func (s *Stream) newCheckpoint(mark int64) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic:     s.topic,
		Partition: partition,
		Value:     sarama.ByteEncoder(binary.BigEndian.AppendUint64(nil, uint64(mark))),
		Headers:   []sarama.RecordHeader{{Key: []byte(kindHeader), Value: []byte(kindCheckpoint)}},
	}
}

type scannedItem struct {
	id     string
	offset int64
	value  []byte
}

type scanResult struct {
	base    int64
	next    int64
	items   []scannedItem
	offsets map[int64]int64
}

// scan reads the whole partition. Copies of an item share its id; the first
// copy wins and the offset of the latest one is kept.
func (s *Stream) scan() (*scanResult, error) {
	opts := s.store.opts
	res := &scanResult{offsets: make(map[int64]int64)}

	oldest, err := opts.Offsets.GetOffset(s.topic, partition, sarama.OffsetOldest)
	if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest offset of %s: %w", s.topic, err)
	}
	newest, err := opts.Offsets.GetOffset(s.topic, partition, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("newest offset of %s: %w", s.topic, err)
	}
	if newest <= oldest {
		return res, nil
	}

	pc, err := opts.Consumer.ConsumePartition(s.topic, partition, oldest)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", s.topic, err)
	}
	defer func() { _ = pc.Close() }()

	bySeq := make(map[int64]*scannedItem)
	timer := time.NewTimer(opts.ReadTimeout)
	defer timer.Stop()
	for read, want := int64(0), newest-oldest; read < want; read++ {
		var msg *sarama.ConsumerMessage
		select {
		case msg = <-pc.Messages():
		case cerr := <-pc.Errors():
			if cerr != nil {
				return nil, fmt.Errorf("consume %s: %w", s.topic, cerr)
			}
		case <-timer.C:
			return nil, fmt.Errorf("consume %s: read %d of %d records within %s", s.topic, read, want, opts.ReadTimeout)
		}
		if msg == nil {
			return nil, fmt.Errorf("consume %s: partition consumer closed after %d of %d records", s.topic, read, want)
		}
		timer.Reset(opts.ReadTimeout)
		if err := s.addRecord(res, bySeq, msg); err != nil {
			return nil, fmt.Errorf("record %d of %s: %w", msg.Offset, s.topic, err)
		}
	}

	for _, seq := range slices.Sorted(maps.Keys(bySeq)) {
		if seq < res.base {
			continue
		}
		res.items = append(res.items, *bySeq[seq])
		res.offsets[seq] = bySeq[seq].offset
	}
	return res, nil
}

func (s *Stream) addRecord(res *scanResult, bySeq map[int64]*scannedItem, msg *sarama.ConsumerMessage) error {
	switch kind := string(header(msg, kindHeader)); kind {
	case kindCheckpoint:
		if len(msg.Value) != 8 {
			return fmt.Errorf("checkpoint value of %d bytes: %w", len(msg.Value), core.ErrCorruptRecord)
		}
		mark := int64(binary.BigEndian.Uint64(msg.Value))
		res.base = max(res.base, mark)
		res.next = max(res.next, mark)
	case kindItem:
		if len(msg.Key) != 8 {
			return fmt.Errorf("item key of %d bytes: %w", len(msg.Key), core.ErrCorruptRecord)
		}
		seq := int64(binary.BigEndian.Uint64(msg.Key))
		id := string(header(msg, idHeader))
		if prev, ok := bySeq[seq]; ok {
			if prev.id == id {
				prev.offset = msg.Offset
			} else {
				s.store.logger.Warn("Ignoring conflicting peer journal item", "journal", s.name, "sequence", seq, "offset", msg.Offset)
			}
			return nil
		}
		bySeq[seq] = &scannedItem{id: id, offset: msg.Offset, value: msg.Value}
		res.next = max(res.next, seq+1)
	default:
		return fmt.Errorf("unknown record kind %q: %w", kind, core.ErrCorruptRecord)
	}
	return nil
}

func header(msg *sarama.ConsumerMessage, key string) []byte {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return h.Value
		}
	}
	return nil
}
