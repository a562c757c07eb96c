package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/mailjournal/checkpoint"
	"github.com/INLOpen/mailjournal/compressors"
	"github.com/INLOpen/mailjournal/core"
)

// Item is one retained journal item as stored on disk.
type Item struct {
	Segment  uint64
	Offset   int64
	Sequence int64
	// StoredSize is the record payload size after compression.
	StoredSize int
	Data       []byte
}

// ScanResult summarises a scan of one journal directory.
type ScanResult struct {
	Checkpoint checkpoint.Checkpoint
	Segments   []uint64
	Items      int
	// TornTail is set when the newest segment ends in an incomplete record.
	TornTail bool
}

// listSegments returns the segment indexes in dir in ascending order.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal directory %s: %w", dir, err)
	}
	indexes := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(e.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// decodeItem splits a record payload into its sequence number and item bytes.
func decodeItem(c core.Compressor, payload []byte) (int64, []byte, error) {
	if len(payload) < core.SeqNumSize {
		return 0, nil, fmt.Errorf("record of %d bytes has no sequence number", len(payload))
	}
	seq := int64(binary.LittleEndian.Uint64(payload[:core.SeqNumSize]))
	data, err := compressors.DecompressAll(c, payload[core.SeqNumSize:])
	if err != nil {
		return seq, nil, fmt.Errorf("decompress item %d: %w", seq, err)
	}
	return seq, data, nil
}

// scanSegment calls fn for every record of one segment. It returns the offset
// after the last good record and the last sequence seen (-1 if none). A bad
// record is reported as errBadRecord.
func scanSegment(path string, lastSeq int64, fn func(Item) error) (int64, int64, error) {
	sr, err := OpenSegmentForRead(path)
	if err != nil {
		return 0, lastSeq, err
	}
	defer sr.Close()

	c, err := compressors.ForType(sr.header.Compression)
	if err != nil {
		return sr.Offset(), lastSeq, fmt.Errorf("segment %s: %w", path, err)
	}
	for {
		offset := sr.Offset()
		payload, err := sr.ReadRecord()
		if errors.Is(err, io.EOF) {
			return offset, lastSeq, nil
		}
		if err != nil {
			return offset, lastSeq, err
		}
		seq, data, err := decodeItem(c, payload)
		if err != nil {
			return offset, lastSeq, fmt.Errorf("%v: %w", err, core.ErrCorruptRecord)
		}
		if seq <= lastSeq {
			return offset, lastSeq, fmt.Errorf("item sequence %d after %d: %w", seq, lastSeq, core.ErrCorruptRecord)
		}
		lastSeq = seq
		if fn == nil {
			continue
		}
		if err := fn(Item{Segment: sr.index, Offset: offset, Sequence: seq, StoredSize: len(payload), Data: data}); err != nil {
			return offset, lastSeq, err
		}
	}
}

// ScanJournal reads every retained item of the journal stored in dir, in
// write order, without taking the store lock. A damaged record at the end of
// the newest segment is reported through TornTail; anywhere else it is an
// error wrapping core.ErrCorruptRecord.
func ScanJournal(dir string, fn func(Item) error) (ScanResult, error) {
	var res ScanResult
	cp, _, err := checkpoint.Read(dir)
	if err != nil {
		return res, err
	}
	res.Checkpoint = cp

	segments, err := listSegments(dir)
	if err != nil {
		return res, err
	}
	lastSeq := cp.Sequence - 1
	for i, index := range segments {
		if index <= cp.LastSafeSegmentIndex {
			continue
		}
		res.Segments = append(res.Segments, index)
		path := filepath.Join(dir, core.FormatSegmentFileName(index))
		count := func(it Item) error {
			res.Items++
			if fn != nil {
				return fn(it)
			}
			return nil
		}
		_, lastSeq, err = scanSegment(path, lastSeq, count)
		if errors.Is(err, errBadRecord) {
			if i == len(segments)-1 {
				res.TornTail = true
				return res, nil
			}
			return res, fmt.Errorf("segment %d: %v: %w", index, err, core.ErrCorruptRecord)
		}
		if err != nil {
			return res, fmt.Errorf("segment %d: %w", index, err)
		}
	}
	return res, nil
}
