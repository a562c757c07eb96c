package journal

import (
	"io"
	"time"
)

// Stream is an append-only item log with transactional item boundaries.
// A Stream is owned by exactly one Journal and is only ever called from the
// goroutine that owns the Journal, so implementations need no locking for
// the write path.
type Stream interface {
	// Start begins a new item.
	Start() error
	// Write appends p to the open item.
	Write(p []byte) error
	// Complete ends the open item. Once Complete returns nil the item is
	// durable to the degree the stream's sync mode promises.
	Complete() error
	// Flush pushes buffered items to the underlying storage.
	Flush() error

	// SaveStart marks the current position as a checkpoint candidate and
	// reports whether the stream wants the owner to snapshot state now.
	SaveStart() bool
	// SaveEnd closes the window opened by SaveStart. With complete set,
	// every item written before the mark may be discarded.
	SaveEnd(complete bool)

	// ReplaySequence is a monotonically increasing position of the stream,
	// used to decide which of two journals for the same path is newer.
	ReplaySequence() int64
	// Replay calls cb.OnItem for every retained item in write order and
	// cb.Completed at the end. An error from OnItem stops the scan and is
	// returned by Replay.
	Replay(cb ReplayCallback) error

	Close() error
}

// Aborter is implemented by streams that can discard the open item instead
// of completing it.
type Aborter interface {
	Abort()
}

// ReplayCallback receives the items of a Stream during Replay.
type ReplayCallback interface {
	OnItem(r io.Reader) error
	Completed()
}

// Message is anything that can be queued for an inbox worker.
type Message interface {
	// Replay reports whether the message was reconstructed from a journal.
	// Replayed messages must never be journaled again.
	Replay() bool
}

// DeliveryQueue is the queue an inbox worker drains.
type DeliveryQueue interface {
	// Offer enqueues msg, waiting at most timeout for space.
	Offer(msg Message, timeout time.Duration) bool
	// Wake resumes a consumer blocked on an empty queue.
	Wake()
}

// Inbox is the single-writer execution context of one actor path.
type Inbox interface {
	Offer(msg Message, timeout time.Duration) bool
	Wake()
}

// closer is optionally implemented by an Inbox that can report teardown.
type closer interface {
	Closed() bool
}
