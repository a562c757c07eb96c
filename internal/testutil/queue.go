package testutil

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/mailjournal/journal"
)

// RecordingQueue is a journal.DeliveryQueue and journal.Inbox that keeps
// every accepted message.
type RecordingQueue struct {
	mu       sync.Mutex
	messages []journal.Message
	// Capacity rejects offers once this many messages are held. Zero is unbounded.
	Capacity int
	closed   atomic.Bool
	wakes    atomic.Int32
	offered  chan struct{}
}

// NewRecordingQueue returns an unbounded queue.
func NewRecordingQueue() *RecordingQueue {
	return &RecordingQueue{offered: make(chan struct{}, 1024)}
}

func (q *RecordingQueue) Offer(msg journal.Message, timeout time.Duration) bool {
	q.mu.Lock()
	if q.Capacity > 0 && len(q.messages) >= q.Capacity {
		q.mu.Unlock()
		return false
	}
	q.messages = append(q.messages, msg)
	q.mu.Unlock()
	select {
	case q.offered <- struct{}{}:
	default:
	}
	return true
}

func (q *RecordingQueue) Wake() { q.wakes.Add(1) }

// Closed reports whether Close was called.
func (q *RecordingQueue) Closed() bool { return q.closed.Load() }

// Close marks the queue as torn down.
func (q *RecordingQueue) Close() { q.closed.Store(true) }

// Wakes returns how often Wake was called.
func (q *RecordingQueue) Wakes() int { return int(q.wakes.Load()) }

// Messages returns a copy of the accepted messages.
func (q *RecordingQueue) Messages() []journal.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]journal.Message(nil), q.messages...)
}

// Len returns the number of accepted messages.
func (q *RecordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// WaitOffered blocks until at least one message arrives or timeout passes.
func (q *RecordingQueue) WaitOffered(timeout time.Duration) bool {
	select {
	case <-q.offered:
		return true
	case <-time.After(timeout):
		return false
	}
}
