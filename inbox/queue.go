package inbox

import (
	"sync"
	"time"

	"github.com/INLOpen/mailjournal/journal"
)

// Queue is the bounded FIFO delivery queue drained by one inbox worker.
type Queue struct {
	ch   chan journal.Message
	wake chan struct{}

	// offers is held shared by every Offer; close takes it exclusively so
	// no message lands after it returns.
	offers    sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
}

var _ journal.DeliveryQueue = (*Queue)(nil)

// NewQueue creates a queue holding at most capacity messages.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		ch:     make(chan journal.Message, capacity),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Offer enqueues msg. With a timeout <= 0 it never blocks.
func (q *Queue) Offer(msg journal.Message, timeout time.Duration) bool {
	q.offers.RLock()
	defer q.offers.RUnlock()
	select {
	case <-q.closed:
		return false
	default:
	}
	if timeout <= 0 {
		select {
		case q.ch <- msg:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case q.ch <- msg:
		return true
	case <-q.closed:
		return false
	case <-timer.C:
		return false
	}
}

// Wake nudges a consumer blocked in TakeBatch.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.ch) }

// close rejects further offers. Offers in flight finish before it returns.
func (q *Queue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
	q.offers.Lock()
	q.offers.Unlock()
}

// TakeBatch blocks until at least one message is queued or stop is closed,
// then returns up to max messages without blocking further.
func (q *Queue) TakeBatch(stop <-chan struct{}, max int) []journal.Message {
	var first journal.Message
	for first == nil {
		select {
		case first = <-q.ch:
		case <-q.wake:
		case <-stop:
			return nil
		}
	}
	batch := []journal.Message{first}
	for len(batch) < max {
		select {
		case m := <-q.ch:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}

// drain removes everything left in the queue.
func (q *Queue) drain() []journal.Message {
	var out []journal.Message
	for {
		select {
		case m := <-q.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}
