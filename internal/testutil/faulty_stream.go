package testutil

import (
	"errors"
	"sync"

	"github.com/INLOpen/mailjournal/journal"
)

// ErrInjected is the error FaultyStream returns for injected faults.
var ErrInjected = errors.New("injected stream fault")

// FaultyStream wraps a stream and fails selected calls.
type FaultyStream struct {
	journal.Stream

	mu sync.Mutex
	// FailStart, FailWrite and FailComplete fail the next N calls of each kind.
	FailStart    int
	FailWrite    int
	FailComplete int
	FailFlush    int
	// HideAbort makes the wrapper not implement abort, so failed items are completed.
	HideAbort bool
	// PanicOnWrite panics inside Write instead of returning an error.
	PanicOnWrite bool

	Starts, Writes, Completes, Aborts, Flushes int
}

// NewFaultyStream wraps s.
func NewFaultyStream(s journal.Stream) *FaultyStream {
	return &FaultyStream{Stream: s}
}

func (f *FaultyStream) take(n *int) bool {
	if *n > 0 {
		*n--
		return true
	}
	return false
}

func (f *FaultyStream) Start() error {
	f.mu.Lock()
	f.Starts++
	fail := f.take(&f.FailStart)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Stream.Start()
}

func (f *FaultyStream) Write(p []byte) error {
	f.mu.Lock()
	f.Writes++
	fail := f.take(&f.FailWrite)
	panics := f.PanicOnWrite
	f.mu.Unlock()
	if panics {
		panic("injected write panic")
	}
	if fail {
		return ErrInjected
	}
	return f.Stream.Write(p)
}

func (f *FaultyStream) Complete() error {
	f.mu.Lock()
	f.Completes++
	fail := f.take(&f.FailComplete)
	f.mu.Unlock()
	if fail {
		// The item never became durable.
		if a, ok := f.Stream.(journal.Aborter); ok {
			a.Abort()
		}
		return ErrInjected
	}
	return f.Stream.Complete()
}

func (f *FaultyStream) Flush() error {
	f.mu.Lock()
	f.Flushes++
	fail := f.take(&f.FailFlush)
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Stream.Flush()
}

// Abort forwards to the wrapped stream. Use Stream() to get a view without
// Abort when HideAbort is set.
func (f *FaultyStream) Abort() {
	f.mu.Lock()
	f.Aborts++
	f.mu.Unlock()
	if a, ok := f.Stream.(journal.Aborter); ok {
		a.Abort()
	}
}

// Counts returns the call counters.
func (f *FaultyStream) Counts() (starts, writes, completes, aborts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Starts, f.Writes, f.Completes, f.Aborts
}

// FlushCount returns how often Flush was called.
func (f *FaultyStream) FlushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Flushes
}

// AsStream returns f as a journal.Stream, hiding Abort when HideAbort is set.
func (f *FaultyStream) AsStream() journal.Stream {
	if f.HideAbort {
		return noAbort{f}
	}
	return f
}

// noAbort exposes only the Stream methods of a FaultyStream.
type noAbort struct {
	f *FaultyStream
}

func (n noAbort) Start() error { return n.f.Start() }
func (n noAbort) Write(p []byte) error { return n.f.Write(p) }
func (n noAbort) Complete() error { return n.f.Complete() }
func (n noAbort) Flush() error { return n.f.Flush() }
func (n noAbort) SaveStart() bool { return n.f.SaveStart() }
func (n noAbort) SaveEnd(complete bool) { n.f.SaveEnd(complete) }
func (n noAbort) ReplaySequence() int64 { return n.f.ReplaySequence() }
func (n noAbort) Replay(cb journal.ReplayCallback) error { return n.f.Replay(cb) }
func (n noAbort) Close() error { return n.f.Close() }
