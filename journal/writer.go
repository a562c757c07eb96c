package journal

import (
	"fmt"

	"github.com/INLOpen/mailjournal/core"
)

// itemWriter adapts the stream's item protocol to io.Writer so records can
// be encoded straight into an item. One writer is reused for every item of
// a journal; init opens an item and Close always ends it.
type itemWriter struct {
	stream Stream
	inbox  Inbox

	open    bool
	discard error // first failure inside the open item
	written int64
}

func (w *itemWriter) init(inbox Inbox) error {
	if w.open {
		return core.ErrItemInProgress
	}
	if err := w.stream.Start(); err != nil {
		return fmt.Errorf("start item: %w", err)
	}
	w.inbox = inbox
	w.open = true
	w.discard = nil
	w.written = 0
	return nil
}

func (w *itemWriter) Write(p []byte) (int, error) {
	if !w.open {
		return 0, core.ErrNoActiveItem
	}
	if w.discard != nil {
		return 0, w.discard
	}
	if err := w.stream.Write(p); err != nil {
		w.discard = fmt.Errorf("write item: %w", err)
		return 0, w.discard
	}
	w.written += int64(len(p))
	return len(p), nil
}

// fail marks the open item as unusable, e.g. after an encoding error that
// never reached the stream.
func (w *itemWriter) fail(err error) {
	if w.discard == nil {
		w.discard = err
	}
}

// Close ends the open item. A failed item is aborted when the stream
// supports it and completed otherwise, so no item is left open.
func (w *itemWriter) Close() error {
	if !w.open {
		return nil
	}
	w.open = false
	w.inbox = nil

	if w.discard != nil {
		if a, ok := w.stream.(Aborter); ok {
			a.Abort()
			return w.discard
		}
	}
	if err := w.stream.Complete(); err != nil {
		if w.discard != nil {
			return w.discard
		}
		return fmt.Errorf("complete item: %w", err)
	}
	return w.discard
}
