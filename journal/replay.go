package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ReplayStart scans the stream and offers every retained call to queue as a
// ReplaySendMessage or ReplayQueryMessage, in write order. When the scan
// completes it wakes queue and inbox and returns nil.
//
// A record that cannot be decoded, or a message the queue does not accept
// within the replay offer timeout, aborts the scan and is returned: the path
// must not start with a partial mailbox. ReplayStart blocks until the scan
// ends and runs at most once per Journal. ctx only carries the trace span;
// the scan cannot be cancelled.
func (j *Journal) ReplayStart(ctx context.Context, inbox Inbox, queue DeliveryQueue) error {
	if inbox == nil || queue == nil {
		return errors.New("journal replay needs an inbox and a queue")
	}
	if !j.replayStarted.CompareAndSwap(false, true) {
		return core.ErrReplayAlreadyStarted
	}

	ctx, span := j.tracer.Start(ctx, "Journal.ReplayStart")
	defer span.End()
	span.SetAttributes(attribute.String("journal.name", j.name))

	start := j.now()
	cb := &replayCallback{
		journal: j,
		inbox:   inbox,
		queue:   queue,
		timeout: j.opts.ReplayOfferTimeout,
	}
	err := j.stream.Replay(cb)
	if err == nil {
		err = cb.err
	}
	if err == nil && !cb.completed {
		err = fmt.Errorf("replay of journal %s ended without completion", j.name)
	}

	span.SetAttributes(
		attribute.Int("journal.replay.sends", cb.sends),
		attribute.Int("journal.replay.queries", cb.queries),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "journal replay failed")
		j.logger.Error("Journal replay failed", "sends", cb.sends, "queries", cb.queries, "error", err)
	} else {
		j.logger.Info("Journal replay completed", "sends", cb.sends, "queries", cb.queries)
	}

	_ = hooks.Trigger(ctx, j.hookManager, hooks.NewPostJournalReplayEvent(hooks.JournalReplayPayload{
		Name:     j.name,
		Sends:    cb.sends,
		Queries:  cb.queries,
		Duration: j.now().Sub(start),
		Error:    err,
	}))
	return err
}

type replayCallback struct {
	journal *Journal
	inbox   Inbox
	queue   DeliveryQueue
	timeout time.Duration

	sends     int
	queries   int
	completed bool
	err       error
}

func (cb *replayCallback) OnItem(r io.Reader) error {
	if cb.err != nil {
		return cb.err
	}
	cb.err = cb.onItem(r)
	return cb.err
}

func (cb *replayCallback) onItem(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read journal item: %w", err)
	}
	rec, err := cb.journal.codec.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("decode journal item %d: %w", cb.sends+cb.queries+1, err)
	}

	var msg Message
	switch rec.Kind {
	case core.KindSend:
		msg = &ReplaySendMessage{ActorKey: rec.ActorKey, Method: rec.Method, Args: rec.Args}
	case core.KindQuery:
		msg = &ReplayQueryMessage{ActorKey: rec.ActorKey, Method: rec.Method, Args: rec.Args}
	}
	if !cb.queue.Offer(msg, cb.timeout) {
		return fmt.Errorf("%w: %s %s.%s not queued within %s",
			core.ErrReplayEnqueueTimeout, rec.Kind, rec.ActorKey, rec.Method, cb.timeout)
	}
	if rec.Kind == core.KindSend {
		cb.sends++
	} else {
		cb.queries++
	}
	addMetric(cb.journal.opts.ItemsReplay, 1)
	return nil
}

func (cb *replayCallback) Completed() {
	if cb.err != nil || cb.completed {
		return
	}
	cb.completed = true
	cb.queue.Wake()
	cb.inbox.Wake()
}
