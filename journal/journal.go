// Package journal implements the durable mailbox journal of an actor path.
//
// Every call delivered to an inbox is written to the path's Journal before it
// runs. After a restart the Driver reopens the path's stream and ReplayStart
// feeds the retained calls back into the inbox queue as replay messages.
package journal

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/mailjournal/codec"
	"github.com/INLOpen/mailjournal/core"
	"github.com/INLOpen/mailjournal/hooks"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultReplayOfferTimeout bounds how long replay waits for queue space per message.
const DefaultReplayOfferTimeout = 60 * time.Second

// Options configures a Journal.
type Options struct {
	// Name identifies the journal in logs, spans and hook events.
	Name   string
	Logger *slog.Logger
	Tracer trace.Tracer
	// IdleDelay arms a one-shot save alarm after writes. Zero or negative disables it.
	IdleDelay time.Duration
	Policy    SavePolicy
	// ReplayOfferTimeout defaults to DefaultReplayOfferTimeout.
	ReplayOfferTimeout time.Duration
	Codec              *codec.Codec
	HookManager        hooks.HookManager

	ItemsWritten *expvar.Int
	BytesWritten *expvar.Int
	WriteFaults  *expvar.Int
	ItemsReplay  *expvar.Int

	// now is replaced in tests.
	now func() time.Time
}

// Journal writes the calls of one actor path to a Stream and replays them
// after a restart. The write, flush and save methods must be called from the
// inbox worker that owns the path; only Attach, Detach and SetIdleDelay may
// be called from other goroutines.
type Journal struct {
	name        string
	stream      Stream
	codec       *codec.Codec
	writer      itemWriter
	logger      *slog.Logger
	tracer      trace.Tracer
	hookManager hooks.HookManager
	opts        Options
	now         func() time.Time

	items            int64
	lastFlushedItems int64
	sinceSave        int64
	lastSave         time.Time
	saveOpenedAt     time.Time
	saveRequested    bool

	alarmMu    sync.Mutex
	idleDelay  time.Duration
	alarm      *time.Timer
	alarmArmed bool
	alarmInbox func() Inbox
	detached   bool

	replayStarted atomic.Bool
}

// New wraps stream in a Journal. The journal owns the stream from now on.
func New(stream Stream, opts Options) *Journal {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("mailjournal/journal")
	}
	if opts.Codec == nil {
		opts.Codec = codec.New()
	}
	if opts.ReplayOfferTimeout <= 0 {
		opts.ReplayOfferTimeout = DefaultReplayOfferTimeout
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	j := &Journal{
		name:        opts.Name,
		stream:      stream,
		codec:       opts.Codec,
		writer:      itemWriter{stream: stream},
		logger:      opts.Logger.With("component", "Journal", "journal", opts.Name),
		tracer:      opts.Tracer,
		hookManager: opts.HookManager,
		opts:        opts,
		now:         opts.now,
		idleDelay:   opts.IdleDelay,
	}
	j.lastSave = j.now()
	return j
}

// Name returns the journal's name.
func (j *Journal) Name() string { return j.name }

// WriteSend journals a fire-and-forget call. Failures are logged and
// swallowed; the call must proceed either way.
func (j *Journal) WriteSend(inbox Inbox, actorKey, method string, args []any) {
	j.write(inbox, &codec.Record{Kind: core.KindSend, ActorKey: actorKey, Method: method, Args: args})
}

// WriteQuery journals a request/response call. Callers pass only the call
// arguments; the reply target is never journaled.
func (j *Journal) WriteQuery(inbox Inbox, actorKey, method string, args []any) {
	j.write(inbox, &codec.Record{Kind: core.KindQuery, ActorKey: actorKey, Method: method, Args: args})
}

func (j *Journal) write(inbox Inbox, rec *codec.Record) {
	defer func() {
		if r := recover(); r != nil {
			j.writeFault(rec, fmt.Errorf("panic while journaling: %v", r))
		}
	}()
	if err := j.writeItem(inbox, rec); err != nil {
		j.writeFault(rec, err)
		return
	}
	j.items++
	j.sinceSave++
	addMetric(j.opts.ItemsWritten, 1)
	addMetric(j.opts.BytesWritten, j.writer.written)
	j.armAlarm(inbox)
}

func (j *Journal) writeItem(inbox Inbox, rec *codec.Record) (err error) {
	w := &j.writer
	if err := w.init(inbox); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while encoding: %v", r)
			w.fail(err)
		}
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	if err := j.codec.Encode(w, rec); err != nil {
		w.fail(err)
		return err
	}
	return nil
}

func (j *Journal) writeFault(rec *codec.Record, err error) {
	addMetric(j.opts.WriteFaults, 1)
	j.logger.Debug("Journal write failed, call proceeds without durability",
		"kind", rec.Kind, "actor_key", rec.ActorKey, "method", rec.Method, "error", err)
	_ = hooks.Trigger(context.Background(), j.hookManager, hooks.NewOnWriteFaultEvent(hooks.WriteFaultPayload{
		Name:     j.name,
		ActorKey: rec.ActorKey,
		Method:   rec.Method,
		Error:    err,
	}))
}

// Flush forwards to the stream.
func (j *Journal) Flush() error {
	if err := j.stream.Flush(); err != nil {
		return fmt.Errorf("flush journal %s: %w", j.name, err)
	}
	j.lastFlushedItems = j.items
	return nil
}

// SaveStart opens a checkpoint window on the stream and reports whether the
// owner should snapshot its state now. The window is opened even when the
// answer is false; SaveEnd must follow either way.
func (j *Journal) SaveStart() bool {
	streamWants := j.stream.SaveStart()
	now := j.now()
	requested := streamWants || j.opts.Policy.due(j.sinceSave, j.lastSave, now)

	if requested {
		err := hooks.Trigger(context.Background(), j.hookManager, hooks.NewPreJournalSaveEvent(hooks.JournalSavePayload{
			Name:      j.name,
			Requested: true,
		}))
		if err != nil {
			j.logger.Info("Save vetoed by hook", "error", err)
			requested = false
		}
	}
	j.saveOpenedAt = now
	j.saveRequested = requested
	return requested
}

// SaveEnd closes the checkpoint window. complete must only be true when the
// owner's state was durably saved after SaveStart.
func (j *Journal) SaveEnd(complete bool) {
	j.stream.SaveEnd(complete)
	now := j.now()
	if complete {
		j.sinceSave = 0
		j.lastSave = now
	}
	_ = hooks.Trigger(context.Background(), j.hookManager, hooks.NewPostJournalSaveEvent(hooks.JournalSavePayload{
		Name:      j.name,
		Requested: j.saveRequested,
		Complete:  complete,
		Duration:  now.Sub(j.saveOpenedAt),
	}))
	j.saveRequested = false
}

// SequenceReplay returns the stream's replay sequence.
func (j *Journal) SequenceReplay() int64 {
	return j.stream.ReplaySequence()
}

// Items returns the number of items completed by this journal.
func (j *Journal) Items() int64 { return j.items }

// Outstanding returns the number of items completed since the last flush.
func (j *Journal) Outstanding() int64 { return j.items - j.lastFlushedItems }

// Close detaches the alarm and closes the stream.
func (j *Journal) Close() error {
	j.Detach()
	err := j.stream.Close()
	if err != nil {
		err = fmt.Errorf("close journal %s: %w", j.name, err)
	}
	_ = hooks.Trigger(context.Background(), j.hookManager, hooks.NewPostJournalCloseEvent(hooks.JournalClosePayload{
		Name:  j.name,
		Items: j.items,
		Error: err,
	}))
	return err
}

func addMetric(v *expvar.Int, n int64) {
	if v != nil {
		v.Add(n)
	}
}
