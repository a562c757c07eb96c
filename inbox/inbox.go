// Package inbox runs the single-writer worker of an actor path and journals
// every live call before it reaches the actor.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/mailjournal/journal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultQueueSize    = 1024
	DefaultBatchSize    = 64
	DefaultOfferTimeout = 5 * time.Second
)

var (
	// ErrRecovering is returned for live calls made before Recover finished.
	ErrRecovering = errors.New("inbox is recovering")
	// ErrRecoveryFailed is returned for live calls after Recover failed.
	ErrRecoveryFailed = errors.New("inbox recovery failed")
	// ErrClosed is returned for calls on a closed inbox.
	ErrClosed = errors.New("inbox is closed")
	// ErrQueueFull is returned when a live call cannot be queued in time.
	ErrQueueFull = errors.New("inbox queue is full")
)

// Stub executes calls against actor state.
type Stub interface {
	Invoke(ctx context.Context, actorKey, method string, args []any) (any, error)
}

// Saver is implemented by stubs that can snapshot their state. It is called
// on the worker goroutine when a checkpoint is warranted.
type Saver interface {
	Save(ctx context.Context) error
}

// StubFunc adapts a function to Stub.
type StubFunc func(ctx context.Context, actorKey, method string, args []any) (any, error)

func (f StubFunc) Invoke(ctx context.Context, actorKey, method string, args []any) (any, error) {
	return f(ctx, actorKey, method, args)
}

// Options configures an Inbox.
type Options struct {
	Name string
	Stub Stub
	// Journal is required. ToPeer and FromPeer are optional peer journals:
	// live calls are also written to ToPeer, and FromPeer is considered as a
	// replay source during Recover.
	Journal  *journal.Journal
	ToPeer   *journal.Journal
	FromPeer *journal.Journal

	QueueSize    int
	BatchSize    int
	OfferTimeout time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
}

const (
	stateRecovering int32 = iota
	stateActive
	stateFailed
	stateClosed
)

// Inbox serialises all calls of one actor path on a single worker goroutine.
type Inbox struct {
	name     string
	stub     Stub
	journal  *journal.Journal
	toPeer   *journal.Journal
	fromPeer *journal.Journal
	queue    *Queue
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer

	state     atomic.Int32
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ journal.Inbox = (*Inbox)(nil)

// New creates the inbox and starts its worker. The inbox rejects live calls
// until Recover succeeds.
func New(opts Options) (*Inbox, error) {
	if opts.Stub == nil {
		return nil, errors.New("inbox: stub is required")
	}
	if opts.Journal == nil {
		return nil, errors.New("inbox: journal is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("mailjournal/inbox")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = DefaultOfferTimeout
	}
	if opts.Name == "" {
		opts.Name = opts.Journal.Name()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ib := &Inbox{
		name:     opts.Name,
		stub:     opts.Stub,
		journal:  opts.Journal,
		toPeer:   opts.ToPeer,
		fromPeer: opts.FromPeer,
		queue:    NewQueue(opts.QueueSize),
		opts:     opts,
		logger:   opts.Logger.With("component", "Inbox", "inbox", opts.Name),
		tracer:   opts.Tracer,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	journal.AttachWeak(ib.journal, ib)
	go ib.run()
	return ib, nil
}

// Offer queues msg for the worker.
func (ib *Inbox) Offer(msg journal.Message, timeout time.Duration) bool {
	if ib.Closed() {
		return false
	}
	return ib.queue.Offer(msg, timeout)
}

// Wake resumes the worker.
func (ib *Inbox) Wake() { ib.queue.Wake() }

// Closed reports whether Close was called.
func (ib *Inbox) Closed() bool { return ib.state.Load() == stateClosed }

// Queue returns the delivery queue drained by the worker.
func (ib *Inbox) Queue() *Queue { return ib.queue }

func (ib *Inbox) admit() error {
	switch ib.state.Load() {
	case stateActive:
		return nil
	case stateRecovering:
		return ErrRecovering
	case stateFailed:
		return ErrRecoveryFailed
	default:
		return ErrClosed
	}
}

// Send queues a fire-and-forget call. It returns once the call is queued;
// the call is journaled by the worker before it runs.
func (ib *Inbox) Send(ctx context.Context, actorKey, method string, args ...any) error {
	if err := ib.admit(); err != nil {
		return err
	}
	if !ib.queue.Offer(&sendMessage{actorKey: actorKey, method: method, args: args}, ib.opts.OfferTimeout) {
		return fmt.Errorf("send %s.%s: %w", actorKey, method, ErrQueueFull)
	}
	return nil
}

// Query queues a request/response call and waits for its result.
func (ib *Inbox) Query(ctx context.Context, actorKey, method string, args ...any) (any, error) {
	if err := ib.admit(); err != nil {
		return nil, err
	}
	msg := &queryMessage{actorKey: actorKey, method: method, args: args, reply: make(chan queryResult, 1)}
	if !ib.queue.Offer(msg, ib.opts.OfferTimeout) {
		return nil, fmt.Errorf("query %s.%s: %w", actorKey, method, ErrQueueFull)
	}
	select {
	case r := <-msg.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recover replays the path's journal into the worker and activates the
// inbox. When a from-peer journal is configured, the journal with the higher
// replay sequence is replayed; on a tie the peer is replayed first and only
// the path's own replay decides the outcome. On failure the inbox stays
// unusable.
func (ib *Inbox) Recover(ctx context.Context) error {
	if st := ib.state.Load(); st != stateRecovering {
		return fmt.Errorf("recover inbox %s: %w", ib.name, ib.admitStateErr(st))
	}

	ctx, span := ib.tracer.Start(ctx, "Inbox.Recover")
	defer span.End()

	err := ib.replay(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbox recovery failed")
		ib.state.CompareAndSwap(stateRecovering, stateFailed)
		return fmt.Errorf("recover inbox %s: %w", ib.name, err)
	}
	if !ib.state.CompareAndSwap(stateRecovering, stateActive) {
		return fmt.Errorf("recover inbox %s: %w", ib.name, ErrClosed)
	}
	ib.logger.Info("Inbox recovered")
	return nil
}

func (ib *Inbox) admitStateErr(st int32) error {
	switch st {
	case stateActive:
		return errors.New("already recovered")
	case stateFailed:
		return ErrRecoveryFailed
	default:
		return ErrClosed
	}
}

func (ib *Inbox) replay(ctx context.Context, span trace.Span) error {
	if ib.fromPeer == nil {
		span.SetAttributes(attribute.String("inbox.replay.source", "self"))
		return ib.journal.ReplayStart(ctx, ib, ib.queue)
	}

	peerSeq := ib.fromPeer.SequenceReplay()
	selfSeq := ib.journal.SequenceReplay()
	span.SetAttributes(
		attribute.Int64("inbox.replay.self_sequence", selfSeq),
		attribute.Int64("inbox.replay.peer_sequence", peerSeq),
	)
	switch {
	case peerSeq < selfSeq:
		span.SetAttributes(attribute.String("inbox.replay.source", "self"))
		return ib.journal.ReplayStart(ctx, ib, ib.queue)
	case selfSeq < peerSeq:
		span.SetAttributes(attribute.String("inbox.replay.source", "peer"))
		return ib.fromPeer.ReplayStart(ctx, ib, ib.queue)
	default:
		span.SetAttributes(attribute.String("inbox.replay.source", "peer+self"))
		if err := ib.fromPeer.ReplayStart(ctx, ib, ib.queue); err != nil {
			ib.logger.Warn("Peer journal replay failed, continuing with own journal", "error", err)
		}
		return ib.journal.ReplayStart(ctx, ib, ib.queue)
	}
}

// Close stops the worker, detaches the idle alarm and closes the journals.
// Queued queries are answered with ErrClosed.
func (ib *Inbox) Close() error {
	var err error
	ib.closeOnce.Do(func() {
		ib.state.Store(stateClosed)
		ib.journal.Detach()
		ib.queue.close()
		close(ib.stop)
		<-ib.done
		ib.cancel()

		for _, m := range ib.queue.drain() {
			if q, ok := m.(*queryMessage); ok {
				q.reply <- queryResult{err: ErrClosed}
			}
		}
		for _, j := range []*journal.Journal{ib.journal, ib.toPeer, ib.fromPeer} {
			if j == nil {
				continue
			}
			if ferr := j.Flush(); ferr != nil {
				ib.logger.Debug("Flush on close failed", "journal", j.Name(), "error", ferr)
			}
			err = errors.Join(err, j.Close())
		}
	})
	return err
}
