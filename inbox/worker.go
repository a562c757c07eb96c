package inbox

import (
	"context"
	"fmt"

	"github.com/INLOpen/mailjournal/journal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

func (ib *Inbox) run() {
	defer close(ib.done)
	for {
		batch := ib.queue.TakeBatch(ib.stop, ib.opts.BatchSize)
		if batch == nil {
			return
		}
		for _, msg := range batch {
			ib.dispatch(msg)
		}
		ib.afterBatch()
	}
}

func (ib *Inbox) dispatch(msg journal.Message) {
	ctx := ib.ctx
	switch m := msg.(type) {
	case *sendMessage:
		ib.journal.WriteSend(ib, m.actorKey, m.method, m.args)
		if ib.toPeer != nil {
			ib.toPeer.WriteSend(ib, m.actorKey, m.method, m.args)
		}
		if _, err := ib.invoke(ctx, m.actorKey, m.method, m.args); err != nil {
			ib.logger.Debug("Send failed", "actor_key", m.actorKey, "method", m.method, "error", err)
		}
	case *queryMessage:
		ib.journal.WriteQuery(ib, m.actorKey, m.method, m.args)
		if ib.toPeer != nil {
			ib.toPeer.WriteQuery(ib, m.actorKey, m.method, m.args)
		}
		v, err := ib.invoke(ctx, m.actorKey, m.method, m.args)
		m.reply <- queryResult{value: v, err: err}
	case *journal.ReplaySendMessage:
		if _, err := ib.invoke(ctx, m.ActorKey, m.Method, m.Args); err != nil {
			ib.logger.Debug("Replayed send failed", "actor_key", m.ActorKey, "method", m.Method, "error", err)
		}
	case *journal.ReplayQueryMessage:
		// Nobody is waiting for the answer any more.
		if _, err := ib.invoke(ctx, m.ActorKey, m.Method, m.Args); err != nil {
			ib.logger.Debug("Replayed query failed", "actor_key", m.ActorKey, "method", m.Method, "error", err)
		}
	case *journal.SaveRequest:
		ib.save(ctx)
	default:
		ib.logger.Warn("Dropping message of unknown type", "type", fmt.Sprintf("%T", msg))
	}
}

func (ib *Inbox) invoke(ctx context.Context, actorKey, method string, args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s panicked: %v", actorKey, method, r)
		}
	}()
	return ib.stub.Invoke(ctx, actorKey, method, args)
}

func (ib *Inbox) afterBatch() {
	if err := ib.journal.Flush(); err != nil {
		ib.logger.Debug("Journal flush failed", "error", err)
	}
	if ib.toPeer != nil {
		if err := ib.toPeer.Flush(); err != nil {
			ib.logger.Debug("Peer journal flush failed", "error", err)
		}
	}
}

// save runs the checkpoint handshake on the worker goroutine.
func (ib *Inbox) save(ctx context.Context) {
	ctx, span := ib.tracer.Start(ctx, "Inbox.Save")
	defer span.End()

	requested := ib.journal.SaveStart()
	span.SetAttributes(attribute.Bool("inbox.save.requested", requested))
	peerWindow := requested && ib.toPeer != nil
	if peerWindow {
		ib.toPeer.SaveStart()
	}

	complete := false
	if requested {
		complete = true
		if saver, ok := ib.stub.(Saver); ok {
			if err := saver.Save(ctx); err != nil {
				complete = false
				span.RecordError(err)
				span.SetStatus(codes.Error, "state save failed")
				ib.logger.Warn("State save failed, keeping journal", "error", err)
			}
		}
	}

	ib.journal.SaveEnd(complete)
	if peerWindow {
		ib.toPeer.SaveEnd(complete)
	}
	span.SetAttributes(attribute.Bool("inbox.save.complete", complete))
}

// RequestSave queues a checkpoint handshake for the worker.
func (ib *Inbox) RequestSave() bool {
	if ib.Offer(&journal.SaveRequest{Journal: ib.name}, ib.opts.OfferTimeout) {
		ib.Wake()
		return true
	}
	return false
}
