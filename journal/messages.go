package journal

// ReplaySendMessage is a SEND call reconstructed from a journal.
type ReplaySendMessage struct {
	ActorKey string
	Method   string
	Args     []any
}

func (*ReplaySendMessage) Replay() bool { return true }

// ReplayQueryMessage is a QUERY call reconstructed from a journal. The
// original caller is gone, so it carries no reply target and whatever the
// call returns is dropped.
type ReplayQueryMessage struct {
	ActorKey string
	Method   string
	Args     []any
}

func (*ReplayQueryMessage) Replay() bool { return true }

// SaveRequest asks an inbox worker to run the checkpoint handshake on its
// own goroutine. It is queued by the idle alarm.
type SaveRequest struct {
	Journal string
}

func (*SaveRequest) Replay() bool { return false }
