package inbox

// sendMessage is a live fire-and-forget call.
type sendMessage struct {
	actorKey string
	method   string
	args     []any
}

func (*sendMessage) Replay() bool { return false }

type queryResult struct {
	value any
	err   error
}

// queryMessage is a live request/response call. reply is buffered so the
// worker never blocks on a caller that gave up.
type queryMessage struct {
	actorKey string
	method   string
	args     []any
	reply    chan queryResult
}

func (*queryMessage) Replay() bool { return false }
