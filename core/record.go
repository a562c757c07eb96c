package core

import "fmt"

// RecordKind tags a journal record with the kind of call it captured.
type RecordKind uint8

const (
	// KindSend is a fire-and-forget call.
	KindSend RecordKind = 1
	// KindQuery is a request/response call. The reply target is never persisted.
	KindQuery RecordKind = 2
)

func (k RecordKind) String() string {
	switch k {
	case KindSend:
		return "SEND"
	case KindQuery:
		return "QUERY"
	default:
		return fmt.Sprintf("RecordKind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	return k == KindSend || k == KindQuery
}
