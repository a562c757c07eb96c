package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/mailjournal/hooks"
)

// ReplayAlerterListener logs a warning when a recovery scan fails or when a
// journal replays more items than expected, which usually means checkpoints
// are not completing for that path.
type ReplayAlerterListener struct {
	logger    *slog.Logger
	threshold int
}

// NewReplayAlerterListener creates a listener that alerts on replays of more
// than threshold items. A threshold <= 0 only alerts on failures.
func NewReplayAlerterListener(logger *slog.Logger, threshold int) *ReplayAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReplayAlerterListener{
		logger:    logger.With("component", "ReplayAlerterListener"),
		threshold: threshold,
	}
}

// OnEvent handles the PostJournalReplay event.
func (l *ReplayAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostJournalReplay {
		return nil
	}

	payload, ok := event.Payload().(hooks.JournalReplayPayload)
	if !ok {
		l.logger.Error("Received PostJournalReplay event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if payload.Error != nil {
		l.logger.Warn("Journal replay failed", "journal", payload.Name, "sends", payload.Sends, "queries", payload.Queries, "error", payload.Error)
		return nil
	}
	if total := payload.Sends + payload.Queries; l.threshold > 0 && total > l.threshold {
		l.logger.Warn("Journal replay exceeded expected size",
			"journal", payload.Name,
			"items", total,
			"threshold", l.threshold,
			"duration", payload.Duration,
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *ReplayAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *ReplayAlerterListener) IsAsync() bool { return true }
