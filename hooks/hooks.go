package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Journal lifecycle events
	EventPreJournalOpen   EventType = "PreJournalOpen"
	EventPostJournalOpen  EventType = "PostJournalOpen"
	EventPostJournalClose EventType = "PostJournalClose"

	// Checkpoint events
	EventPreJournalSave  EventType = "PreJournalSave"
	EventPostJournalSave EventType = "PostJournalSave"

	// Recovery events
	EventPostJournalReplay EventType = "PostJournalReplay"

	// Write path events
	EventOnWriteFault EventType = "OnWriteFault"

	// Segment store events
	EventPostJournalRotate EventType = "PostJournalRotate"
	EventPostCheckpoint    EventType = "PostCheckpoint"
	EventPostJournalPurge  EventType = "PostJournalPurge"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// JournalOpenPayload describes a journal being opened by the driver.
// Returning an error from a PreJournalOpen listener refuses the open.
type JournalOpenPayload struct {
	Name     string
	PeerName string // empty for the path's own journal
	Error    error  // set on PostJournalOpen when the open failed
}

// NewPreJournalOpenEvent creates an event for before a journal stream is opened.
func NewPreJournalOpenEvent(payload JournalOpenPayload) HookEvent {
	return &BaseEvent{eventType: EventPreJournalOpen, payload: payload}
}

// NewPostJournalOpenEvent creates an event for after a journal stream was opened.
func NewPostJournalOpenEvent(payload JournalOpenPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalOpen, payload: payload}
}

// JournalClosePayload is sent once a journal and its stream are closed.
type JournalClosePayload struct {
	Name  string
	Items int64 // items completed during the journal's lifetime
	Error error
}

// NewPostJournalCloseEvent creates an event for after a journal was closed.
func NewPostJournalCloseEvent(payload JournalClosePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalClose, payload: payload}
}

// JournalSavePayload describes one pass of the checkpoint handshake.
type JournalSavePayload struct {
	Name string
	// Requested is true when the stream or save policy asked for a snapshot.
	Requested bool
	// Complete is the value passed to SaveEnd. Only meaningful on PostJournalSave.
	Complete bool
	Duration time.Duration
}

// NewPreJournalSaveEvent creates an event for before the checkpoint window opens.
func NewPreJournalSaveEvent(payload JournalSavePayload) HookEvent {
	return &BaseEvent{eventType: EventPreJournalSave, payload: payload}
}

// NewPostJournalSaveEvent creates an event for after the checkpoint window closed.
func NewPostJournalSaveEvent(payload JournalSavePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalSave, payload: payload}
}

// JournalReplayPayload summarises a recovery scan.
type JournalReplayPayload struct {
	Name     string
	Sends    int
	Queries  int
	Duration time.Duration
	Error    error
}

// NewPostJournalReplayEvent creates an event for after a replay completed or failed.
func NewPostJournalReplayEvent(payload JournalReplayPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalReplay, payload: payload}
}

// WriteFaultPayload reports a record that could not be made durable.
// The originating call has already proceeded.
type WriteFaultPayload struct {
	Name     string
	ActorKey string
	Method   string
	Error    error
}

// NewOnWriteFaultEvent creates an event for a swallowed write fault.
func NewOnWriteFaultEvent(payload WriteFaultPayload) HookEvent {
	return &BaseEvent{eventType: EventOnWriteFault, payload: payload}
}

// JournalRotatePayload is sent when a segmented stream starts a new segment.
type JournalRotatePayload struct {
	Dir          string
	OldSegmentID uint64
	NewSegmentID uint64
}

// NewPostJournalRotateEvent creates an event for after a segment rotation.
func NewPostJournalRotateEvent(payload JournalRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalRotate, payload: payload}
}

// CheckpointPayload is sent after a checkpoint file was durably written.
type CheckpointPayload struct {
	Dir                  string
	LastSafeSegmentIndex uint64
	Sequence             int64
}

// NewPostCheckpointEvent creates an event for after a checkpoint write.
func NewPostCheckpointEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// JournalPurgePayload lists the segments removed after a checkpoint.
type JournalPurgePayload struct {
	Dir        string
	SegmentIDs []uint64
}

// NewPostJournalPurgeEvent creates an event for after segments were purged.
func NewPostJournalPurgeEvent(payload JournalPurgePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalPurge, payload: payload}
}

// HookListener is implemented by anything that wants to observe journal events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreJournalOpen) cancels the operation.
	// Errors from "Post" hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

// ListenerFunc adapts a function to a synchronous HookListener with priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int { return 0 }
func (f ListenerFunc) IsAsync() bool { return false }

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}
	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks are always synchronous so they can cancel the operation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Trigger is a nil-safe helper for components whose hook manager is optional.
// Post-hook errors never surface; pre-hook errors are returned.
func Trigger(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}
