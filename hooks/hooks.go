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

	"github.com/INLOpen/regionstore/batch"
	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/sst"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Write path
	EventPreWrite  EventType = "PreWrite"
	EventPostWrite EventType = "PostWrite"

	// Flush lifecycle
	EventPreFlush  EventType = "PreFlush"
	EventPostFlush EventType = "PostFlush"

	// Schema changes
	EventPreAlter  EventType = "PreAlter"
	EventPostAlter EventType = "PostAlter"

	// Region internal events
	EventPostManifestUpdate EventType = "PostManifestUpdate"
	EventPostWALReplay      EventType = "PostWALReplay"

	// Region lifecycle
	EventPostOpenRegion EventType = "PostOpenRegion"
	EventPreCloseRegion EventType = "PreCloseRegion"
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

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PreWritePayload is sent before a write batch is appended to the WAL.
// Returning an error from a listener rejects the batch.
type PreWritePayload struct {
	Region   string
	Metadata *metadata.RegionMetadata
	Batch    *batch.WriteBatch
}

// NewPreWriteEvent creates a new event for before a batch is written.
func NewPreWriteEvent(payload PreWritePayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreWrite,
		payload:   payload,
	}
}

// PostWritePayload contains the outcome of a write.
type PostWritePayload struct {
	Region       string
	Sequences    core.SequenceRange
	RowsAffected int
	Error        error // The final error state of the write.
}

// NewPostWriteEvent creates a new event for after a batch is written.
func NewPostWriteEvent(payload PostWritePayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostWrite,
		payload:   payload,
	}
}

// PreFlushPayload contains data for a PreFlush event.
type PreFlushPayload struct {
	Region        string
	Memtables     int
	MemtableBytes int64
	FlushSequence core.SequenceNumber
}

// NewPreFlushEvent creates a new event for before frozen memtables are flushed.
func NewPreFlushEvent(payload PreFlushPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPreFlush,
		payload:   payload,
	}
}

// PostFlushPayload contains data about a completed flush.
type PostFlushPayload struct {
	Region          string
	Files           []sst.FileMeta
	MemtableBytes   int64
	FlushedSequence core.SequenceNumber
	ManifestVersion uint64
	// Level0Files is the number of level 0 files after the flush.
	Level0Files int
	Duration    time.Duration
	Error       error
}

// BytesWritten sums the size of the files the flush produced.
func (p PostFlushPayload) BytesWritten() int64 {
	var n int64
	for _, f := range p.Files {
		n += f.FileSize
	}
	return n
}

// NewPostFlushEvent creates a new event for after a flush finished or failed.
func NewPostFlushEvent(payload PostFlushPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostFlush,
		payload:   payload,
	}
}

// AlterPayload carries a schema change. For PreAlter, Request is a pointer
// so listeners may adjust it.
type AlterPayload struct {
	Region   string
	Current  *metadata.RegionMetadata
	Request  *metadata.AlterRequest
	Altered  *metadata.RegionMetadata // set for PostAlter only
	Sequence core.SequenceNumber
}

func NewPreAlterEvent(payload AlterPayload) HookEvent {
	return &BaseEvent{eventType: EventPreAlter, payload: payload}
}

func NewPostAlterEvent(payload AlterPayload) HookEvent {
	return &BaseEvent{eventType: EventPostAlter, payload: payload}
}

// ManifestUpdatePayload contains information about a manifest update.
type ManifestUpdatePayload struct {
	Region  string
	Version uint64
	Actions manifest.ActionList
}

// NewPostManifestUpdateEvent creates an event for after a manifest record has been written.
func NewPostManifestUpdateEvent(payload ManifestUpdatePayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostManifestUpdate,
		payload:   payload,
	}
}

// PostWALReplayPayload contains information about a completed WAL replay.
type PostWALReplayPayload struct {
	Region                string
	RecoveredEntriesCount int
	LastSequence          core.SequenceNumber
	Duration              time.Duration
}

// NewPostWALReplayEvent creates an event for after WAL replay is complete.
func NewPostWALReplayEvent(payload PostWALReplayPayload) HookEvent {
	return &BaseEvent{
		eventType: EventPostWALReplay,
		payload:   payload,
	}
}

// RegionLifecyclePayload identifies a region being opened or closed.
type RegionLifecyclePayload struct {
	Region string
}

func NewPostOpenRegionEvent(payload RegionLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostOpenRegion, payload: payload}
}

func NewPreCloseRegionEvent(payload RegionLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseRegion, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreWrite) can cancel the operation.
	// Errors from "Post" hooks are typically logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for Post-events.
	IsAsync() bool
}

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
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger,
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	// first index whose priority is >= the new one; equal priorities keep
	// registration order
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
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
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
		} else {
			m.wg.Add(1)
			go func(currentItem *listenerWithPriority) {
				defer m.wg.Done()
				// async listeners outlive the triggering call
				if err := currentItem.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
					m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
				}
			}(item)
		}
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// NoopHookManager discards every event.
type NoopHookManager struct{}

func (NoopHookManager) Register(EventType, HookListener)         {}
func (NoopHookManager) Trigger(context.Context, HookEvent) error { return nil }
func (NoopHookManager) Stop()                                    {}
