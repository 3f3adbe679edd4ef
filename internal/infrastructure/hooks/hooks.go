// Package hooks is the typed lifecycle-event dispatch mechanism for the
// swarm task state machine: onClaim, onComplete, onFail, onReset,
// onSubtaskComplete, onSubtaskError. A handler panic is caught, logged, and
// never affects task state.
package hooks

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names one of the six lifecycle transitions hooks can observe.
type EventType string

const (
	EventClaim           EventType = "claim"
	EventComplete        EventType = "complete"
	EventFail            EventType = "fail"
	EventReset           EventType = "reset"
	EventSubtaskComplete EventType = "subtask_complete"
	EventSubtaskError    EventType = "subtask_error"
)

// Event is the payload delivered to a registered handler. Not every field
// applies to every EventType: SubtaskIndex/Result/Err are only populated for
// the subtask-level events emitted by the executor.
type Event struct {
	Type         EventType
	SwarmID      string
	TaskID       string
	AgentID      string
	Status       string
	Result       string
	Err          string
	SubtaskIndex int
	Timestamp    time.Time
}

// Handler receives a published Event. It must not block indefinitely —
// publish does not wait for handlers to finish.
type Handler func(Event)

// Bus dispatches lifecycle events to registered handlers, isolating any
// handler panic so it cannot affect the task state machine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	eventCh  chan Event
	closed   bool
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewBus creates a lifecycle-hook bus with a bounded dispatch buffer.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	b := &Bus{
		handlers: make(map[EventType][]Handler),
		eventCh:  make(chan Event, bufferSize),
		logger:   logger.With(zap.String("component", "hooks-bus")),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// On registers handler for one of the six lifecycle event types. This is
// the sole public entry point named onTaskEvent in the library surface.
func (b *Bus) On(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish enqueues event for dispatch. A full buffer drops the event and
// logs a warning rather than blocking the caller — lifecycle notification
// is best-effort and must never slow down the task state machine.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.eventCh <- event:
	default:
		b.logger.Warn("hook event buffer full, dropping event", zap.String("type", string(event.Type)))
	}
}

// Close stops dispatch after draining any buffered events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventCh)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for event := range b.eventCh {
		b.dispatch(event)
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(handler Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("hook handler panicked",
						zap.String("type", string(event.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			handler(event)
		}(h)
	}
	wg.Wait()
}
