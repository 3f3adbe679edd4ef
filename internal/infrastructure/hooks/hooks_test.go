package hooks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestOnAndPublishDeliversToMatchingType(t *testing.T) {
	bus := NewBus(testLogger(), 100)
	defer bus.Close()

	var received atomic.Int32
	bus.On(EventClaim, func(ev Event) {
		received.Add(1)
	})

	bus.Publish(Event{Type: EventClaim, TaskID: "s-task-0"})
	bus.Publish(Event{Type: EventClaim, TaskID: "s-task-1"})
	bus.Publish(Event{Type: EventComplete, TaskID: "s-task-0"}) // different type, not counted

	time.Sleep(50 * time.Millisecond)
	if got := received.Load(); got != 2 {
		t.Errorf("expected 2 onClaim deliveries, got %d", got)
	}
}

func TestMultipleHandlersAllRun(t *testing.T) {
	bus := NewBus(testLogger(), 100)
	defer bus.Close()

	var count1, count2 atomic.Int32
	bus.On(EventComplete, func(ev Event) { count1.Add(1) })
	bus.On(EventComplete, func(ev Event) { count2.Add(1) })

	bus.Publish(Event{Type: EventComplete, TaskID: "s-task-0"})
	time.Sleep(50 * time.Millisecond)

	if count1.Load() != 1 || count2.Load() != 1 {
		t.Errorf("both handlers should receive: %d, %d", count1.Load(), count2.Load())
	}
}

func TestNoHandlerForEventTypeDoesNotPanic(t *testing.T) {
	bus := NewBus(testLogger(), 100)
	defer bus.Close()

	bus.Publish(Event{Type: EventReset, TaskID: "s-task-0"})
	time.Sleep(20 * time.Millisecond)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := NewBus(testLogger(), 100)
	defer bus.Close()

	var safeReceived atomic.Int32
	bus.On(EventFail, func(ev Event) { panic("handler crash") })
	bus.On(EventFail, func(ev Event) { safeReceived.Add(1) })

	bus.Publish(Event{Type: EventFail, TaskID: "s-task-0", Err: "boom"})
	time.Sleep(50 * time.Millisecond)

	if safeReceived.Load() != 1 {
		t.Errorf("safe handler should still run after a sibling panics, got %d", safeReceived.Load())
	}
}

func TestClosePreventsFurtherPublish(t *testing.T) {
	bus := NewBus(testLogger(), 100)
	bus.Close()

	// Should not panic or block after close.
	bus.Publish(Event{Type: EventClaim, TaskID: "s-task-0"})
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus(testLogger(), 1000)
	defer bus.Close()

	var received atomic.Int32
	bus.On(EventSubtaskComplete, func(ev Event) { received.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bus.Publish(Event{Type: EventSubtaskComplete, SubtaskIndex: i})
		}(i)
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	if got := received.Load(); got != 100 {
		t.Errorf("expected 100 concurrent events, got %d", got)
	}
}

func TestEventCarriesSubtaskFields(t *testing.T) {
	bus := NewBus(testLogger(), 100)
	defer bus.Close()

	done := make(chan Event, 1)
	bus.On(EventSubtaskError, func(ev Event) { done <- ev })

	bus.Publish(Event{Type: EventSubtaskError, SwarmID: "sw1", SubtaskIndex: 2, Err: "Dependency subtask 1 failed"})

	select {
	case ev := <-done:
		if ev.SwarmID != "sw1" || ev.SubtaskIndex != 2 || ev.Err == "" {
			t.Errorf("unexpected event payload: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected Publish to stamp a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}
