package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paseo-dev/paseo/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("test.subject", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("test.type", "test-source", map[string]any{"key": "value"})
	if err := bus.Publish(ctx, "test.subject", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Synchronous dispatch: the event is already delivered.
	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
	default:
		t.Fatal("Event not delivered synchronously")
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("test.unsub", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, "test.unsub", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}
	if err := bus.Publish(ctx, "test.unsub", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("Expected 1 handler call, got %d", got)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("paseo.agent.stream.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for _, subject := range []string{
		"paseo.agent.stream.a1",
		"paseo.agent.stream.a2",
		"paseo.agent.updated", // no match
	} {
		if err := bus.Publish(ctx, subject, NewEvent("t", "s", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("Expected 2 events received, got %d", got)
	}
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("paseo.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for _, subject := range []string{
		"paseo.agent.updated",
		"paseo.agent.stream.a1",
		"other.subject", // no match
	} {
		if err := bus.Publish(ctx, subject, NewEvent("t", "s", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("Expected 2 events received, got %d", got)
	}
}

// TestMemoryEventBus_MessageOrdering verifies that events are delivered to
// handlers in the exact order they are published. Streaming timeline content
// depends on this; async dispatch would let goroutines race.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("test.ordering", func(ctx context.Context, event *Event) error {
		seq := event.Data.(int)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		if err := bus.Publish(ctx, "test.ordering", NewEvent("t", "s", i)); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(receivedOrder) != numEvents {
		t.Fatalf("Expected %d events, got %d", numEvents, len(receivedOrder))
	}
	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("Ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}
	bus.Close()
	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	if err := bus.Publish(context.Background(), "test.subject", NewEvent("t", "s", nil)); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}
	if _, err := bus.Subscribe("test.subject", func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}
