package events

import (
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventOperationProgress)

	bus.Publish(&OperationProgressEvent{
		BaseEvent: BaseEvent{
			EventType: EventOperationProgress,
			Time:      time.Now(),
		},
		OperationID:    "op-1",
		TotalFiles:     10,
		CompletedFiles: 4,
	})

	select {
	case received := <-ch:
		progress, ok := received.(*OperationProgressEvent)
		if !ok {
			t.Fatal("Expected OperationProgressEvent")
		}
		if progress.OperationID != "op-1" {
			t.Errorf("Expected operation ID 'op-1', got '%s'", progress.OperationID)
		}
		if progress.CompletedFiles != 4 {
			t.Errorf("Expected 4 completed files, got %d", progress.CompletedFiles)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_DifferentEventTypes(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	poolCh := bus.Subscribe(EventPoolChanged)
	logCh := bus.Subscribe(EventLog)

	bus.PublishLog(InfoLevel, "hello", nil)

	select {
	case <-poolCh:
		t.Error("Pool subscriber should not receive log events")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case ev := <-logCh:
		if ev.(*LogEvent).Message != "hello" {
			t.Errorf("Expected message 'hello', got '%s'", ev.(*LogEvent).Message)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for log event")
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	all := bus.SubscribeAll()

	bus.PublishOperationState("op-1", "delete", "pending", "in_progress")
	bus.PublishLog(WarnLevel, "careful", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Expected 2 events, got %d", i)
		}
	}
}

func TestEventBus_NonBlocking(t *testing.T) {
	bus := NewEventBus(1)
	defer bus.Close()

	_ = bus.Subscribe(EventLog)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.PublishLog(InfoLevel, "flood", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := bus.GetDroppedEventCount(); got != 9 {
		t.Errorf("Expected 9 dropped events, got %d", got)
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventNodeBlocked)
	bus.Unsubscribe(EventNodeBlocked, ch)

	bus.Publish(&NodeBlockedEvent{BaseEvent: BaseEvent{EventType: EventNodeBlocked, Time: time.Now()}})

	select {
	case <-ch:
		t.Error("Unsubscribed channel received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventLog)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}

	closed := bus.Subscribe(EventLog)
	if _, ok := <-closed; ok {
		t.Error("Expected subscription after Close to be closed")
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Expected %s, got %s", tt.expected, got)
		}
	}
}

func TestListeners_EmitOrderAndUnsubscribe(t *testing.T) {
	var l Listeners[int]
	var got []string

	unsubA := l.Subscribe(func(v int) { got = append(got, "a") })
	l.Subscribe(func(v int) { got = append(got, "b") })

	l.Emit(1)
	unsubA()
	unsubA()
	l.Emit(2)

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}
	if l.Len() != 1 {
		t.Errorf("Expected 1 listener, got %d", l.Len())
	}
}

func TestListeners_SubscribeFromListener(t *testing.T) {
	var l Listeners[struct{}]
	calls := 0

	l.Subscribe(func(struct{}) {
		calls++
		if calls == 1 {
			l.Subscribe(func(struct{}) { calls += 10 })
		}
	})

	l.Emit(struct{}{})
	if calls != 1 {
		t.Errorf("Expected listener added during Emit to wait for the next Emit, got %d calls", calls)
	}

	l.Emit(struct{}{})
	if calls != 12 {
		t.Errorf("Expected 12, got %d", calls)
	}
}
