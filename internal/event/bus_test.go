package event

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/bridge/internal/logging"
)

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()

	called := false
	id := bus.Subscribe(TypeLinkOpened, func(e Event) {
		called = true
	})

	if id == "" {
		t.Error("Subscribe should return a non-empty ID")
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
	if called {
		t.Error("Handler should not be called until an event is published")
	}
}

func TestBus_Publish(t *testing.T) {
	bus := NewBus()

	var received Event
	bus.Subscribe(TypeLinkClosed, func(e Event) {
		received = e
	})

	bus.Publish(NewLinkClosedEvent("L1", "db", true, 3))

	closed, ok := received.(LinkClosedEvent)
	if !ok {
		t.Fatalf("received %T, want LinkClosedEvent", received)
	}
	if closed.LinkID != "L1" || closed.Rejected != 3 || !closed.Remote {
		t.Errorf("received %+v", closed)
	}
	if closed.Timestamp().IsZero() {
		t.Error("Timestamp() should be set")
	}
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(TypePortListening, func(Event) { count++ })
	bus.Publish(NewPortClosedEvent("a", false, 0))

	if count != 0 {
		t.Errorf("handler called %d times for another event type", count)
	}
}

func TestBus_WildcardAfterSpecific(t *testing.T) {
	bus := NewBus()

	var order []string
	bus.SubscribeAll(func(Event) { order = append(order, "all") })
	bus.Subscribe(TypeWorkerStarted, func(Event) { order = append(order, "specific") })

	bus.Publish(NewWorkerStartedEvent("W1", ""))

	if len(order) != 2 || order[0] != "specific" || order[1] != "all" {
		t.Errorf("order = %v, want [specific all]", order)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	id := bus.Subscribe(TypeLedgerChanged, func(Event) { count++ })

	if !bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return true for a known ID")
	}
	if bus.Unsubscribe(id) {
		t.Error("Unsubscribe should return false for an unknown ID")
	}

	bus.Publish(NewLedgerChangedEvent(1))
	if count != 0 {
		t.Errorf("unsubscribed handler called %d times", count)
	}
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()

	var second int
	var firstID string
	firstID = bus.Subscribe(TypeLinkOpened, func(Event) {
		bus.Unsubscribe(firstID)
	})
	bus.Subscribe(TypeLinkOpened, func(Event) { second++ })

	bus.Publish(NewLinkOpenedEvent("L1", "x", false, false))

	if second != 1 {
		t.Errorf("second handler called %d times, want 1", second)
	}
	if bus.SubscriptionCount() != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", bus.SubscriptionCount())
	}
}

func TestBus_PanicRecovery(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(WithLogger(logging.NewWithWriter(&buf, logging.LevelDebug)))

	called := false
	bus.Subscribe(TypeWorkerExited, func(Event) { panic("boom") })
	bus.Subscribe(TypeWorkerExited, func(Event) { called = true })

	bus.Publish(NewWorkerExitedEvent("W1", 1, nil))

	if !called {
		t.Error("handler after a panicking one should still run")
	}
	if !strings.Contains(buf.String(), "event handler panicked") {
		t.Errorf("panic was not logged: %q", buf.String())
	}
}

func TestBus_NilPublish(t *testing.T) {
	var bus *Bus
	bus.Publish(NewLedgerChangedEvent(0))
}

func TestBus_Clear(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("a", func(Event) {})
	bus.SubscribeAll(func(Event) {})

	bus.Clear()

	if bus.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", bus.SubscriptionCount())
	}
}

func TestBus_ConcurrentAccess(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			id := bus.Subscribe(TypePortListening, func(Event) {})
			bus.Publish(NewPortListeningEvent("p", true))
			bus.Unsubscribe(id)
		})
	}
	wg.Wait()

	if count != 20 {
		t.Errorf("wildcard handler saw %d events, want 20", count)
	}
}

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{NewPortListeningEvent("p", false), TypePortListening},
		{NewPortClosedEvent("p", false, 2), TypePortClosed},
		{NewLinkOpenedEvent("L", "p", true, true), TypeLinkOpened},
		{NewLinkClosedEvent("L", "p", false, 0), TypeLinkClosed},
		{NewTransportAttachedEvent("pipe"), TypeTransportAttached},
		{NewTransportDetachedEvent("pipe", nil, 0), TypeTransportDetached},
		{NewWorkerStartedEvent("W", "P"), TypeWorkerStarted},
		{NewWorkerExitedEvent("W", 0, nil), TypeWorkerExited},
		{NewCompanionStartedEvent(1, "node"), TypeCompanionStarted},
		{NewCompanionExitedEvent(1, 0, nil), TypeCompanionExited},
		{NewLedgerChangedEvent(0), TypeLedgerChanged},
	}
	for _, tt := range tests {
		if got := tt.event.EventType(); got != tt.want {
			t.Errorf("EventType() = %q, want %q", got, tt.want)
		}
	}
}
