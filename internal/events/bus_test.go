package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestEmitReachesEverySubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var sessions, backend atomic.Int32
	bus.Subscribe("sessions", func(ctx context.Context, e Event) error {
		sessions.Add(1)
		return nil
	}, EventSessionStarted, EventSessionEnded)
	bus.Subscribe("backend", func(ctx context.Context, e Event) error {
		backend.Add(1)
		return nil
	}, EventBackendStateChanged)

	ctx := context.Background()
	bus.Emit(ctx, Event{Type: EventSessionStarted})
	bus.Emit(ctx, Event{Type: EventSessionEnded})
	bus.Emit(ctx, Event{Type: EventBackendStateChanged})
	bus.Emit(ctx, Event{Type: EventShutdown})
	bus.Wait()

	if sessions.Load() != 2 || backend.Load() != 1 {
		t.Fatalf("sessions=%d backend=%d, want 2 and 1", sessions.Load(), backend.Load())
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var ran atomic.Bool
	bus.Subscribe("bad", func(ctx context.Context, e Event) error { panic("boom") }, EventIdleArmed)
	bus.Subscribe("good", func(ctx context.Context, e Event) error {
		ran.Store(true)
		return nil
	}, EventIdleArmed)

	bus.Emit(context.Background(), Event{Type: EventIdleArmed})
	bus.Wait()
	if !ran.Load() {
		t.Fatal("healthy handler did not run")
	}
}

func TestEmitSyncReturnsHandlerError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	want := errors.New("notifier down")
	bus.Subscribe("notifier", func(ctx context.Context, e Event) error { return want }, EventNotifyDiscord)

	if err := bus.EmitSync(context.Background(), Event{Type: EventNotifyDiscord}); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()

	var calls atomic.Int32
	h := func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	}
	bus.Subscribe("a", h, EventSessionStarted, EventSessionEnded)
	bus.Unsubscribe("a")
	if n := bus.HandlerCount(EventSessionStarted); n != 0 {
		t.Fatalf("HandlerCount = %d after Unsubscribe", n)
	}

	bus.Subscribe("b", h, EventSessionStarted)
	bus.Stop()
	bus.Stop()
	bus.Emit(context.Background(), Event{Type: EventSessionStarted})
	bus.Wait()

	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times on a stopped bus", calls.Load())
	}
	select {
	case <-bus.StopCh():
	default:
		t.Fatal("StopCh not closed")
	}
}

func TestBackendStatusJSON(t *testing.T) {
	b, _ := BackendSuspended.MarshalJSON()
	if string(b) != `"suspended"` {
		t.Fatalf("MarshalJSON = %s", b)
	}
	if BackendStatus(42).String() != "unknown" {
		t.Fatal("out of range status should be unknown")
	}
}
