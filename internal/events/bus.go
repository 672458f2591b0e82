package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe hub. Producers on the hot
// path (the proxy and the idle controller) never wait on subscribers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one or more event types. The name is
// used for logging and for Unsubscribe.
func (eb *EventBus) Subscribe(name string, handler HandlerFunc, types ...EventType) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], handlerEntry{name: name, handler: handler})
		log.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}
}

// Unsubscribe removes a named handler from every event type.
func (eb *EventBus) Unsubscribe(name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for t, handlers := range eb.handlers {
		filtered := handlers[:0:0]
		for _, h := range handlers {
			if h.name != name {
				filtered = append(filtered, h)
			}
		}
		eb.handlers[t] = filtered
	}
}

// snapshot returns the handlers for t, or nil once the bus is stopped.
// With track set the handlers are counted in wg before the lock is released
// so Stop cannot miss them.
func (eb *EventBus) snapshot(t EventType, track bool) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped || len(eb.handlers[t]) == 0 {
		return nil
	}
	out := make([]handlerEntry, len(eb.handlers[t]))
	copy(out, eb.handlers[t])
	if track {
		eb.wg.Add(len(out))
	}
	return out
}

// Emit publishes an event to all subscribed handlers. Each handler runs in
// its own goroutine; Emit never blocks on them.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	handlers := eb.snapshot(event.Type, true)
	if handlers == nil {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	// Handlers outlive the emitter's request scope.
	ctx = context.WithoutCancel(ctx)
	for _, h := range handlers {
		go func(h handlerEntry) {
			defer eb.wg.Done()
			eb.invoke(ctx, h, event)
		}(h)
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	handlers := eb.snapshot(event.Type, false)
	if handlers == nil {
		return nil
	}

	var (
		firstErr error
		errOnce  sync.Once
		wg       sync.WaitGroup
	)
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h handlerEntry) {
			defer wg.Done()
			if err := eb.invoke(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}(h)
	}
	wg.Wait()
	return firstErr
}

func (eb *EventBus) invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Wait blocks until every handler started by Emit so far has returned.
func (eb *EventBus) Wait() {
	eb.wg.Wait()
}

// Stop makes the bus drop new events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
